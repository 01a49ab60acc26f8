package mcp

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

var runtimeAliases = map[string]bool{
	"python":     true,
	"python3":    true,
	"python.exe": true,
}

// LaunchOptions controls how pipe targets become processes.
type LaunchOptions struct {
	// Runtime is the interpreter substituted for script runtime aliases.
	Runtime string
	// Subdir is searched below the working directory and its parent.
	Subdir string
	// WorkDir overrides the process working directory for script lookup.
	WorkDir string
	// Env is merged over the inherited environment.
	Env map[string]string
}

type launchSpec struct {
	Command string
	Args    []string
}

func (s launchSpec) String() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

func resolveLaunch(target string, opts LaunchOptions, logger *slog.Logger) (launchSpec, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return launchSpec{}, fmt.Errorf("%w: empty command", ErrValidation)
	}
	workDir, err := opts.workDir()
	if err != nil {
		return launchSpec{}, err
	}

	// A bare script path may contain spaces; a command line ending in a script falls through.
	if isScriptPath(target) {
		if script, err := findScript(target, workDir, opts.Subdir); err == nil {
			return launchSpec{Command: resolveRuntime(opts.Runtime), Args: []string{script}}, nil
		} else if !strings.Contains(target, " ") {
			return launchSpec{}, err
		}
	}

	parts, err := shellquote.Split(target)
	if err != nil {
		return launchSpec{}, fmt.Errorf("%w: invalid command syntax: %v", ErrValidation, err)
	}
	if len(parts) == 0 {
		return launchSpec{}, fmt.Errorf("%w: empty command", ErrValidation)
	}

	if runtimeAliases[strings.ToLower(parts[0])] {
		args := append([]string(nil), parts[1:]...)
		if len(args) > 0 && isScriptPath(args[0]) {
			script, err := findScript(args[0], workDir, opts.Subdir)
			if err != nil {
				return launchSpec{}, err
			}
			args[0] = script
		}
		return launchSpec{Command: resolveRuntime(opts.Runtime), Args: args}, nil
	}

	command := parts[0]
	if resolved, err := exec.LookPath(command); err == nil {
		command = resolved
	} else {
		logger.Warn("command not found in PATH, attempting to use as-is", "command", command)
	}
	return launchSpec{Command: command, Args: parts[1:]}, nil
}

func (o LaunchOptions) workDir() (string, error) {
	if strings.TrimSpace(o.WorkDir) != "" {
		return o.WorkDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return wd, nil
}

// resolveRuntime maps the configured interpreter onto an executable path.
func resolveRuntime(runtime string) string {
	candidates := []string{strings.TrimSpace(runtime), "python3", "python"}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if resolved, err := exec.LookPath(name); err == nil {
			return resolved
		}
	}
	if strings.TrimSpace(runtime) != "" {
		return strings.TrimSpace(runtime)
	}
	return "python3"
}

// findScript searches the usual places a user keeps a local server script.
func findScript(name, workDir, subdir string) (string, error) {
	base := filepath.Base(name)
	parent := filepath.Dir(workDir)

	var candidates []string
	if filepath.IsAbs(name) {
		candidates = append(candidates, name)
	}
	candidates = append(candidates,
		filepath.Join(workDir, name),
		filepath.Join(workDir, base),
	)
	if subdir != "" {
		candidates = append(candidates, filepath.Join(workDir, subdir, name))
	}
	candidates = append(candidates, filepath.Join(parent, name))
	if subdir != "" {
		candidates = append(candidates, filepath.Join(parent, subdir, name))
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, base))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return candidate, nil
		}
		return abs, nil
	}

	return "", fmt.Errorf("%w: Could not find script '%s'. Current directory: %s. Try using the full filename like 'tools_server.py'",
		ErrScriptNotFound, name, workDir)
}

func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(extra))
	for _, item := range base {
		key, value, _ := strings.Cut(item, "=")
		merged[key] = value
	}
	for key, value := range extra {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		merged[trimmedKey] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}
