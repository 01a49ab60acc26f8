package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const stderrTailBytes = 4096

type stdioConnector struct {
	opts             LaunchOptions
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func newStdioConnector(opts LaunchOptions, logger *slog.Logger) Connector {
	return &stdioConnector{opts: opts, handshakeTimeout: HandshakeTimeout, logger: logger}
}

func (c *stdioConnector) Connect(ctx context.Context, target Target) (Session, error) {
	spec, err := resolveLaunch(target.Address, c.opts, c.logger)
	if err != nil {
		return nil, err
	}

	env := map[string]string{"PYTHONUNBUFFERED": "1"}
	for k, v := range c.opts.Env {
		env[k] = v
	}

	// The process outlives the request that started it, so no CommandContext.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = mergeEnv(env)
	if c.opts.WorkDir != "" {
		cmd.Dir = c.opts.WorkDir
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	stack := &releaseStack{}
	stack.push("process", func() error {
		if cmd.Process == nil || cmd.ProcessState != nil {
			return nil
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		// Reap the process so the stderr tail is complete.
		_ = cmd.Wait()
		return nil
	})

	c.logger.Debug("starting mcp server process", "command", spec.String())
	// A stalled handshake is broken by killing the process; the SDK reaps it.
	kill := func() { _ = cmd.Process.Kill() }
	session, err := connectSDK(ctx, &sdk.CommandTransport{Command: cmd}, stack, c.handshakeTimeout, kill)
	if err != nil {
		if releaseErr := stack.release(); releaseErr != nil {
			c.logger.Debug("release after failed start", "error", releaseErr)
		}
		return nil, decorateLaunchError(err, spec, stderr)
	}
	return session, nil
}

func decorateLaunchError(err error, spec launchSpec, stderr *tailBuffer) error {
	tail := strings.TrimSpace(stderr.String())
	if tail != "" {
		return fmt.Errorf("start %s: %w; stderr=%s", spec, err, tail)
	}
	return fmt.Errorf("start %s: %w", spec, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
