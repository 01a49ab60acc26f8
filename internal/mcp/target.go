package mcp

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	hostedGitPattern  = "gitmcp.io"
	eventStreamSuffix = "/sse"
)

var scriptExtensions = []string{".py"}

// NormalizeTarget applies transport auto-detection to a raw target and kind hint.
// Hosted git servers are forced onto the event stream, local scripts and
// non-URL targets onto the pipe transport.
func NormalizeTarget(raw, kindHint string) (Target, error) {
	address := strings.TrimSpace(raw)
	if address == "" {
		return Target{}, fmt.Errorf("%w: target is required", ErrValidation)
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(kindHint)))
	switch kind {
	case "", KindPipe, KindEventStream, KindHTTPStream:
	default:
		return Target{}, fmt.Errorf("%w: unknown connection type %q", ErrValidation, kindHint)
	}

	switch {
	case strings.Contains(address, hostedGitPattern):
		kind = KindEventStream
		if !strings.HasSuffix(address, eventStreamSuffix) {
			address = strings.TrimRight(address, "/") + eventStreamSuffix
		}
	case isScriptPath(address) || !hasHTTPPrefix(address):
		kind = KindPipe
	case kind == KindEventStream || kind == KindHTTPStream:
	case kind == KindPipe:
		return Target{}, fmt.Errorf("%w: stdio transport needs a local command or script, got URL %s", ErrValidation, address)
	default:
		kind = KindHTTPStream
	}

	return Target{Kind: kind, Address: address}, nil
}

func hasHTTPPrefix(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isScriptPath(s string) bool {
	ext := strings.ToLower(filepath.Ext(s))
	for _, candidate := range scriptExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}
