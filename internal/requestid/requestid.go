// Package requestid carries a per-request trace id through contexts.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type contextKey struct{}

// New creates a request id for tracing.
func New() string {
	return uuid.NewString()
}

// With adds a request id to context.
func With(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, requestID)
}

// From reads request id from context.
func From(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v := ctx.Value(contextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
