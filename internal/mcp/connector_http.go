package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const clientUserAgent = "mcp-client/1.0"

// headerTransport stamps fixed headers on every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func newHTTPClient(responseHeaderTimeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = responseHeaderTimeout
	return &http.Client{
		Transport: &headerTransport{
			base:    base,
			headers: map[string]string{"User-Agent": clientUserAgent},
		},
	}
}

type httpConnector struct {
	kind             Kind
	client           *http.Client
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// newEventStreamConnector speaks the legacy two-endpoint SSE transport.
func newEventStreamConnector(logger *slog.Logger) Connector {
	return &httpConnector{
		kind:             KindEventStream,
		client:           newHTTPClient(EventStreamTimeout),
		handshakeTimeout: HandshakeTimeout,
		logger:           logger,
	}
}

// newHTTPStreamConnector speaks the streamable HTTP transport.
func newHTTPStreamConnector(logger *slog.Logger) Connector {
	return &httpConnector{
		kind:             KindHTTPStream,
		client:           newHTTPClient(0),
		handshakeTimeout: HandshakeTimeout,
		logger:           logger,
	}
}

func (c *httpConnector) transport(endpoint string) sdk.Transport {
	if c.kind == KindEventStream {
		return &sdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: c.client}
	}
	return &sdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: c.client}
}

func (c *httpConnector) Connect(ctx context.Context, target Target) (Session, error) {
	stack := &releaseStack{}
	c.logger.Debug("opening mcp http session", "transport", c.kind, "url", target.Address)
	session, err := connectSDK(ctx, c.transport(target.Address), stack, c.handshakeTimeout, nil)
	if err != nil {
		if releaseErr := stack.release(); releaseErr != nil {
			c.logger.Debug("release after failed connect", "error", releaseErr)
		}
		return nil, fmt.Errorf("connect %s %s: %w", c.kind, target.Address, err)
	}
	return session, nil
}

// DefaultConnectors wires the SDK-backed connector for every transport kind.
func DefaultConnectors(opts LaunchOptions, logger *slog.Logger) Connectors {
	if logger == nil {
		logger = slog.Default()
	}
	return Connectors{
		Pipe:        newStdioConnector(opts, logger),
		EventStream: newEventStreamConnector(logger),
		HTTPStream:  newHTTPStreamConnector(logger),
	}
}
