package mcp

import (
	"context"
	"encoding/json"
)

// Transport moves JSON-RPC messages to and from one MCP server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	Connected() bool
}

// NewTransport builds the transport selected by the server config.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.Transport == TransportSSE {
		return NewSSETransport(cfg)
	}
	return NewStdioTransport(cfg)
}
