package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
)

// Client connects to a single MCP server and snapshots its tool list at
// connect time. Reconnecting forces re-discovery.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *observability.Logger

	mu         sync.RWMutex
	tools      []Tool
	serverInfo ServerInfo
}

// NewClient builds a client for one server.
func NewClient(cfg *ServerConfig, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.Name),
	}
}

// Connect performs the transport connect, the initialize handshake, and the
// initial tool discovery.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return errdefs.Wrap(errdefs.CodeMCPConnection, fmt.Sprintf("connect to %s", c.config.Name), err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "nexus-core",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return errdefs.Wrap(errdefs.CodeMCPConnection, fmt.Sprintf("initialize %s", c.config.Name), err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Close()
		return errdefs.Wrap(errdefs.CodeMCPConnection, fmt.Sprintf("parse initialize result from %s", c.config.Name), err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn(ctx, "initialized notification failed", "error", err)
	}

	if err := c.refreshTools(ctx); err != nil {
		c.transport.Close()
		return err
	}

	c.logger.Info(ctx, "connected to mcp server",
		"server", c.serverInfo.Name, "version", c.serverInfo.Version, "tools", len(c.Tools()))
	return nil
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// Tools returns the tool list snapshotted at connect.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes a remote tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, "tool arguments are not valid JSON", err)
		}
		params["arguments"] = decoded
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Wrap(errdefs.CodeMCPTimeout, fmt.Sprintf("call %s on %s", name, c.config.Name), err)
		}
		return nil, errdefs.Wrap(errdefs.CodeMCPToolExecution, fmt.Sprintf("call %s on %s", name, c.config.Name), err)
	}

	var out CallToolResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeMCPToolExecution, fmt.Sprintf("parse result of %s from %s", name, c.config.Name), err)
	}
	return &out, nil
}

func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeMCPConnection, fmt.Sprintf("list tools on %s", c.config.Name), err)
	}
	var list ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return errdefs.Wrap(errdefs.CodeMCPConnection, fmt.Sprintf("parse tool list from %s", c.config.Name), err)
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return nil
}
