// Package mcp implements a Model Context Protocol client fleet: stdio and
// SSE transports, per-server clients, and the bridge that surfaces remote
// tools to the agent's tool registry.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const protocolVersion = "2024-11-05"

// TransportType selects how a server is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportSSE   TransportType = "sse"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Transport TransportType `yaml:"transport" json:"transport"`

	// Stdio transport.
	Command string   `yaml:"command" json:"command,omitempty"`
	Args    []string `yaml:"args" json:"args,omitempty"`

	// Env maps child environment variable names to names of variables in
	// the host process environment. Unresolved names are dropped, never
	// passed empty.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// SSE transport.
	URL string `yaml:"url" json:"url,omitempty"`

	// Prefix overrides the server name in bridged tool ids.
	Prefix string `yaml:"prefix" json:"prefix,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks transport-specific requirements.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: stdio transport requires a command", c.Name)
		}
	case TransportSSE:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("mcp server %s: sse transport requires an http(s) url", c.Name)
		}
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// ToolPrefix is the namespace used in bridged tool ids.
func (c *ServerConfig) ToolPrefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return c.Name
}

// JSON-RPC 2.0 wire types.

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InitializeResult is the server's handshake response.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the remote server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool is a tool as advertised by an MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ContentBlock is one piece of a tool call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the result's text blocks.
func (r *CallToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
