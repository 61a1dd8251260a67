package mcp

import (
	"strings"
	"testing"
	"time"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name:    "missing name",
			cfg:     ServerConfig{Transport: TransportStdio, Command: "server"},
			wantErr: "name is required",
		},
		{
			name:    "stdio without command",
			cfg:     ServerConfig{Name: "fs", Transport: TransportStdio},
			wantErr: "requires a command",
		},
		{
			name: "stdio ok",
			cfg:  ServerConfig{Name: "fs", Transport: TransportStdio, Command: "mcp-fs"},
		},
		{
			name:    "sse without url",
			cfg:     ServerConfig{Name: "remote", Transport: TransportSSE},
			wantErr: "http(s) url",
		},
		{
			name:    "sse with bare host",
			cfg:     ServerConfig{Name: "remote", Transport: TransportSSE, URL: "localhost:8080"},
			wantErr: "http(s) url",
		},
		{
			name: "sse ok",
			cfg:  ServerConfig{Name: "remote", Transport: TransportSSE, URL: "https://mcp.example.com/sse", Timeout: 5 * time.Second},
		},
		{
			name:    "unknown transport",
			cfg:     ServerConfig{Name: "x", Transport: "grpc"},
			wantErr: "unknown transport",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want message containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBridgedToolNamespacing(t *testing.T) {
	cfg := &ServerConfig{Name: "filesystem"}
	if got := BridgedToolID(cfg.ToolPrefix(), "read_file"); got != "mcp:filesystem:read_file" {
		t.Errorf("id = %q, want mcp:filesystem:read_file", got)
	}

	// An explicit prefix overrides the server name.
	cfg.Prefix = "fs"
	if got := BridgedToolID(cfg.ToolPrefix(), "read_file"); got != "mcp:fs:read_file" {
		t.Errorf("id = %q, want mcp:fs:read_file", got)
	}
}

func TestCallToolResultText(t *testing.T) {
	res := &CallToolResult{Content: []ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "image", Text: "ignored"},
		{Type: "text", Text: ""},
		{Type: "text", Text: "second"},
	}}
	if got := res.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q, want %q", got, "first\nsecond")
	}

	empty := &CallToolResult{}
	if got := empty.Text(); got != "" {
		t.Errorf("empty result Text() = %q, want empty", got)
	}
}
