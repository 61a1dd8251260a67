package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// BridgedToolID builds the namespaced registry id for a remote tool.
func BridgedToolID(prefix, name string) string {
	return fmt.Sprintf("mcp:%s:%s", prefix, name)
}

// bridgedTool adapts one remote MCP tool to the ExecutableTool contract.
// Remote tools are treated as medium risk with no approval requirement; host
// policy may override by id.
type bridgedTool struct {
	client *Client
	remote Tool
	id     string
}

func newBridgedTool(client *Client, remote Tool) *bridgedTool {
	return &bridgedTool{
		client: client,
		remote: remote,
		id:     BridgedToolID(client.Config().ToolPrefix(), remote.Name),
	}
}

func (t *bridgedTool) ID() string   { return t.id }
func (t *bridgedTool) Name() string { return t.remote.Name }

func (t *bridgedTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("Tool %s provided by MCP server %s", t.remote.Name, t.client.Config().Name)
}

func (t *bridgedTool) Category() tools.Category     { return tools.CategoryMCP }
func (t *bridgedTool) InputSchema() json.RawMessage { return t.remote.InputSchema }
func (t *bridgedTool) RiskLevel() models.RiskLevel  { return models.RiskMedium }
func (t *bridgedTool) RequiresApproval() bool       { return false }
func (t *bridgedTool) SideEffects() bool            { return true }
func (t *bridgedTool) SupportsDryRun() bool         { return false }

func (t *bridgedTool) Execute(ctx context.Context, input json.RawMessage, _ *tools.ExecutionContext) (*tools.Result, error) {
	start := time.Now()
	result, err := t.client.CallTool(ctx, t.remote.Name, input)
	if err != nil {
		return nil, err
	}

	out := &tools.Result{
		Success:    !result.IsError,
		Output:     result.Text(),
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   map[string]any{"server": t.client.Config().Name},
	}
	if result.IsError {
		out.Error = out.Output
		out.Output = ""
	}
	return out, nil
}

// DryRun is unsupported for remote tools; the server side may have effects
// we cannot preview.
func (t *bridgedTool) DryRun(_ context.Context, _ json.RawMessage, _ *tools.ExecutionContext) (*tools.Result, error) {
	return &tools.Result{
		Success: false,
		Error:   fmt.Sprintf("mcp tool %s does not support dry run", t.id),
	}, nil
}

// HealthCheck probes the underlying connection.
func (t *bridgedTool) HealthCheck(_ context.Context) error {
	if !t.client.Connected() {
		return fmt.Errorf("mcp server %s is disconnected", t.client.Config().Name)
	}
	return nil
}
