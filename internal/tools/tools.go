// Package tools defines the executable tool contract, the thread-safe
// registry the agent runner draws from, and schema validation of tool input.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Category groups tools for listing and policy.
type Category string

const (
	CategoryUtility Category = "utility"
	CategoryMemory  Category = "memory"
	CategoryMCP     Category = "mcp"
)

// ExecutionContext carries per-turn identity and permissions into a tool.
// The context.Context passed to Execute carries cancellation; this struct
// carries everything else.
type ExecutionContext struct {
	ProjectID    string
	SessionID    string
	TraceID      string
	AgentConfig  *models.AgentConfig
	AllowedTools []string
}

// Result is the uniform outcome of a tool execution.
type Result struct {
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExecutableTool is the contract every tool implements. DryRun must not
// perform side effects; for pure tools it may delegate to Execute.
type ExecutableTool interface {
	ID() string
	Name() string
	Description() string
	Category() Category
	InputSchema() json.RawMessage
	RiskLevel() models.RiskLevel
	RequiresApproval() bool
	SideEffects() bool
	SupportsDryRun() bool

	Execute(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (*Result, error)
	DryRun(ctx context.Context, input json.RawMessage, ec *ExecutionContext) (*Result, error)
}

// HealthChecker is implemented by tools with a liveness probe, typically
// those backed by an external service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Definition is the provider-facing description of a tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Definition builds the provider-facing view of a tool.
func ToolDefinition(t ExecutableTool) Definition {
	return Definition{
		Name:        t.ID(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}

func elapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func errorResult(start time.Time, msg string) *Result {
	return &Result{Success: false, Error: msg, DurationMs: elapsed(start)}
}
