package models

import (
	"encoding/json"
	"time"
)

// TraceStatus is the terminal (or running) state of an execution trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceCompleted TraceStatus = "completed"
	TraceFailed    TraceStatus = "failed"
	TraceMaxTurns  TraceStatus = "max_turns"
)

// TraceEventType identifies a trace event variant.
type TraceEventType string

const (
	EventLLMRequest   TraceEventType = "llm_request"
	EventLLMResponse  TraceEventType = "llm_response"
	EventToolCall     TraceEventType = "tool_call"
	EventToolResult   TraceEventType = "tool_result"
	EventApprovalWait TraceEventType = "approval_wait"
	EventError        TraceEventType = "error"
)

// TraceEvent is one entry in a trace's ordered event log. Sequence numbers
// are monotonic by emission; insertion order breaks timestamp ties.
type TraceEvent struct {
	Sequence  int             `json:"sequence"`
	Type      TraceEventType  `json:"type"`
	Timestamp time.Time       `json:"timestamp"`

	// llm_response fields.
	Text  string `json:"text,omitempty"`
	Usage *Usage `json:"usage,omitempty"`

	// tool_call / tool_result fields.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolID     string          `json:"toolId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// approval_wait fields.
	ApprovalID string `json:"approvalId,omitempty"`

	// error fields.
	Error string `json:"error,omitempty"`
}

// ExecutionTrace is the immutable audit record of one turn: the prompt
// snapshot, the ordered event log, and cost/latency aggregates. Traces are
// append-only after persistence.
type ExecutionTrace struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"projectId"`
	SessionID       string         `json:"sessionId"`
	PromptSnapshot  PromptSnapshot `json:"promptSnapshot"`
	Events          []TraceEvent   `json:"events"`
	TotalDurationMs int64          `json:"totalDurationMs"`
	TotalTokensUsed int            `json:"totalTokensUsed"`
	TotalCostUSD    float64        `json:"totalCostUsd"`
	TurnCount       int            `json:"turnCount"`
	Status          TraceStatus    `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// UsageRecord is one row in the per-LLM-call cost ledger.
type UsageRecord struct {
	ProjectID        string    `json:"projectId"`
	SessionID        string    `json:"sessionId"`
	TraceID          string    `json:"traceId"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputTokens      int       `json:"inputTokens"`
	OutputTokens     int       `json:"outputTokens"`
	CacheReadTokens  int       `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int       `json:"cacheWriteTokens,omitempty"`
	CostUSD          float64   `json:"costUsd"`
	Timestamp        time.Time `json:"timestamp"`
}
