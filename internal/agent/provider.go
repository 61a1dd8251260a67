// Package agent implements the turn engine: the provider streaming contract,
// the per-turn state machine with tool execution and approval gating, and the
// execution trace builder.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// EventType identifies a ChatEvent variant.
type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventContentDelta EventType = "content_delta"
	EventToolUseStart EventType = "tool_use_start"
	EventToolUseDelta EventType = "tool_use_delta"
	EventToolUseEnd   EventType = "tool_use_end"
	EventMessageEnd   EventType = "message_end"
	EventStreamError  EventType = "error"
)

// StopReason is the provider's reason for ending a message.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// ChatEvent is one element of a provider stream. A successful stream emits
// exactly one message_start and exactly one message_end; tool use is
// bracketed by tool_use_start and tool_use_end with the parsed input attached
// to the end event.
type ChatEvent struct {
	Type EventType

	// message_start.
	MessageID string

	// content_delta.
	Text string

	// tool_use_* fields. PartialInput carries raw JSON fragments; Input is
	// the complete parsed arguments, set only on tool_use_end.
	ToolUseID    string
	ToolName     string
	PartialInput string
	Input        json.RawMessage

	// message_end.
	StopReason StopReason
	Usage      *models.Usage

	// error.
	Err error
}

// ChatParams is one provider call.
type ChatParams struct {
	Messages      []*models.Message
	Tools         []tools.Definition
	SystemPrompt  string
	Model         string
	MaxTokens     int
	Temperature   float64
	StopSequences []string
	TraceID       string
}

// Provider is the unified streaming contract over LLM vendors.
//
// Implementations must be safe for concurrent use; multiple turns may stream
// simultaneously for different sessions.
type Provider interface {
	// Chat opens a streaming completion. The returned channel is closed
	// after the terminal event (message_end or error).
	Chat(ctx context.Context, params *ChatParams) (<-chan ChatEvent, error)

	// CountTokens estimates the token cost of a message list.
	CountTokens(messages []*models.Message) int

	// ContextWindow returns the model's context window size in tokens.
	ContextWindow() int

	// SupportsToolUse reports whether the provider handles tool calling.
	SupportsToolUse() bool

	// Name returns the provider id ("anthropic", "openai").
	Name() string

	// Model returns the configured vendor model id.
	Model() string
}
