package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents the LLM requesting execution of a tool.
type ToolCall struct {
	// ID is the provider-assigned tool use id, used to pair results.
	ID string `json:"id"`

	// ToolID is the registry id of the tool being invoked.
	ToolID string `json:"toolId"`

	// Name is the tool name as presented to the provider.
	Name string `json:"name"`

	// Input is the JSON arguments for the invocation.
	Input json.RawMessage `json:"input"`
}

// ToolResult carries the outcome of a tool call back to the LLM.
type ToolResult struct {
	// ToolUseID pairs this result with its originating ToolCall.ID.
	ToolUseID string `json:"toolUseId"`

	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// Usage records token consumption for a single provider call.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Message is one entry in a session's ordered conversation. Assistant
// messages may carry tool calls; the paired results follow in a user-role
// message with matching ToolUseIDs in identical order.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Usage       *Usage       `json:"usage,omitempty"`
	TraceID     string       `json:"traceId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ContentPart is the wire representation of structured message content:
// text, tool_use, or tool_result parts.
type ContentPart struct {
	Type string `json:"type"`

	// Text is set for type "text".
	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// Parts renders the message as its structured content-part list. Plain text
// messages yield a single text part.
func (m *Message) Parts() []ContentPart {
	var parts []ContentPart
	if m.Content != "" {
		parts = append(parts, ContentPart{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, ContentPart{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Input,
		})
	}
	for _, tr := range m.ToolResults {
		parts = append(parts, ContentPart{
			Type:      "tool_result",
			ToolUseID: tr.ToolUseID,
			Content:   tr.Content,
			IsError:   tr.IsError,
		})
	}
	return parts
}

// MessageFromParts builds a Message from structured content parts.
func MessageFromParts(role Role, parts []ContentPart) *Message {
	msg := &Message{Role: role}
	for _, p := range parts {
		switch p.Type {
		case "text":
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += p.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:    p.ID,
				Name:  p.Name,
				Input: p.Input,
			})
		case "tool_result":
			msg.ToolResults = append(msg.ToolResults, ToolResult{
				ToolUseID: p.ToolUseID,
				Content:   p.Content,
				IsError:   p.IsError,
			})
		}
	}
	return msg
}
