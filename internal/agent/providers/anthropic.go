package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	anthropicDefaultModel  = "claude-sonnet-4-5"
	anthropicContextWindow = 200000
	anthropicMaxTokens     = 4096
)

// AnthropicConfig configures an Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string

	// Model is the default model when a request carries none.
	Model string
}

// Anthropic streams Claude completions through the official SDK.
type Anthropic struct {
	client anthropic.Client
	model  string
	logger *observability.Logger
}

// NewAnthropic builds a Claude provider.
func NewAnthropic(cfg AnthropicConfig, logger *observability.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

func (p *Anthropic) Name() string          { return "anthropic" }
func (p *Anthropic) Model() string         { return p.model }
func (p *Anthropic) SupportsToolUse() bool { return true }
func (p *Anthropic) ContextWindow() int    { return anthropicContextWindow }

// CountTokens estimates with a character heuristic; close enough for context
// fitting and budget prechecks.
func (p *Anthropic) CountTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / 4
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content) / 4
		}
		total += 4
	}
	return total
}

// Chat opens a streaming completion and translates SDK events into the
// unified event contract.
func (p *Anthropic) Chat(ctx context.Context, params *agent.ChatParams) (<-chan agent.ChatEvent, error) {
	req, err := p.buildRequest(params)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.ChatEvent)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, req)
		defer stream.Close()

		var (
			toolID    string
			toolName  string
			toolInput strings.Builder
			usage     models.Usage
			stop      agent.StopReason
			sawTools  bool
		)

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)
				usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
				usage.CacheWriteTokens = int(start.Message.Usage.CacheCreationInputTokens)
				out <- agent.ChatEvent{Type: agent.EventMessageStart, MessageID: start.Message.ID}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					use := block.AsToolUse()
					toolID, toolName = use.ID, use.Name
					toolInput.Reset()
					out <- agent.ChatEvent{Type: agent.EventToolUseStart, ToolUseID: toolID, ToolName: toolName}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- agent.ChatEvent{Type: agent.EventContentDelta, Text: delta.Text}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						toolInput.WriteString(delta.PartialJSON)
						out <- agent.ChatEvent{
							Type:         agent.EventToolUseDelta,
							ToolUseID:    toolID,
							ToolName:     toolName,
							PartialInput: delta.PartialJSON,
						}
					}
				}

			case "content_block_stop":
				if toolID != "" {
					out <- agent.ChatEvent{
						Type:      agent.EventToolUseEnd,
						ToolUseID: toolID,
						ToolName:  toolName,
						Input:     p.parseToolInput(ctx, toolName, toolInput.String()),
					}
					sawTools = true
					toolID, toolName = "", ""
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(delta.Usage.OutputTokens)
				}
				stop = mapAnthropicStop(string(delta.Delta.StopReason), sawTools)

			case "message_stop":
				if stop == "" {
					stop = agent.StopEndTurn
				}
				out <- agent.ChatEvent{Type: agent.EventMessageEnd, StopReason: stop, Usage: &usage}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- agent.ChatEvent{Type: agent.EventStreamError, Err: p.wrapError(err)}
			return
		}
		out <- agent.ChatEvent{
			Type: agent.EventStreamError,
			Err:  classify("anthropic", 0, errors.New("stream ended without message_stop")),
		}
	}()
	return out, nil
}

func (p *Anthropic) buildRequest(params *agent.ChatParams) (anthropic.MessageNewParams, error) {
	model := params.Model
	if model == "" {
		model = p.model
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	messages, err := convertAnthropicMessages(params.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if params.SystemPrompt != "" {
		req.System = []anthropic.TextBlockParam{{Type: "text", Text: params.SystemPrompt}}
	}
	if params.Temperature > 0 {
		req.Temperature = anthropic.Float(params.Temperature)
	}
	if len(params.StopSequences) > 0 {
		req.StopSequences = params.StopSequences
	}
	for _, def := range params.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			return anthropic.MessageNewParams{}, classify("anthropic", 0, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		req.Tools = append(req.Tools, tool)
	}
	return req, nil
}

// parseToolInput parses the accumulated input fragments. Malformed JSON falls
// back to an empty object so the tool's schema validation produces a clean
// error result instead of a broken turn.
func (p *Anthropic) parseToolInput(ctx context.Context, name, raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(raw)) {
		p.logger.Warn(ctx, "malformed tool input JSON from provider", "tool", name)
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func (p *Anthropic) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classify("anthropic", apiErr.StatusCode, err)
	}
	return classify("anthropic", 0, err)
}

func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			// System content travels in the request's System field; fold any
			// stray system messages into a user turn to keep them visible.
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(rawOrEmpty(tc.Input), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func mapAnthropicStop(reason string, sawTools bool) agent.StopReason {
	switch reason {
	case "tool_use":
		return agent.StopToolUse
	case "max_tokens":
		return agent.StopMaxTokens
	case "stop_sequence":
		return agent.StopStopSequence
	case "end_turn":
		return agent.StopEndTurn
	default:
		if sawTools {
			return agent.StopToolUse
		}
		return agent.StopEndTurn
	}
}

func rawOrEmpty(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return json.RawMessage("{}")
	}
	return in
}
