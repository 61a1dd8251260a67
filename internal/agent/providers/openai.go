package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	openaiDefaultModel  = "gpt-4o"
	openaiContextWindow = 128000
)

// OpenAIConfig configures an OpenAI provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI streams chat completions through sashabaranov/go-openai.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *observability.Logger
}

// NewOpenAI builds a GPT provider.
func NewOpenAI(cfg OpenAIConfig, logger *observability.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

func (p *OpenAI) Name() string          { return "openai" }
func (p *OpenAI) Model() string         { return p.model }
func (p *OpenAI) SupportsToolUse() bool { return true }
func (p *OpenAI) ContextWindow() int    { return openaiContextWindow }

func (p *OpenAI) CountTokens(messages []*models.Message) int {
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

// pendingToolCall accumulates one tool call's streamed fragments. OpenAI
// keys fragments by index, not id.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// Chat opens a streaming chat completion.
func (p *OpenAI) Chat(ctx context.Context, params *agent.ChatParams) (<-chan agent.ChatEvent, error) {
	req := p.buildRequest(params)
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.wrapError(err)
	}

	out := make(chan agent.ChatEvent)
	go func() {
		defer close(out)
		defer stream.Close()

		pending := make(map[int]*pendingToolCall)
		var usage models.Usage
		var finish openai.FinishReason
		started := false

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					// A stream can end before any chunk arrives; the
					// terminal event still needs its opening bracket.
					if !started {
						out <- agent.ChatEvent{Type: agent.EventMessageStart}
					}
					p.flushToolCalls(ctx, pending, out)
					out <- agent.ChatEvent{
						Type:       agent.EventMessageEnd,
						StopReason: mapOpenAIStop(finish, len(pending) > 0),
						Usage:      &usage,
					}
					return
				}
				out <- agent.ChatEvent{Type: agent.EventStreamError, Err: p.wrapError(err)}
				return
			}

			if !started {
				out <- agent.ChatEvent{Type: agent.EventMessageStart, MessageID: response.ID}
				started = true
			}
			if response.Usage != nil {
				usage.InputTokens = response.Usage.PromptTokens
				usage.OutputTokens = response.Usage.CompletionTokens
			}
			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				out <- agent.ChatEvent{Type: agent.EventContentDelta, Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				call, ok := pending[index]
				if !ok {
					call = &pendingToolCall{}
					pending[index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
					out <- agent.ChatEvent{Type: agent.EventToolUseStart, ToolUseID: call.id, ToolName: call.name}
				}
				if tc.Function.Arguments != "" {
					call.args.WriteString(tc.Function.Arguments)
					out <- agent.ChatEvent{
						Type:         agent.EventToolUseDelta,
						ToolUseID:    call.id,
						ToolName:     call.name,
						PartialInput: tc.Function.Arguments,
					}
				}
			}
		}
	}()
	return out, nil
}

// flushToolCalls emits tool_use_end events in index order, preserving the
// declaration order the model produced.
func (p *OpenAI) flushToolCalls(ctx context.Context, pending map[int]*pendingToolCall, out chan<- agent.ChatEvent) {
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		call := pending[i]
		if call.id == "" || call.name == "" {
			continue
		}
		raw := call.args.String()
		input := json.RawMessage(raw)
		if raw == "" {
			input = json.RawMessage("{}")
		} else if !json.Valid([]byte(raw)) {
			p.logger.Warn(ctx, "malformed tool input JSON from provider", "tool", call.name)
			input = json.RawMessage("{}")
		}
		out <- agent.ChatEvent{
			Type:      agent.EventToolUseEnd,
			ToolUseID: call.id,
			ToolName:  call.name,
			Input:     input,
		}
	}
}

func (p *OpenAI) buildRequest(params *agent.ChatParams) openai.ChatCompletionRequest {
	model := params.Model
	if model == "" {
		model = p.model
	}

	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(params.Messages, params.SystemPrompt),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if params.Temperature > 0 {
		req.Temperature = float32(params.Temperature)
	}
	if len(params.StopSequences) > 0 {
		req.Stop = params.StopSequences
	}
	for _, def := range params.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return req
}

func convertOpenAIMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(rawOrEmpty(tc.Input)),
					},
				})
			}
			out = append(out, m)

		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			// Tool results each become a separate tool-role message.
			if len(msg.ToolResults) > 0 {
				for _, tr := range msg.ToolResults {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    tr.Content,
						ToolCallID: tr.ToolUseID,
					})
				}
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func mapOpenAIStop(reason openai.FinishReason, sawTools bool) agent.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls:
		return agent.StopToolUse
	case openai.FinishReasonLength:
		return agent.StopMaxTokens
	case openai.FinishReasonStop:
		return agent.StopEndTurn
	default:
		if sawTools {
			return agent.StopToolUse
		}
		return agent.StopEndTurn
	}
}

func (p *OpenAI) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classify("openai", apiErr.HTTPStatusCode, err)
	}
	return classify("openai", 0, err)
}
