package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/approval"
	"github.com/haasonsaas/nexus-core/internal/costguard"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/sanitize"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// defaultMaxTurns bounds the tool-use loop when the project sets no cap.
const defaultMaxTurns = 10

// ProviderResolver builds or returns a Provider for a project's provider
// spec. Implementations typically cache clients per (provider, model).
type ProviderResolver func(spec models.ProviderSpec) (Provider, error)

// Runner drives one conversation turn end to end: sanitize, assemble
// context, precheck cost, stream the provider, execute tools, persist.
type Runner struct {
	store    *storage.Store
	registry *tools.Registry
	guard    *costguard.Guard
	gate     *approval.Gate
	prompts  *prompt.Service
	resolver ProviderResolver
	counter  memory.TokenCounter
	longTerm *memory.LongTermStore
	logger   *observability.Logger
	metrics  *observability.Metrics

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLongTermStore wires episodic memory into per-run memory managers.
func WithLongTermStore(s *memory.LongTermStore) RunnerOption {
	return func(r *Runner) { r.longTerm = s }
}

// WithMetrics instruments turns, tool executions, and token consumption.
func WithMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner wires the turn engine.
func NewRunner(
	store *storage.Store,
	registry *tools.Registry,
	guard *costguard.Guard,
	gate *approval.Gate,
	prompts *prompt.Service,
	resolver ProviderResolver,
	counter memory.TokenCounter,
	logger *observability.Logger,
	opts ...RunnerOption,
) *Runner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Runner{
		store:    store,
		registry: registry,
		guard:    guard,
		gate:     gate,
		prompts:  prompts,
		resolver: resolver,
		counter:  counter,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunInput is one turn request.
type RunInput struct {
	ProjectID string
	SessionID string

	// Message is the raw user input; the runner sanitizes it.
	Message string

	// History is the prior conversation. Nil loads it from storage.
	History []*models.Message

	// AllowedTools overrides the project's allowlist when non-nil, used by
	// agent routing.
	AllowedTools []string

	// MaxTurns overrides the project turn cap when positive, used by
	// scheduled tasks.
	MaxTurns int

	// BudgetUSD caps the cumulative cost of this run when positive. The
	// turn aborts between provider calls once the trace total crosses it.
	BudgetUSD float64

	// OnEvent receives streaming events as they happen; used by the SSE
	// surface. May be nil.
	OnEvent func(ChatEvent)
}

// Run executes one turn and returns the persisted execution trace. Turns for
// the same session are serialized; the session lock is held until the trace
// is finalized, including on cancellation.
func (r *Runner) Run(ctx context.Context, in *RunInput) (*models.ExecutionTrace, error) {
	lock := r.sessionLock(in.SessionID)
	lock.Lock()
	defer lock.Unlock()

	project, err := r.store.Projects.Get(ctx, in.ProjectID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeNotFound, "project not found", err)
	}

	san, err := sanitize.Sanitize(in.Message, sanitize.DefaultOptions())
	if err != nil {
		return nil, err
	}
	if san.InjectionDetected {
		r.logger.Warn(ctx, "injection patterns stripped from input",
			"patterns", strings.Join(san.DetectedPatterns, ","))
	}

	systemPrompt, snapshot, err := r.prompts.Assemble(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	provider, err := r.resolver(project.AgentConfig.Provider)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeProviderError, "resolve provider", err)
	}
	provider = WithFailover(provider, project.AgentConfig.Failover, r.logger)

	history := in.History
	if history == nil {
		history, err = r.store.Messages.ListBySession(ctx, in.SessionID, 0)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Role:      models.RoleUser,
		Content:   san.Sanitized,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Messages.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	tb := newTraceBuilder(in.ProjectID, in.SessionID, *snapshot)
	ctx = observability.WithTraceID(ctx, tb.ID())
	ctx, span := observability.StartTurnSpan(ctx, in.ProjectID, in.SessionID, tb.ID())
	defer span.End()

	allowed := in.AllowedTools
	if allowed == nil {
		allowed = project.AgentConfig.AllowedTools
	}

	turn := &turnState{
		project:      project,
		provider:     provider,
		systemPrompt: systemPrompt,
		allowed:      allowed,
		messages:     append(append([]*models.Message{}, history...), userMsg),
		trace:        tb,
		onEvent:      in.OnEvent,
		sessionID:    in.SessionID,
		maxTurns:     in.MaxTurns,
		budgetUSD:    in.BudgetUSD,
		mem: memory.NewManager(project.AgentConfig.Memory, r.counter, provider.ContextWindow(),
			memory.WithSummarizer(r.summarizer(provider)),
			memory.WithLongTermStore(r.longTerm)),
	}

	started := time.Now()
	status, runErr := r.loop(ctx, turn)
	if r.metrics != nil {
		r.metrics.TurnsTotal.WithLabelValues(in.ProjectID, string(status)).Inc()
		r.metrics.TurnDuration.WithLabelValues(in.ProjectID).Observe(time.Since(started).Seconds())
	}
	// A budget denial before the first provider call leaves nothing to
	// record: the run never started.
	if runErr != nil && errdefs.IsCode(runErr, errdefs.CodeBudgetExceeded) && tb.turnCount() == 0 {
		return nil, runErr
	}
	trace, persistErr := tb.finalize(context.WithoutCancel(ctx), r.store.Traces, status)
	if persistErr != nil {
		r.logger.Error(ctx, "trace persistence failed", "trace", tb.ID(), "error", persistErr)
	}
	if runErr != nil {
		return trace, runErr
	}
	return trace, nil
}

// turnState carries the mutable per-turn context through the loop.
type turnState struct {
	project      *models.Project
	provider     Provider
	systemPrompt string
	allowed      []string
	messages     []*models.Message
	trace        *traceBuilder
	onEvent      func(ChatEvent)
	sessionID    string
	maxTurns     int
	budgetUSD    float64
	mem          *memory.Manager
}

func (r *Runner) loop(ctx context.Context, t *turnState) (models.TraceStatus, error) {
	cost := t.project.AgentConfig.Cost
	maxTurns := t.maxTurns
	if maxTurns <= 0 {
		maxTurns = cost.MaxTurnsPerSession
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	for {
		if err := ctx.Err(); err != nil {
			t.trace.errorEvent(err)
			return models.TraceFailed, errdefs.Wrap(errdefs.CodeInternal, "turn canceled", err)
		}

		if t.mem.ShouldCompact(t.messages) {
			r.compact(ctx, t)
		}
		t.messages = t.mem.FitToContextWindow(t.messages)

		decision, err := r.guard.Precheck(ctx, t.project, t.provider.CountTokens(t.messages))
		if err != nil {
			t.trace.errorEvent(err)
			return models.TraceFailed, fmt.Errorf("cost precheck: %w", err)
		}
		if !decision.Allow {
			if r.metrics != nil {
				reason := "budget"
				if strings.HasPrefix(decision.Reason, "rate limit") {
					reason = "rate_limit"
				}
				r.metrics.BudgetDenials.WithLabelValues(t.project.ID, reason).Inc()
			}
			budgetErr := errdefs.New(errdefs.CodeBudgetExceeded, decision.Reason)
			t.trace.errorEvent(budgetErr)
			return models.TraceFailed, budgetErr
		}

		assistant, stopReason, err := r.streamOnce(ctx, t, decision.MaxTokensPerTurn)
		if err != nil {
			t.trace.errorEvent(err)
			return models.TraceFailed, err
		}

		if t.budgetUSD > 0 && t.trace.totalCost() > t.budgetUSD {
			budgetErr := errdefs.Newf(errdefs.CodeBudgetExceeded,
				"run cost $%.4f exceeded per-run budget $%.4f", t.trace.totalCost(), t.budgetUSD)
			t.trace.errorEvent(budgetErr)
			return models.TraceFailed, budgetErr
		}

		if stopReason != StopToolUse {
			assistant.TraceID = t.trace.ID()
			if err := r.store.Messages.Append(context.WithoutCancel(ctx), assistant); err != nil {
				return models.TraceFailed, fmt.Errorf("persist assistant message: %w", err)
			}
			if stopReason == StopMaxTokens {
				r.logger.Warn(ctx, "assistant response truncated at max_tokens",
					"session", t.sessionID)
			}
			return models.TraceCompleted, nil
		}

		results := r.executeToolCalls(ctx, t, assistant.ToolCalls, decision.MaxToolCallsPerTurn)

		resultMsg := &models.Message{
			ID:          uuid.NewString(),
			SessionID:   t.sessionID,
			Role:        models.RoleUser,
			ToolResults: results,
			CreatedAt:   time.Now().UTC(),
		}
		assistant.TraceID = t.trace.ID()
		persistCtx := context.WithoutCancel(ctx)
		if err := r.store.Messages.Append(persistCtx, assistant); err != nil {
			return models.TraceFailed, fmt.Errorf("persist assistant message: %w", err)
		}
		if err := r.store.Messages.Append(persistCtx, resultMsg); err != nil {
			return models.TraceFailed, fmt.Errorf("persist tool results: %w", err)
		}
		t.messages = append(t.messages, assistant, resultMsg)

		if t.trace.turnCount() >= maxTurns {
			return models.TraceMaxTurns, nil
		}
	}
}

// compact replaces the conversation head with a summary and persists the
// compaction record. Failures fall through to pruning; the turn continues.
func (r *Runner) compact(ctx context.Context, t *turnState) {
	compacted, entry, err := t.mem.Compact(ctx, t.sessionID, t.messages)
	if err != nil {
		r.logger.Warn(ctx, "compaction failed, pruning instead",
			"session", t.sessionID, "error", err)
		return
	}
	if entry == nil {
		return
	}
	t.messages = compacted
	if err := r.store.Compactions.Record(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error(ctx, "compaction record persist failed",
			"session", t.sessionID, "error", err)
	}
	r.logger.Info(ctx, "conversation compacted", "session", t.sessionID,
		"messages", entry.MessagesCompacted, "tokensRecovered", entry.TokensRecovered)
}

// streamOnce consumes one provider stream, accumulating assistant text and
// tool calls in declaration order. tokenCap, when positive, bounds the
// response tokens requested from the provider.
func (r *Runner) streamOnce(ctx context.Context, t *turnState, tokenCap int) (*models.Message, StopReason, error) {
	t.trace.llmRequest()

	maxTokens := t.project.AgentConfig.Provider.MaxTokens
	if tokenCap > 0 && (maxTokens <= 0 || maxTokens > tokenCap) {
		maxTokens = tokenCap
	}

	params := &ChatParams{
		Messages:     t.messages,
		Tools:        r.toolDefinitions(t.allowed),
		SystemPrompt: t.systemPrompt,
		Model:        t.project.AgentConfig.Provider.Model,
		MaxTokens:    maxTokens,
		Temperature:  t.project.AgentConfig.Provider.Temperature,
		TraceID:      t.trace.ID(),
	}

	stream, err := t.provider.Chat(ctx, params)
	if err != nil {
		return nil, "", errdefs.Wrap(errdefs.CodeProviderError, "open provider stream", err)
	}

	var text strings.Builder
	var calls []models.ToolCall
	var stopReason StopReason
	var usage *models.Usage

	for ev := range stream {
		if t.onEvent != nil {
			t.onEvent(ev)
		}
		switch ev.Type {
		case EventContentDelta:
			text.WriteString(ev.Text)
		case EventToolUseEnd:
			calls = append(calls, models.ToolCall{
				ID:     ev.ToolUseID,
				ToolID: ev.ToolName,
				Name:   ev.ToolName,
				Input:  rawInput(ev.Input),
			})
		case EventMessageEnd:
			stopReason = ev.StopReason
			usage = ev.Usage
		case EventStreamError:
			return nil, "", errdefs.Wrap(errdefs.CodeProviderError, "provider stream failed", ev.Err)
		}
	}
	if stopReason == "" {
		return nil, "", errdefs.New(errdefs.CodeProviderError, "provider stream ended without message_end")
	}

	callCost := r.recordUsage(ctx, t, usage)
	t.trace.llmResponse(text.String(), usage, callCost)
	for _, c := range calls {
		t.trace.toolCall(c)
	}

	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: t.sessionID,
		Role:      models.RoleAssistant,
		Content:   text.String(),
		ToolCalls: calls,
		Usage:     usage,
		CreatedAt: time.Now().UTC(),
	}, stopReason, nil
}

func (r *Runner) recordUsage(ctx context.Context, t *turnState, usage *models.Usage) float64 {
	if usage == nil {
		return 0
	}
	rec := &models.UsageRecord{
		ProjectID:        t.project.ID,
		SessionID:        t.sessionID,
		TraceID:          t.trace.ID(),
		Provider:         t.provider.Name(),
		Model:            t.project.AgentConfig.Provider.Model,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		Timestamp:        time.Now().UTC(),
	}
	if err := r.guard.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error(ctx, "usage recording failed", "error", err)
	}
	if r.metrics != nil {
		r.metrics.TokensUsed.WithLabelValues(t.project.ID, "input").Add(float64(usage.InputTokens))
		r.metrics.TokensUsed.WithLabelValues(t.project.ID, "output").Add(float64(usage.OutputTokens))
	}
	return rec.CostUSD
}

// executeToolCalls runs the turn's tool calls serially in declaration order.
// Failures become error results; nothing here is fatal to the conversation.
func (r *Runner) executeToolCalls(ctx context.Context, t *turnState, calls []models.ToolCall, maxCalls int) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for i, call := range calls {
		var res models.ToolResult
		switch {
		case ctx.Err() != nil:
			res = errorToolResult(call, "canceled")
		case maxCalls > 0 && i >= maxCalls:
			res = errorToolResult(call, fmt.Sprintf("tool call limit of %d per turn exceeded", maxCalls))
		case !toolAllowed(t.allowed, call.ToolID):
			res = errorToolResult(call, fmt.Sprintf("%s: tool %q is not on the project allowlist",
				errdefs.CodeToolNotAllowed, call.ToolID))
		default:
			res = r.executeOne(ctx, t, call)
		}
		t.trace.toolResult(call.ID, call.ToolID, res.Content, res.IsError)
		if r.metrics != nil {
			outcome := "success"
			if res.IsError {
				outcome = "error"
			}
			r.metrics.ToolExecutions.WithLabelValues(call.ToolID, outcome).Inc()
		}
		results = append(results, res)
	}
	return results
}

func (r *Runner) executeOne(ctx context.Context, t *turnState, call models.ToolCall) models.ToolResult {
	ctx, span := observability.StartToolSpan(ctx, call.ToolID)
	defer span.End()

	tool, ok := r.registry.Get(call.ToolID)
	if !ok {
		return errorToolResult(call, fmt.Sprintf("tool %q not registered", call.ToolID))
	}

	if tool.RequiresApproval() || tool.RiskLevel().RequiresGating() {
		if res, ok := r.awaitApproval(ctx, t, call, tool); !ok {
			return res
		}
	}

	ec := &tools.ExecutionContext{
		ProjectID:    t.project.ID,
		SessionID:    t.sessionID,
		TraceID:      t.trace.ID(),
		AgentConfig:  &t.project.AgentConfig,
		AllowedTools: t.allowed,
	}
	result, err := r.registry.Execute(ctx, call.ToolID, call.Input, ec)
	if err != nil {
		return errorToolResult(call, err.Error())
	}
	if !result.Success {
		return errorToolResult(call, result.Error)
	}
	return models.ToolResult{ToolUseID: call.ID, Content: result.Output}
}

// awaitApproval opens an approval request and suspends until resolution. The
// second return is false when the call must not proceed; the result then
// carries the denial.
func (r *Runner) awaitApproval(ctx context.Context, t *turnState, call models.ToolCall, tool tools.ExecutableTool) (models.ToolResult, bool) {
	req, err := r.gate.Request(ctx, approval.Request{
		ProjectID:  t.project.ID,
		SessionID:  t.sessionID,
		ToolCallID: call.ID,
		ToolID:     call.ToolID,
		ToolInput:  call.Input,
		RiskLevel:  tool.RiskLevel(),
	})
	if err != nil {
		return errorToolResult(call, "approval request failed: "+err.Error()), false
	}
	t.trace.approvalWait(req.ID, call.ID)
	r.logger.Info(ctx, "tool call awaiting approval",
		"approval", req.ID, "tool", call.ToolID, "risk", tool.RiskLevel())

	resolved, err := r.gate.Wait(ctx, req.ID)
	if err != nil {
		return errorToolResult(call, "approval wait failed: "+err.Error()), false
	}
	switch resolved.Status {
	case models.ApprovalApproved:
		return models.ToolResult{}, true
	case models.ApprovalExpired:
		return errorToolResult(call, fmt.Sprintf("%s: approval %s expired before resolution",
			errdefs.CodeApprovalExpired, req.ID)), false
	default:
		return errorToolResult(call, fmt.Sprintf("%s: tool call denied by %s",
			errdefs.CodeApprovalDenied, resolved.ResolvedBy)), false
	}
}

// summarizer adapts the turn's provider into the compaction summarizer.
func (r *Runner) summarizer(p Provider) memory.Summarizer {
	return func(ctx context.Context, messages []*models.Message) (string, error) {
		stream, err := p.Chat(ctx, &ChatParams{
			Messages:     messages,
			SystemPrompt: "Summarize the following conversation concisely, preserving facts, decisions, and open items.",
			Model:        p.Model(),
			MaxTokens:    1024,
		})
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for ev := range stream {
			switch ev.Type {
			case EventContentDelta:
				b.WriteString(ev.Text)
			case EventStreamError:
				return "", ev.Err
			}
		}
		return b.String(), nil
	}
}

func (r *Runner) toolDefinitions(allowed []string) []tools.Definition {
	available := r.registry.ListAllowed(allowed)
	defs := make([]tools.Definition, 0, len(available))
	for _, t := range available {
		defs = append(defs, tools.ToolDefinition(t))
	}
	return defs
}

func (r *Runner) sessionLock(sessionID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

func toolAllowed(allowed []string, id string) bool {
	for _, a := range allowed {
		if a == id {
			return true
		}
	}
	return false
}

func errorToolResult(call models.ToolCall, msg string) models.ToolResult {
	return models.ToolResult{ToolUseID: call.ID, Content: msg, IsError: true}
}

// MarshalEvent renders a ChatEvent for the SSE surface.
func MarshalEvent(ev ChatEvent) []byte {
	payload := map[string]any{"type": string(ev.Type)}
	switch ev.Type {
	case EventMessageStart:
		payload["messageId"] = ev.MessageID
	case EventContentDelta:
		payload["text"] = ev.Text
	case EventToolUseStart, EventToolUseDelta, EventToolUseEnd:
		payload["toolUseId"] = ev.ToolUseID
		payload["name"] = ev.ToolName
		if len(ev.Input) > 0 {
			payload["input"] = json.RawMessage(ev.Input)
		}
	case EventMessageEnd:
		payload["stopReason"] = string(ev.StopReason)
		if ev.Usage != nil {
			payload["usage"] = ev.Usage
		}
	case EventStreamError:
		if ev.Err != nil {
			payload["error"] = ev.Err.Error()
		}
	}
	b, _ := json.Marshal(payload)
	return b
}
