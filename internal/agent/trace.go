package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// traceBuilder accumulates trace events in memory during a turn and persists
// the finished trace exactly once. Sequence numbers are assigned at append,
// so insertion order breaks timestamp ties.
type traceBuilder struct {
	mu    sync.Mutex
	trace *models.ExecutionTrace
	start time.Time
	saved bool
}

func newTraceBuilder(projectID, sessionID string, snapshot models.PromptSnapshot) *traceBuilder {
	now := time.Now().UTC()
	return &traceBuilder{
		trace: &models.ExecutionTrace{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			SessionID:      sessionID,
			PromptSnapshot: snapshot,
			Status:         models.TraceRunning,
			CreatedAt:      now,
		},
		start: now,
	}
}

func (b *traceBuilder) ID() string { return b.trace.ID }

func (b *traceBuilder) append(ev models.TraceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.Sequence = len(b.trace.Events)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.trace.Events = append(b.trace.Events, ev)
}

func (b *traceBuilder) llmRequest() {
	b.append(models.TraceEvent{Type: models.EventLLMRequest})
}

func (b *traceBuilder) llmResponse(text string, usage *models.Usage, costUSD float64) {
	b.append(models.TraceEvent{Type: models.EventLLMResponse, Text: text, Usage: usage})
	b.mu.Lock()
	defer b.mu.Unlock()
	if usage != nil {
		b.trace.TotalTokensUsed += usage.Total()
	}
	b.trace.TotalCostUSD += costUSD
	b.trace.TurnCount++
}

func (b *traceBuilder) toolCall(call models.ToolCall) {
	b.append(models.TraceEvent{
		Type:       models.EventToolCall,
		ToolCallID: call.ID,
		ToolID:     call.ToolID,
		Input:      call.Input,
	})
}

func (b *traceBuilder) toolResult(callID, toolID, output string, isError bool) {
	b.append(models.TraceEvent{
		Type:       models.EventToolResult,
		ToolCallID: callID,
		ToolID:     toolID,
		Output:     output,
		IsError:    isError,
	})
}

func (b *traceBuilder) approvalWait(approvalID, toolCallID string) {
	b.append(models.TraceEvent{
		Type:       models.EventApprovalWait,
		ApprovalID: approvalID,
		ToolCallID: toolCallID,
	})
}

func (b *traceBuilder) errorEvent(err error) {
	b.append(models.TraceEvent{Type: models.EventError, Error: err.Error()})
}

func (b *traceBuilder) totalCost() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trace.TotalCostUSD
}

func (b *traceBuilder) turnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trace.TurnCount
}

// finalize stamps the terminal status and persists the trace. Safe to call
// once; subsequent calls return the already persisted trace.
func (b *traceBuilder) finalize(ctx context.Context, repo storage.TraceRepo, status models.TraceStatus) (*models.ExecutionTrace, error) {
	b.mu.Lock()
	if b.saved {
		t := b.trace
		b.mu.Unlock()
		return t, nil
	}
	now := time.Now().UTC()
	b.trace.Status = status
	b.trace.CompletedAt = &now
	b.trace.TotalDurationMs = now.Sub(b.start).Milliseconds()
	b.saved = true
	t := b.trace
	b.mu.Unlock()

	if err := repo.Save(ctx, t); err != nil {
		return t, fmt.Errorf("persist trace: %w", err)
	}
	return t, nil
}

// rawInput normalizes possibly-empty tool input for trace events.
func rawInput(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return json.RawMessage("{}")
	}
	return in
}
