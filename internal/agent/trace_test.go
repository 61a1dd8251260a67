package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestTraceSequenceMonotonic(t *testing.T) {
	tb := newTraceBuilder("proj", "sess", models.PromptSnapshot{})

	tb.llmRequest()
	tb.llmResponse("hi", &models.Usage{InputTokens: 10, OutputTokens: 5}, 0.01)
	tb.toolCall(models.ToolCall{ID: "c1", ToolID: "echo"})
	tb.toolResult("c1", "echo", "out", false)
	tb.errorEvent(errors.New("boom"))

	store := storage.NewMemoryStore()
	trace, err := tb.finalize(context.Background(), store.Traces, models.TraceCompleted)
	if err != nil {
		t.Fatal(err)
	}

	if len(trace.Events) != 5 {
		t.Fatalf("got %d events, want 5", len(trace.Events))
	}
	for i, ev := range trace.Events {
		if ev.Sequence != i {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
	}
	if trace.TotalTokensUsed != 15 {
		t.Errorf("TotalTokensUsed = %d, want 15", trace.TotalTokensUsed)
	}
	if trace.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", trace.TurnCount)
	}
	if trace.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestTraceFinalizeIdempotent(t *testing.T) {
	tb := newTraceBuilder("proj", "sess", models.PromptSnapshot{})
	store := storage.NewMemoryStore()

	first, err := tb.finalize(context.Background(), store.Traces, models.TraceCompleted)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tb.finalize(context.Background(), store.Traces, models.TraceFailed)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != first.Status {
		t.Errorf("second finalize changed status to %s", second.Status)
	}

	saved, err := store.Traces.Get(context.Background(), tb.ID())
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != models.TraceCompleted {
		t.Errorf("persisted status = %s, want completed", saved.Status)
	}
}
