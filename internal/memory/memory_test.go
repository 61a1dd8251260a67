package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// fixedCounter counts every message as a fixed number of tokens, which makes
// budget math in tests exact.
type fixedCounter struct {
	perMessage int
}

func (c fixedCounter) CountText(text string) int {
	return len(text) / charsPerToken
}

func (c fixedCounter) CountMessages(messages []*models.Message) int {
	return len(messages) * c.perMessage
}

func makeMessages(n int) []*models.Message {
	out := make([]*models.Message, n)
	for i := range out {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out[i] = &models.Message{
			ID:      fmt.Sprintf("msg-%d", i),
			Role:    role,
			Content: fmt.Sprintf("message number %d", i),
		}
	}
	return out
}

func TestFitToContextWindowPassthrough(t *testing.T) {
	m := NewManager(models.MemoryConfig{ReserveTokens: 100}, fixedCounter{perMessage: 10}, 1000)
	msgs := makeMessages(5)

	got := m.FitToContextWindow(msgs)
	if len(got) != 5 {
		t.Fatalf("expected passthrough of 5 messages, got %d", len(got))
	}

	// Idempotent: fitting the already-fitted list changes nothing.
	again := m.FitToContextWindow(got)
	if len(again) != len(got) {
		t.Fatalf("second fit changed length: %d -> %d", len(got), len(again))
	}
	for i := range got {
		if again[i].ID != got[i].ID {
			t.Fatalf("second fit reordered message %d", i)
		}
	}
}

func TestPruneTurnBasedKeepsHeadAndTail(t *testing.T) {
	cfg := models.MemoryConfig{
		PruningStrategy: models.PruneTurnBased,
		MaxTurns:        6,
		ReserveTokens:   0,
	}
	// 20 messages at 10 tokens each against a 100 token window forces pruning.
	m := NewManager(cfg, fixedCounter{perMessage: 10}, 100)
	msgs := makeMessages(20)

	got := m.FitToContextWindow(msgs)
	// keep = maxTurns/2 = 3 from each end.
	if len(got) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(got))
	}
	wantIDs := []string{"msg-0", "msg-1", "msg-2", "msg-17", "msg-18", "msg-19"}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestPruneTurnBasedMinimumKeep(t *testing.T) {
	cfg := models.MemoryConfig{PruningStrategy: models.PruneTurnBased, MaxTurns: 1}
	m := NewManager(cfg, fixedCounter{perMessage: 50}, 100)
	got := m.FitToContextWindow(makeMessages(10))

	// keep floors at 2 from each end.
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
	if got[0].ID != "msg-0" || got[3].ID != "msg-9" {
		t.Fatalf("unexpected boundary messages %s, %s", got[0].ID, got[3].ID)
	}
}

func TestPruneTokenBasedPreservesAnchor(t *testing.T) {
	cfg := models.MemoryConfig{PruningStrategy: models.PruneTokenBased}
	// Budget of 50 tokens at 10 tokens per message: anchor plus 4 recent.
	m := NewManager(cfg, fixedCounter{perMessage: 10}, 50)
	msgs := makeMessages(20)

	got := m.FitToContextWindow(msgs)
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	if got[0].ID != "msg-0" {
		t.Fatalf("first message must be preserved, got %s", got[0].ID)
	}
	// Remaining messages are the newest, in original order.
	wantIDs := []string{"msg-16", "msg-17", "msg-18", "msg-19"}
	for i, want := range wantIDs {
		if got[i+1].ID != want {
			t.Errorf("position %d: got %s, want %s", i+1, got[i+1].ID, want)
		}
	}
}

func TestShouldCompact(t *testing.T) {
	summarizer := func(context.Context, []*models.Message) (string, error) { return "s", nil }
	enabled := models.MemoryConfig{EnableCompaction: true}

	tests := []struct {
		name string
		m    *Manager
		n    int
		want bool
	}{
		{"over budget", NewManager(enabled, fixedCounter{perMessage: 10}, 100, WithSummarizer(summarizer)), 20, true},
		{"within budget", NewManager(enabled, fixedCounter{perMessage: 10}, 1000, WithSummarizer(summarizer)), 20, false},
		{"disabled", NewManager(models.MemoryConfig{}, fixedCounter{perMessage: 10}, 100, WithSummarizer(summarizer)), 20, false},
		{"no summarizer", NewManager(enabled, fixedCounter{perMessage: 10}, 100), 20, false},
		{"short conversation", NewManager(enabled, fixedCounter{perMessage: 1000}, 100, WithSummarizer(summarizer)), compactionKeepTail, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.ShouldCompact(makeMessages(tt.n)); got != tt.want {
				t.Errorf("ShouldCompact = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompactReplacesHeadWithSummary(t *testing.T) {
	cfg := models.MemoryConfig{EnableCompaction: true}
	summarizer := func(_ context.Context, msgs []*models.Message) (string, error) {
		return fmt.Sprintf("summary of %d messages", len(msgs)), nil
	}
	m := NewManager(cfg, fixedCounter{perMessage: 10}, 1000, WithSummarizer(summarizer))
	msgs := makeMessages(10)

	got, entry, err := m.Compact(context.Background(), "sess-1", msgs)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(got) != 1+compactionKeepTail {
		t.Fatalf("expected %d messages, got %d", 1+compactionKeepTail, len(got))
	}
	if got[0].Role != models.RoleSystem {
		t.Fatalf("summary message role = %s, want system", got[0].Role)
	}
	if !strings.HasPrefix(got[0].Content, "[Compacted conversation summary]\n") {
		t.Fatalf("summary message missing marker prefix: %q", got[0].Content)
	}
	if got[len(got)-1].ID != "msg-9" {
		t.Fatalf("tail not preserved, last message %s", got[len(got)-1].ID)
	}
	if entry.MessagesCompacted != 6 {
		t.Errorf("MessagesCompacted = %d, want 6", entry.MessagesCompacted)
	}
	// 10 messages at 10 tokens became 5 messages at 10 tokens.
	if entry.TokensRecovered != 50 {
		t.Errorf("TokensRecovered = %d, want 50", entry.TokensRecovered)
	}
	if entry.SessionID != "sess-1" {
		t.Errorf("SessionID = %s, want sess-1", entry.SessionID)
	}
}

func TestCompactShortConversationPassthrough(t *testing.T) {
	cfg := models.MemoryConfig{EnableCompaction: true}
	m := NewManager(cfg, fixedCounter{perMessage: 10}, 1000, WithSummarizer(
		func(context.Context, []*models.Message) (string, error) {
			t.Fatal("summarizer must not run for short conversations")
			return "", nil
		},
	))

	msgs := makeMessages(compactionKeepTail)
	got, entry, err := m.Compact(context.Background(), "sess-1", msgs)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if entry != nil {
		t.Fatal("expected nil entry for short conversation")
	}
	if len(got) != len(msgs) {
		t.Fatalf("expected passthrough, got %d messages", len(got))
	}
}

func TestCompactDisabledAndMissingSummarizer(t *testing.T) {
	msgs := makeMessages(10)

	m := NewManager(models.MemoryConfig{}, fixedCounter{perMessage: 10}, 1000)
	if _, _, err := m.Compact(context.Background(), "s", msgs); !errdefs.IsCode(err, errdefs.CodeValidation) {
		t.Fatalf("disabled compaction: got %v, want VALIDATION_ERROR", err)
	}

	m = NewManager(models.MemoryConfig{EnableCompaction: true}, fixedCounter{perMessage: 10}, 1000)
	if _, _, err := m.Compact(context.Background(), "s", msgs); !errdefs.IsCode(err, errdefs.CodeValidation) {
		t.Fatalf("missing summarizer: got %v, want VALIDATION_ERROR", err)
	}
}

func TestCompactSummarizerErrorPropagates(t *testing.T) {
	boom := errors.New("provider unavailable")
	m := NewManager(models.MemoryConfig{EnableCompaction: true}, fixedCounter{perMessage: 10}, 1000,
		WithSummarizer(func(context.Context, []*models.Message) (string, error) { return "", boom }))

	if _, _, err := m.Compact(context.Background(), "s", makeMessages(10)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped summarizer error, got %v", err)
	}
}

func TestLongTermDisabledIsNoop(t *testing.T) {
	m := NewManager(models.MemoryConfig{}, fixedCounter{perMessage: 10}, 1000)

	if err := m.StoreMemory(context.Background(), &models.MemoryEntry{Content: "x"}); err != nil {
		t.Fatalf("StoreMemory on disabled long-term: %v", err)
	}
	got, err := m.RetrieveMemories(context.Background(), "proj", "query", 5)
	if err != nil {
		t.Fatalf("RetrieveMemories on disabled long-term: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no memories, got %d", len(got))
	}
}

func TestTokenCounterHeuristicFallback(t *testing.T) {
	c := &TiktokenCounter{}
	if got := c.CountText(""); got != 0 {
		t.Errorf("empty text = %d tokens, want 0", got)
	}
	if got := c.CountText("ab"); got != 1 {
		t.Errorf("short text = %d tokens, want 1", got)
	}
	if got := c.CountText(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("40 chars = %d tokens, want 10", got)
	}
}

func TestCountMessagesIncludesToolPayloads(t *testing.T) {
	c := &TiktokenCounter{}
	plain := &models.Message{Content: strings.Repeat("a", 40)}
	withTools := &models.Message{
		Content: strings.Repeat("a", 40),
		ToolCalls: []models.ToolCall{
			{Name: "calc", Input: []byte(`{"expression":"2+2"}`)},
		},
		ToolResults: []models.ToolResult{
			{Content: strings.Repeat("b", 40)},
		},
	}

	base := c.CountMessages([]*models.Message{plain})
	full := c.CountMessages([]*models.Message{withTools})
	if full <= base {
		t.Fatalf("tool payloads not counted: base %d, full %d", base, full)
	}
}
