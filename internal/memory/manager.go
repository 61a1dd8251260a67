package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Summarizer condenses a message span into a short summary. The agent
// runner injects a provider-backed implementation.
type Summarizer func(ctx context.Context, messages []*models.Message) (string, error)

// compactionKeepTail is the number of trailing messages compaction never
// touches.
const compactionKeepTail = 4

// Manager runs the per-turn memory pipeline for one project configuration.
type Manager struct {
	config            models.MemoryConfig
	counter           TokenCounter
	contextWindowSize int
	summarizer        Summarizer
	longTerm          *LongTermStore
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer installs the compaction summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithLongTermStore installs the episodic vector store.
func WithLongTermStore(s *LongTermStore) Option {
	return func(m *Manager) { m.longTerm = s }
}

// NewManager builds a Manager for a project's memory configuration.
func NewManager(cfg models.MemoryConfig, counter TokenCounter, contextWindowSize int, opts ...Option) *Manager {
	m := &Manager{
		config:            cfg,
		counter:           counter,
		contextWindowSize: contextWindowSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FitToContextWindow returns a message list that fits the available token
// budget. Messages already within budget pass through untouched, so the
// operation is idempotent.
func (m *Manager) FitToContextWindow(messages []*models.Message) []*models.Message {
	available := m.contextWindowSize - m.config.ReserveTokens
	if available <= 0 || len(messages) == 0 {
		return messages
	}
	if m.counter.CountMessages(messages) <= available {
		return messages
	}
	return m.prune(messages, available)
}

// prune applies the configured strategy. The first message is treated as a
// conversation anchor and always survives.
func (m *Manager) prune(messages []*models.Message, budget int) []*models.Message {
	switch m.config.PruningStrategy {
	case models.PruneTokenBased:
		return m.pruneTokenBased(messages, budget)
	default:
		return m.pruneTurnBased(messages)
	}
}

// pruneTurnBased keeps the head and tail of the conversation: keep =
// max(2, maxTurns/2) messages from each end.
func (m *Manager) pruneTurnBased(messages []*models.Message) []*models.Message {
	keep := m.config.MaxTurns / 2
	if keep < 2 {
		keep = 2
	}
	if len(messages) <= 2*keep {
		return messages
	}
	out := make([]*models.Message, 0, 2*keep)
	out = append(out, messages[:keep]...)
	out = append(out, messages[len(messages)-keep:]...)
	return out
}

// pruneTokenBased keeps the first message unconditionally, then walks from
// the newest message backward adding messages while the budget holds.
func (m *Manager) pruneTokenBased(messages []*models.Message, budget int) []*models.Message {
	if len(messages) <= 1 {
		return messages
	}

	anchor := messages[0]
	used := m.counter.CountMessages([]*models.Message{anchor})

	var keptReversed []*models.Message
	for i := len(messages) - 1; i >= 1; i-- {
		cost := m.counter.CountMessages(messages[i : i+1])
		if used+cost > budget {
			break
		}
		used += cost
		keptReversed = append(keptReversed, messages[i])
	}

	out := make([]*models.Message, 0, len(keptReversed)+1)
	out = append(out, anchor)
	for i := len(keptReversed) - 1; i >= 0; i-- {
		out = append(out, keptReversed[i])
	}
	return out
}

// ShouldCompact reports whether the conversation is over budget and the
// manager is configured to compact it rather than prune.
func (m *Manager) ShouldCompact(messages []*models.Message) bool {
	if !m.config.EnableCompaction || m.summarizer == nil {
		return false
	}
	if len(messages) <= compactionKeepTail {
		return false
	}
	available := m.contextWindowSize - m.config.ReserveTokens
	if available <= 0 {
		return false
	}
	return m.counter.CountMessages(messages) > available
}

// Compact replaces all but the trailing messages with a single summary
// message and reports what was recovered. The caller persists the entry.
func (m *Manager) Compact(ctx context.Context, sessionID string, messages []*models.Message) ([]*models.Message, *models.CompactionEntry, error) {
	if !m.config.EnableCompaction {
		return nil, nil, errdefs.New(errdefs.CodeValidation, "compaction is disabled for this project")
	}
	if m.summarizer == nil {
		return nil, nil, errdefs.New(errdefs.CodeValidation, "no summarizer configured")
	}
	if len(messages) <= compactionKeepTail {
		return messages, nil, nil
	}

	head := messages[:len(messages)-compactionKeepTail]
	tail := messages[len(messages)-compactionKeepTail:]

	summary, err := m.summarizer(ctx, head)
	if err != nil {
		return nil, nil, fmt.Errorf("summarize for compaction: %w", err)
	}

	originalTokens := m.counter.CountMessages(messages)
	summaryMsg := &models.Message{
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   "[Compacted conversation summary]\n" + summary,
		CreatedAt: time.Now().UTC(),
	}

	out := make([]*models.Message, 0, 1+len(tail))
	out = append(out, summaryMsg)
	out = append(out, tail...)

	entry := &models.CompactionEntry{
		SessionID:         sessionID,
		Summary:           summary,
		MessagesCompacted: len(head),
		TokensRecovered:   originalTokens - m.counter.CountMessages(out),
		CreatedAt:         time.Now().UTC(),
	}
	return out, entry, nil
}

// StoreMemory persists a long-term entry. A no-op when long-term memory is
// disabled or no store is configured.
func (m *Manager) StoreMemory(ctx context.Context, entry *models.MemoryEntry) error {
	if !m.config.LongTerm.Enabled || m.longTerm == nil {
		return nil
	}
	return m.longTerm.Store(ctx, entry)
}

// RetrieveMemories performs similarity search over long-term memory.
// Returns empty when long-term memory is disabled or unconfigured.
func (m *Manager) RetrieveMemories(ctx context.Context, projectID, query string, topK int) ([]*models.MemoryEntry, error) {
	if !m.config.LongTerm.Enabled || m.longTerm == nil {
		return nil, nil
	}
	if topK <= 0 {
		topK = m.config.LongTerm.TopK
	}
	if topK <= 0 {
		topK = 5
	}
	return m.longTerm.Retrieve(ctx, projectID, query, topK, m.config.LongTerm.DecayHalfLifeDays)
}
