package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Embedder produces embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// LongTermStore is the episodic memory backend: entries with embeddings and
// cosine similarity retrieval, optionally decayed by age.
type LongTermStore struct {
	db       *chromem.DB
	embedder Embedder

	mu          sync.Mutex
	collections map[string]*chromem.Collection
	counts      map[string]int
}

// NewLongTermStore builds an in-process vector store. PersistPath enables
// gob persistence across restarts; empty keeps everything in memory.
func NewLongTermStore(persistPath string, embedder Embedder) (*LongTermStore, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &LongTermStore{
		db:          db,
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
		counts:      make(map[string]int),
	}, nil
}

// Store persists one memory entry into the project's collection.
func (s *LongTermStore) Store(ctx context.Context, entry *models.MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	col, err := s.collection(entry.ProjectID)
	if err != nil {
		return err
	}

	meta := map[string]string{
		"category":   entry.Category,
		"createdAt":  entry.CreatedAt.Format(time.RFC3339),
		"importance": strconv.FormatFloat(entry.Importance, 'f', -1, 64),
	}
	if entry.SessionID != "" {
		meta["sessionId"] = entry.SessionID
	}
	for k, v := range entry.Metadata {
		meta[k] = v
	}

	if err := col.AddDocument(ctx, chromem.Document{
		ID:        entry.ID,
		Content:   entry.Content,
		Embedding: entry.Embedding,
		Metadata:  meta,
	}); err != nil {
		return fmt.Errorf("store memory entry: %w", err)
	}

	s.mu.Lock()
	s.counts[entry.ProjectID]++
	s.mu.Unlock()
	return nil
}

// Retrieve runs similarity search and applies exponential age decay when
// halfLifeDays > 0: score = similarity * 0.5^(ageDays/halfLifeDays).
func (s *LongTermStore) Retrieve(ctx context.Context, projectID, query string, topK int, halfLifeDays float64) ([]*models.MemoryEntry, error) {
	s.mu.Lock()
	count := s.counts[projectID]
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}

	col, err := s.collection(projectID)
	if err != nil {
		return nil, err
	}

	// Over-fetch so decay can reorder before the final cut.
	n := topK * 3
	if n > count {
		n = count
	}
	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	now := time.Now().UTC()
	type scored struct {
		entry *models.MemoryEntry
		score float64
	}
	entries := make([]scored, 0, len(results))
	for _, r := range results {
		entry := entryFromDocument(r.ID, r.Content, r.Metadata)
		score := float64(r.Similarity)
		if halfLifeDays > 0 && !entry.CreatedAt.IsZero() {
			ageDays := now.Sub(entry.CreatedAt).Hours() / 24
			score *= math.Pow(0.5, ageDays/halfLifeDays)
		}
		entries = append(entries, scored{entry: entry, score: score})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score > entries[j].score })

	if len(entries) > topK {
		entries = entries[:topK]
	}
	out := make([]*models.MemoryEntry, len(entries))
	for i, e := range entries {
		e.entry.ProjectID = projectID
		out[i] = e.entry
	}
	return out, nil
}

func (s *LongTermStore) collection(projectID string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[projectID]; ok {
		return col, nil
	}

	var embed chromem.EmbeddingFunc
	if s.embedder != nil {
		embed = func(ctx context.Context, text string) ([]float32, error) {
			return s.embedder.Embed(ctx, text)
		}
	}
	col, err := s.db.GetOrCreateCollection("memories-"+projectID, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open memory collection: %w", err)
	}
	s.collections[projectID] = col
	s.counts[projectID] = col.Count()
	return col, nil
}

func entryFromDocument(id, content string, meta map[string]string) *models.MemoryEntry {
	entry := &models.MemoryEntry{
		ID:       id,
		Content:  content,
		Category: meta["category"],
	}
	if v, ok := meta["sessionId"]; ok {
		entry.SessionID = v
	}
	if v, ok := meta["createdAt"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.CreatedAt = ts
		}
	}
	if v, ok := meta["importance"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			entry.Importance = f
		}
	}
	return entry
}
