package models

import "time"

// MemoryEntry is a long-term episodic record with its embedding vector.
type MemoryEntry struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"projectId"`
	SessionID      string            `json:"sessionId,omitempty"`
	Category       string            `json:"category"`
	Content        string            `json:"content"`
	Embedding      []float32         `json:"embedding,omitempty"`
	Importance     float64           `json:"importance"`
	AccessCount    int               `json:"accessCount"`
	LastAccessedAt *time.Time        `json:"lastAccessedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CompactionEntry records a summary replacing a span of conversation.
type CompactionEntry struct {
	SessionID         string    `json:"sessionId"`
	Summary           string    `json:"summary"`
	MessagesCompacted int       `json:"messagesCompacted"`
	TokensRecovered   int       `json:"tokensRecovered"`
	CreatedAt         time.Time `json:"createdAt"`
}
