package models

import "time"

// SessionStatus tracks the lifecycle of a conversation thread.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session is a conversation thread owned by a project. Metadata is opaque to
// the runtime and carries routing keys such as contactId, channel, and
// agentId when the session was created by the inbound processor.
type Session struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId"`
	Status    SessionStatus     `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
}
