package models

import (
	"encoding/json"
	"time"
)

// RiskLevel grades the blast radius of a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RequiresGating reports whether the level forces approval gating.
func (r RiskLevel) RequiresGating() bool {
	return r == RiskHigh || r == RiskCritical
}

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a gated pause: a high-risk tool call waiting for an
// external decision. Requests expire passively; expiry is computed on read.
type ApprovalRequest struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"projectId"`
	SessionID      string          `json:"sessionId"`
	ToolCallID     string          `json:"toolCallId"`
	ToolID         string          `json:"toolId"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	RiskLevel      RiskLevel       `json:"riskLevel"`
	Status         ApprovalStatus  `json:"status"`
	RequestedAt    time.Time       `json:"requestedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
	ResolutionNote string          `json:"resolutionNote,omitempty"`
}
