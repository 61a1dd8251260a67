package models

import "time"

// LayerType identifies one of the three prompt layer slots that compose the
// system prompt.
type LayerType string

const (
	LayerIdentity     LayerType = "identity"
	LayerInstructions LayerType = "instructions"
	LayerSafety       LayerType = "safety"
)

// ValidLayerType reports whether t names a known layer slot.
func ValidLayerType(t LayerType) bool {
	switch t {
	case LayerIdentity, LayerInstructions, LayerSafety:
		return true
	}
	return false
}

// PromptLayer is an immutable versioned prompt fragment. Version numbers
// auto-increment per (project, type); at most one layer per (project, type)
// is active at any time.
type PromptLayer struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	LayerType    LayerType `json:"layerType"`
	Version      int       `json:"version"`
	Content      string    `json:"content"`
	IsActive     bool      `json:"isActive"`
	CreatedBy    string    `json:"createdBy"`
	ChangeReason string    `json:"changeReason"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PromptSnapshot records the exact layer versions composed into a turn's
// system prompt. It is embedded into the execution trace.
type PromptSnapshot struct {
	IdentityVersion      int       `json:"identityVersion"`
	InstructionsVersion  int       `json:"instructionsVersion"`
	SafetyVersion        int       `json:"safetyVersion"`
	ComposedSystemPrompt string    `json:"composedSystemPrompt"`
	AssembledAt          time.Time `json:"assembledAt"`
}
