// Package models defines the shared data types for the Nexus Core runtime:
// projects, prompt layers, sessions, messages, traces, scheduled tasks,
// contacts, webhooks, and secrets. These types are persisted by the storage
// repositories and exchanged over the HTTP surface.
package models

import "time"

// Environment identifies the deployment tier a project belongs to.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// Project is the tenant root. Every other entity is keyed by ProjectID.
type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Owner       string      `json:"owner"`
	Environment Environment `json:"environment"`
	Tags        []string    `json:"tags,omitempty"`
	AgentConfig AgentConfig `json:"agentConfig"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// AgentConfig holds the per-project agent settings: provider selection,
// failover rules, tool allowlist, memory limits, and cost limits.
type AgentConfig struct {
	Provider     ProviderSpec   `json:"provider"`
	Failover     FailoverConfig `json:"failover"`
	AllowedTools []string       `json:"allowedTools,omitempty"`
	Memory       MemoryConfig   `json:"memoryConfig"`
	Cost         CostConfig     `json:"costConfig"`
}

// ProviderSpec selects an LLM provider and model for a project.
type ProviderSpec struct {
	// Provider is the provider id ("anthropic", "openai").
	Provider string `json:"provider"`

	// Model is the vendor model id.
	Model string `json:"model"`

	// APIKeyEnvVar names the environment variable holding the API key.
	APIKeyEnvVar string `json:"apiKeyEnvVar,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// FailoverConfig controls retry behavior for transient provider errors.
type FailoverConfig struct {
	RetryOnRateLimit   bool `json:"retryOnRateLimit"`
	RetryOnServerError bool `json:"retryOnServerError"`
	RetryOnTimeout     bool `json:"retryOnTimeout"`
	MaxRetries         int  `json:"maxRetries"`
	TimeoutMs          int  `json:"timeoutMs,omitempty"`
}

// PruningStrategy selects how conversation history is pruned when it
// exceeds the context window.
type PruningStrategy string

const (
	PruneTurnBased  PruningStrategy = "turn-based"
	PruneTokenBased PruningStrategy = "token-based"
)

// MemoryConfig holds the per-project memory settings.
type MemoryConfig struct {
	LongTerm         LongTermConfig  `json:"longTerm"`
	ReserveTokens    int             `json:"contextWindowReserve,omitempty"`
	PruningStrategy  PruningStrategy `json:"pruningStrategy,omitempty"`
	MaxTurns         int             `json:"maxTurns,omitempty"`
	EnableCompaction bool            `json:"enableCompaction"`
}

// LongTermConfig controls episodic long-term memory.
type LongTermConfig struct {
	Enabled           bool    `json:"enabled"`
	TopK              int     `json:"topK,omitempty"`
	DecayHalfLifeDays float64 `json:"decayHalfLifeDays,omitempty"`
}

// CostConfig holds budget envelopes and per-turn caps for a project.
type CostConfig struct {
	DailyBudgetUSD        float64         `json:"dailyBudgetUsd"`
	MonthlyBudgetUSD      float64         `json:"monthlyBudgetUsd"`
	MaxTokensPerTurn      int             `json:"maxTokensPerTurn,omitempty"`
	MaxTurnsPerSession    int             `json:"maxTurnsPerSession,omitempty"`
	MaxToolCallsPerTurn   int             `json:"maxToolCallsPerTurn,omitempty"`
	AlertThresholdPercent float64         `json:"alertThresholdPercent,omitempty"`
	HardLimitPercent      float64         `json:"hardLimitPercent,omitempty"`
	RateLimits            RateLimitConfig `json:"rateLimits,omitempty"`
}

// RateLimitConfig bounds request rates per project.
type RateLimitConfig struct {
	MaxRequestsPerMinute int `json:"maxRequestsPerMinute,omitempty"`
	MaxRequestsPerHour   int `json:"maxRequestsPerHour,omitempty"`
}
