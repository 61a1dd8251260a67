package models

import "time"

// WebhookStatus is the lifecycle state of a webhook endpoint.
type WebhookStatus string

const (
	WebhookActive WebhookStatus = "active"
	WebhookPaused WebhookStatus = "paused"
)

// Webhook is an inbound HTTP trigger. TriggerPrompt is a template expanded
// against the request payload with {{dot.path}} references.
type Webhook struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"projectId"`
	AgentID       string        `json:"agentId,omitempty"`
	Name          string        `json:"name"`
	TriggerPrompt string        `json:"triggerPrompt"`
	SecretEnvVar  string        `json:"secretEnvVar,omitempty"`
	AllowedIPs    []string      `json:"allowedIps,omitempty"`
	Status        WebhookStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// WebhookEvent is one inbound delivery to a webhook.
type WebhookEvent struct {
	WebhookID  string            `json:"webhookId"`
	Payload    map[string]any    `json:"payload"`
	RawBody    []byte            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
	SourceIP   string            `json:"sourceIp,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}
