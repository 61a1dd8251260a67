package models

import "time"

// Contact is an external identity scoped to a project, looked up by
// (projectId, channel identifier) when routing inbound messages.
type Contact struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"projectId"`
	Phone      string            `json:"phone,omitempty"`
	Email      string            `json:"email,omitempty"`
	ExternalID string            `json:"externalId,omitempty"`
	Name       string            `json:"name,omitempty"`
	Language   string            `json:"language,omitempty"`
	Role       string            `json:"role,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// InboundMessage is a channel-normalized message entering the runtime.
type InboundMessage struct {
	ID                      string         `json:"id"`
	ProjectID               string         `json:"projectId"`
	Channel                 string         `json:"channel"`
	ChannelMessageID        string         `json:"channelMessageId"`
	SenderIdentifier        string         `json:"senderIdentifier"`
	SenderName              string         `json:"senderName,omitempty"`
	Content                 string         `json:"content"`
	MediaURLs               []string       `json:"mediaUrls,omitempty"`
	ReplyToChannelMessageID string         `json:"replyToChannelMessageId,omitempty"`
	RawPayload              map[string]any `json:"rawPayload,omitempty"`
	ReceivedAt              time.Time      `json:"receivedAt"`
}

// OutboundMessage is a reply handed to a channel adapter for delivery.
type OutboundMessage struct {
	ProjectID               string   `json:"projectId"`
	Channel                 string   `json:"channel"`
	RecipientIdentifier     string   `json:"recipientIdentifier"`
	Content                 string   `json:"content"`
	ReplyToChannelMessageID string   `json:"replyToChannelMessageId,omitempty"`
	MediaURLs               []string `json:"mediaUrls,omitempty"`
}
