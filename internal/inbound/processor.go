// Package inbound routes channel-normalized messages into agent turns:
// contact and session resolution, optional agent routing, turn execution,
// and reply dispatch back through the originating channel.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/cache"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const dedupeTTL = 10 * time.Minute

// TurnRunner executes one agent turn. Satisfied by *agent.Runner.
type TurnRunner interface {
	Run(ctx context.Context, in *agent.RunInput) (*models.ExecutionTrace, error)
}

// RouteKey selects an agent route for an inbound message.
type RouteKey struct {
	ProjectID   string
	Channel     string
	ContactRole string
}

// Route is a resolved agent assignment. A nil AllowedTools keeps the
// project default allowlist.
type Route struct {
	AgentID      string
	AllowedTools []string
}

// Router resolves which agent handles a message. Implementations may
// return (nil, nil) to fall through to project defaults.
type Router interface {
	Route(ctx context.Context, key RouteKey) (*Route, error)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, key RouteKey) (*Route, error)

func (f RouterFunc) Route(ctx context.Context, key RouteKey) (*Route, error) { return f(ctx, key) }

// Result reports what one inbound message produced.
type Result struct {
	ContactID string `json:"contactId"`
	SessionID string `json:"sessionId"`
	TraceID   string `json:"traceId,omitempty"`
	Reply     string `json:"reply,omitempty"`

	// Duplicate is set when the channel message id was already processed;
	// no turn ran.
	Duplicate bool `json:"duplicate,omitempty"`

	// ReplyDelivered is false when the turn succeeded but the channel
	// send failed. The conversation is persisted either way.
	ReplyDelivered bool `json:"replyDelivered"`
}

// Processor turns inbound channel messages into agent conversations.
type Processor struct {
	store    *storage.Store
	runner   TurnRunner
	channels *Resolver
	router   Router
	routes   *cache.TTL[*Route]
	dedupe   *cache.Dedupe
	logger   *observability.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithRouter installs an agent router.
func WithRouter(r Router) Option {
	return func(p *Processor) { p.router = r }
}

// NewProcessor builds an inbound processor. channels may be nil when no
// reply dispatch is wanted (e.g. the HTTP surface returns replies inline).
func NewProcessor(store *storage.Store, runner TurnRunner, channels *Resolver, logger *observability.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	p := &Processor{
		store:    store,
		runner:   runner,
		channels: channels,
		routes:   cache.NewTTL[*Route](time.Minute),
		dedupe:   cache.NewDedupe(cache.DedupeOptions{TTL: dedupeTTL, MaxSize: 10000}),
		logger:   logger.With("component", "inbound"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one inbound message end to end. Agent errors are returned to
// the caller; reply delivery failures are logged and reported in the Result
// but never fail the call.
func (p *Processor) Process(ctx context.Context, msg *models.InboundMessage) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	if p.dedupe.Check(cache.MessageKey(msg.Channel, msg.ChannelMessageID)) {
		p.logger.Info(ctx, "duplicate inbound message dropped",
			"channel", msg.Channel, "channelMessageId", msg.ChannelMessageID)
		return &Result{Duplicate: true}, nil
	}

	contact, err := p.resolveContact(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}

	route, err := p.resolveRoute(ctx, msg, contact)
	if err != nil {
		return nil, fmt.Errorf("resolve route: %w", err)
	}

	session, err := p.resolveSession(ctx, msg, contact, route)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	in := &agent.RunInput{
		ProjectID: msg.ProjectID,
		SessionID: session.ID,
		Message:   msg.Content,
	}
	if route != nil {
		in.AllowedTools = route.AllowedTools
	}

	var reply strings.Builder
	in.OnEvent = func(ev agent.ChatEvent) {
		if ev.Type == agent.EventContentDelta {
			reply.WriteString(ev.Text)
		}
	}

	trace, err := p.runner.Run(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ContactID: contact.ID,
		SessionID: session.ID,
		TraceID:   trace.ID,
		Reply:     reply.String(),
	}
	res.ReplyDelivered = p.dispatchReply(ctx, msg, res.Reply)
	return res, nil
}

// Parse normalizes a raw channel payload using the channel's adapter.
func (p *Processor) Parse(ctx context.Context, channel string, payload []byte) (*models.InboundMessage, error) {
	if p.channels == nil {
		return nil, errdefs.New(errdefs.CodeValidation, "no channel resolver configured")
	}
	adapter, err := p.channels.Resolve(ctx, channel)
	if err != nil {
		return nil, err
	}
	return adapter.ParseInbound(payload)
}

func validate(msg *models.InboundMessage) error {
	switch {
	case msg.ProjectID == "":
		return errdefs.New(errdefs.CodeValidation, "projectId is required")
	case msg.Channel == "":
		return errdefs.New(errdefs.CodeValidation, "channel is required")
	case msg.SenderIdentifier == "":
		return errdefs.New(errdefs.CodeValidation, "senderIdentifier is required")
	case strings.TrimSpace(msg.Content) == "":
		return errdefs.New(errdefs.CodeValidation, "content is empty")
	}
	return nil
}

func (p *Processor) resolveContact(ctx context.Context, msg *models.InboundMessage) (*models.Contact, error) {
	contact, err := p.store.Contacts.FindByIdentifier(ctx, msg.ProjectID, msg.Channel, msg.SenderIdentifier)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	contact = &models.Contact{
		ID:        uuid.NewString(),
		ProjectID: msg.ProjectID,
		Name:      msg.SenderName,
		CreatedAt: time.Now().UTC(),
	}
	switch msg.Channel {
	case "whatsapp", "sms":
		contact.Phone = msg.SenderIdentifier
	case "email":
		contact.Email = msg.SenderIdentifier
	default:
		contact.ExternalID = msg.SenderIdentifier
	}
	if err := p.store.Contacts.Create(ctx, contact); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "contact created",
		"contactId", contact.ID, "channel", msg.Channel)
	return contact, nil
}

func (p *Processor) resolveRoute(ctx context.Context, msg *models.InboundMessage, contact *models.Contact) (*Route, error) {
	if p.router == nil {
		return nil, nil
	}
	key := RouteKey{ProjectID: msg.ProjectID, Channel: msg.Channel, ContactRole: contact.Role}
	cacheKey := key.ProjectID + "/" + key.Channel + "/" + key.ContactRole
	if route, ok := p.routes.Get(cacheKey); ok {
		return route, nil
	}
	route, err := p.router.Route(ctx, key)
	if err != nil {
		return nil, err
	}
	p.routes.Set(cacheKey, route)
	return route, nil
}

func (p *Processor) resolveSession(ctx context.Context, msg *models.InboundMessage, contact *models.Contact, route *Route) (*models.Session, error) {
	session, err := p.store.Sessions.LatestActiveForContact(ctx, msg.ProjectID, contact.ID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	session = &models.Session{
		ID:        uuid.NewString(),
		ProjectID: msg.ProjectID,
		Status:    models.SessionActive,
		Metadata: map[string]string{
			"contactId": contact.ID,
			"channel":   msg.Channel,
		},
		CreatedAt: time.Now().UTC(),
	}
	if route != nil && route.AgentID != "" {
		session.Metadata["agentId"] = route.AgentID
	}
	if err := p.store.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "session created",
		"sessionId", session.ID, "contactId", contact.ID, "channel", msg.Channel)
	return session, nil
}

// dispatchReply sends the assistant text back on the originating channel.
// Failures are logged, never returned; the conversation is already
// persisted.
func (p *Processor) dispatchReply(ctx context.Context, msg *models.InboundMessage, reply string) bool {
	if reply == "" || p.channels == nil {
		return false
	}
	adapter, err := p.channels.Resolve(ctx, msg.Channel)
	if err != nil {
		p.logger.Warn(ctx, "reply not delivered, no adapter",
			"channel", msg.Channel, "error", err)
		return false
	}
	out := &models.OutboundMessage{
		ProjectID:               msg.ProjectID,
		Channel:                 msg.Channel,
		RecipientIdentifier:     msg.SenderIdentifier,
		Content:                 reply,
		ReplyToChannelMessageID: msg.ChannelMessageID,
	}
	if err := adapter.Send(ctx, out); err != nil {
		p.logger.Warn(ctx, "reply delivery failed",
			"channel", msg.Channel, "adapter", adapter.Name(), "error", err)
		return false
	}
	return true
}
