package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-core/internal/cache"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Adapter delivers outbound messages on one channel integration. A channel
// can have several registered adapters (e.g. WhatsApp Cloud and Chatwoot
// both speaking "whatsapp"); the resolver picks the first healthy one.
type Adapter interface {
	// Name identifies the adapter in logs and health output.
	Name() string

	// Send delivers one outbound message.
	Send(ctx context.Context, out *models.OutboundMessage) error

	// ParseInbound normalizes a raw channel payload into an InboundMessage.
	ParseInbound(payload []byte) (*models.InboundMessage, error)

	// IsHealthy reports whether the adapter can currently deliver.
	IsHealthy() bool
}

const resolverCacheTTL = 30 * time.Second

// Resolver maps channel names to adapters. Health checks can be slow
// (some adapters probe their upstream), so resolved picks are cached
// briefly.
type Resolver struct {
	logger *observability.Logger

	mu       sync.RWMutex
	adapters map[string][]Adapter
	healthy  *cache.TTL[Adapter]
}

// NewResolver builds an empty channel resolver.
func NewResolver(logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Resolver{
		logger:   logger,
		adapters: make(map[string][]Adapter),
		healthy:  cache.NewTTL[Adapter](resolverCacheTTL),
	}
}

// Register adds an adapter for a channel. Registration order is the
// preference order.
func (r *Resolver) Register(channel string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[channel] = append(r.adapters[channel], a)
	r.healthy.Delete(channel)
}

// Resolve returns a healthy adapter for the channel.
func (r *Resolver) Resolve(ctx context.Context, channel string) (Adapter, error) {
	if a, ok := r.healthy.Get(channel); ok && a.IsHealthy() {
		return a, nil
	}

	r.mu.RLock()
	candidates := r.adapters[channel]
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "no adapter registered for channel %q", channel)
	}
	for _, a := range candidates {
		if a.IsHealthy() {
			r.healthy.Set(channel, a)
			return a, nil
		}
		r.logger.Warn(ctx, "channel adapter unhealthy, trying next",
			"channel", channel, "adapter", a.Name())
	}
	return nil, errdefs.Newf(errdefs.CodeProviderError, "no healthy adapter for channel %q", channel)
}

// Channels lists the channels with at least one registered adapter.
func (r *Resolver) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}
