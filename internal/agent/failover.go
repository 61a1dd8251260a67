package agent

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// retryBackoffBase is the initial delay between provider retries; each
// attempt doubles it.
const retryBackoffBase = 500 * time.Millisecond

// retryingProvider wraps a Provider with transient-error retry per the
// project's failover configuration. Retries happen only before any stream
// content has been forwarded; once deltas flow, a failure surfaces as a
// terminal error event.
type retryingProvider struct {
	inner  Provider
	cfg    models.FailoverConfig
	logger *observability.Logger
}

// WithFailover wraps p according to cfg. MaxRetries <= 0 returns p unchanged.
func WithFailover(p Provider, cfg models.FailoverConfig, logger *observability.Logger) Provider {
	if cfg.MaxRetries <= 0 {
		return p
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &retryingProvider{inner: p, cfg: cfg, logger: logger}
}

func (r *retryingProvider) CountTokens(messages []*models.Message) int {
	return r.inner.CountTokens(messages)
}

func (r *retryingProvider) ContextWindow() int    { return r.inner.ContextWindow() }
func (r *retryingProvider) SupportsToolUse() bool { return r.inner.SupportsToolUse() }
func (r *retryingProvider) Name() string          { return r.inner.Name() }
func (r *retryingProvider) Model() string         { return r.inner.Model() }

func (r *retryingProvider) Chat(ctx context.Context, params *ChatParams) (<-chan ChatEvent, error) {
	out := make(chan ChatEvent)
	go func() {
		defer close(out)
		backoff := retryBackoffBase
		for attempt := 0; ; attempt++ {
			err := r.streamOnce(ctx, params, out)
			if err == nil {
				return
			}
			if attempt >= r.cfg.MaxRetries || !r.shouldRetry(err) || ctx.Err() != nil {
				out <- ChatEvent{Type: EventStreamError, Err: err}
				return
			}
			r.logger.Warn(ctx, "retrying provider call",
				"provider", r.inner.Name(), "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				out <- ChatEvent{Type: EventStreamError, Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}()
	return out, nil
}

// streamOnce runs a single provider attempt. It returns an error when the
// attempt failed before forwarding anything, making it safe to retry; after
// the first forwarded event all outcomes flow through out and nil is
// returned.
func (r *retryingProvider) streamOnce(ctx context.Context, params *ChatParams, out chan<- ChatEvent) error {
	stream, err := r.inner.Chat(ctx, params)
	if err != nil {
		return err
	}

	forwarded := false
	for ev := range stream {
		if ev.Type == EventStreamError && !forwarded {
			return ev.Err
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- ev:
			forwarded = true
		}
	}
	return nil
}

func (r *retryingProvider) shouldRetry(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return r.cfg.RetryOnTimeout
	}
	if errdefs.IsPermanent(err) {
		return false
	}
	switch errdefs.CodeOf(err) {
	case errdefs.CodeRateLimited:
		return r.cfg.RetryOnRateLimit
	case errdefs.CodeProviderError:
		return r.cfg.RetryOnServerError
	}
	return false
}
