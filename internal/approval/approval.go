// Package approval gates high-risk tool calls behind an external decision.
// Requests expire passively; expiry is computed on every read so no
// background sweeper is needed.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// DefaultTTL bounds how long a request stays pending.
const DefaultTTL = 5 * time.Minute

// NotifyFunc is called when a new approval request is opened, so operators
// can be pinged out of band.
type NotifyFunc func(ctx context.Context, req *models.ApprovalRequest)

// Gate manages the approval lifecycle.
type Gate struct {
	repo   storage.ApprovalRepo
	ttl    time.Duration
	notify NotifyFunc

	mu      sync.Mutex
	waiters map[string][]chan struct{} // approval id -> resolution signals
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL overrides the pending TTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) { g.ttl = ttl }
}

// WithNotify installs an out-of-band notification hook.
func WithNotify(fn NotifyFunc) Option {
	return func(g *Gate) { g.notify = fn }
}

// NewGate builds a Gate over the approval repository.
func NewGate(repo storage.ApprovalRepo, opts ...Option) *Gate {
	g := &Gate{
		repo:    repo,
		ttl:     DefaultTTL,
		waiters: make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request opens a pending approval for one tool call.
type Request struct {
	ProjectID  string
	SessionID  string
	ToolCallID string
	ToolID     string
	ToolInput  json.RawMessage
	RiskLevel  models.RiskLevel
}

// Request creates a pending approval request and fires the notify hook.
func (g *Gate) Request(ctx context.Context, in Request) (*models.ApprovalRequest, error) {
	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		SessionID:   in.SessionID,
		ToolCallID:  in.ToolCallID,
		ToolID:      in.ToolID,
		ToolInput:   in.ToolInput,
		RiskLevel:   in.RiskLevel,
		Status:      models.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	if g.notify != nil {
		g.notify(ctx, req)
	}
	return req, nil
}

// Get returns the request, lazily expiring it when the deadline has passed.
func (g *Gate) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	req, err := g.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.Newf(errdefs.CodeNotFound, "approval %s not found", id)
		}
		return nil, err
	}
	if req.Status == models.ApprovalPending && time.Now().After(req.ExpiresAt) {
		req.Status = models.ApprovalExpired
		if err := g.repo.Update(ctx, req); err != nil {
			return nil, fmt.Errorf("expire approval: %w", err)
		}
		g.signal(id)
	}
	return req, nil
}

// Resolve moves a pending request to approved or denied.
func (g *Gate) Resolve(ctx context.Context, id string, approve bool, resolvedBy, note string) (*models.ApprovalRequest, error) {
	req, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case models.ApprovalPending:
	case models.ApprovalExpired:
		return nil, errdefs.Newf(errdefs.CodeApprovalExpired, "approval %s has expired", id)
	default:
		return nil, errdefs.Newf(errdefs.CodeValidation, "approval %s already resolved: %s", id, req.Status)
	}

	now := time.Now().UTC()
	if approve {
		req.Status = models.ApprovalApproved
	} else {
		req.Status = models.ApprovalDenied
	}
	req.ResolvedAt = &now
	req.ResolvedBy = resolvedBy
	req.ResolutionNote = note
	if err := g.repo.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	g.signal(id)
	return req, nil
}

// IsApproved reports whether the request is approved and unexpired.
func (g *Gate) IsApproved(ctx context.Context, id string) (bool, error) {
	req, err := g.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return req.Status == models.ApprovalApproved, nil
}

// ListPending returns unresolved requests for a project, expiring stale
// entries on the way out.
func (g *Gate) ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error) {
	reqs, err := g.repo.ListPending(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := reqs[:0]
	for _, req := range reqs {
		if now.After(req.ExpiresAt) {
			req.Status = models.ApprovalExpired
			if err := g.repo.Update(ctx, req); err != nil {
				return nil, err
			}
			g.signal(req.ID)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Wait blocks until the request leaves pending or ctx is done. Resolution in
// this process wakes waiters immediately; a poll loop with backoff covers
// resolutions written by other replicas. The returned request is terminal:
// approved, denied, or expired.
func (g *Gate) Wait(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	ch := make(chan struct{}, 1)
	g.mu.Lock()
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()
	defer g.dropWaiter(id, ch)

	interval := 500 * time.Millisecond
	const maxInterval = 5 * time.Second

	for {
		req, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != models.ApprovalPending {
			return req, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
		if interval *= 2; interval > maxInterval {
			interval = maxInterval
		}
	}
}

func (g *Gate) signal(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (g *Gate) dropWaiter(id string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chans := g.waiters[id]
	for i, c := range chans {
		if c == ch {
			g.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(g.waiters[id]) == 0 {
		delete(g.waiters, id)
	}
}
