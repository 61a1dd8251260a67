package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// NewMemoryStore returns a Store backed entirely by in-process maps. Used in
// tests and for single-node development runs without Postgres.
func NewMemoryStore() *Store {
	return &Store{
		Projects:    &memProjectRepo{projects: map[string]*models.Project{}},
		Layers:      &memLayerRepo{layers: map[string]*models.PromptLayer{}},
		Sessions:    &memSessionRepo{sessions: map[string]*models.Session{}},
		Messages:    &memMessageRepo{bySession: map[string][]*models.Message{}},
		Traces:      &memTraceRepo{traces: map[string]*models.ExecutionTrace{}},
		Usage:       &memUsageRepo{},
		Approvals:   &memApprovalRepo{approvals: map[string]*models.ApprovalRequest{}},
		Tasks:       &memTaskRepo{tasks: map[string]*models.ScheduledTask{}},
		TaskRuns:    &memTaskRunRepo{runs: map[string]*models.ScheduledTaskRun{}},
		Contacts:    &memContactRepo{contacts: map[string]*models.Contact{}},
		Webhooks:    &memWebhookRepo{webhooks: map[string]*models.Webhook{}},
		Secrets:     &memSecretRepo{secrets: map[string]*models.Secret{}},
		Memories:    &memMemoryRepo{entries: map[string]*models.MemoryEntry{}},
		Compactions: &memCompactionRepo{bySession: map[string][]*models.CompactionEntry{}},
	}
}

type memProjectRepo struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
}

func (r *memProjectRepo) Create(_ context.Context, p *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	r.projects[p.ID] = &cp
	return nil
}

func (r *memProjectRepo) Get(_ context.Context, id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memProjectRepo) List(_ context.Context, limit, offset int) ([]*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*models.Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}

func (r *memProjectRepo) Update(_ context.Context, p *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	r.projects[p.ID] = &cp
	return nil
}

type memLayerRepo struct {
	mu     sync.Mutex
	layers map[string]*models.PromptLayer
}

func (r *memLayerRepo) Create(_ context.Context, layer *models.PromptLayer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := 1
	for _, l := range r.layers {
		if l.ProjectID == layer.ProjectID && l.LayerType == layer.LayerType && l.Version >= next {
			next = l.Version + 1
		}
	}
	layer.Version = next
	cp := *layer
	r.layers[layer.ID] = &cp
	return nil
}

func (r *memLayerRepo) Get(_ context.Context, id string) (*models.PromptLayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.layers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *memLayerRepo) List(_ context.Context, projectID string, layerType models.LayerType) ([]*models.PromptLayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PromptLayer
	for _, l := range r.layers {
		if l.ProjectID == projectID && l.LayerType == layerType {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *memLayerRepo) Active(_ context.Context, projectID string, layerType models.LayerType) (*models.PromptLayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.layers {
		if l.ProjectID == projectID && l.LayerType == layerType && l.IsActive {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memLayerRepo) Activate(_ context.Context, layerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.layers[layerID]
	if !ok {
		return ErrNotFound
	}
	for _, l := range r.layers {
		if l.ProjectID == target.ProjectID && l.LayerType == target.LayerType {
			l.IsActive = false
		}
	}
	target.IsActive = true
	return nil
}

type memSessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func (r *memSessionRepo) Create(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) Get(_ context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) List(_ context.Context, projectID string, limit, offset int) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Session
	for _, s := range r.sessions {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (r *memSessionRepo) Update(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) LatestActiveForContact(_ context.Context, projectID, contactID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.Session
	for _, s := range r.sessions {
		if s.ProjectID != projectID || s.Status != models.SessionActive {
			continue
		}
		if s.Metadata["contactId"] != contactID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

type memMessageRepo struct {
	mu        sync.RWMutex
	bySession map[string][]*models.Message
}

func (r *memMessageRepo) Append(_ context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.bySession[m.SessionID] = append(r.bySession[m.SessionID], &cp)
	return nil
}

func (r *memMessageRepo) ListBySession(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := r.bySession[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

type memTraceRepo struct {
	mu     sync.RWMutex
	traces map[string]*models.ExecutionTrace
}

func (r *memTraceRepo) Save(_ context.Context, t *models.ExecutionTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.Events = append([]models.TraceEvent(nil), t.Events...)
	r.traces[t.ID] = &cp
	return nil
}

func (r *memTraceRepo) Get(_ context.Context, id string) (*models.ExecutionTrace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Events = append([]models.TraceEvent(nil), t.Events...)
	return &cp, nil
}

func (r *memTraceRepo) ListBySession(_ context.Context, sessionID string, limit int) ([]*models.ExecutionTrace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ExecutionTrace
	for _, t := range r.traces {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memUsageRepo struct {
	mu      sync.RWMutex
	records []models.UsageRecord
}

func (r *memUsageRepo) Record(_ context.Context, rec *models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *memUsageRepo) SumSince(_ context.Context, projectID string, since time.Time) (float64, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var cost float64
	var tokens int
	for _, rec := range r.records {
		if rec.ProjectID != projectID || rec.Timestamp.Before(since) {
			continue
		}
		cost += rec.CostUSD
		tokens += rec.InputTokens + rec.OutputTokens
	}
	return cost, tokens, nil
}

type memApprovalRepo struct {
	mu        sync.RWMutex
	approvals map[string]*models.ApprovalRequest
}

func (r *memApprovalRepo) Create(_ context.Context, a *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.approvals[a.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *a
	r.approvals[a.ID] = &cp
	return nil
}

func (r *memApprovalRepo) Get(_ context.Context, id string) (*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memApprovalRepo) Update(_ context.Context, a *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.approvals[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	r.approvals[a.ID] = &cp
	return nil
}

func (r *memApprovalRepo) ListPending(_ context.Context, projectID string) ([]*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ApprovalRequest
	for _, a := range r.approvals {
		if a.ProjectID == projectID && a.Status == models.ApprovalPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*models.ScheduledTask
}

func (r *memTaskRepo) Create(_ context.Context, t *models.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *memTaskRepo) Get(_ context.Context, id string) (*models.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTaskRepo) Update(_ context.Context, t *models.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *memTaskRepo) ListByProject(_ context.Context, projectID string) ([]*models.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ScheduledTask
	for _, t := range r.tasks {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memTaskRepo) Due(_ context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ScheduledTask
	for _, t := range r.tasks {
		if t.Status != models.TaskActive || t.NextRunAt == nil || t.NextRunAt.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (r *memTaskRepo) Claim(_ context.Context, id string, expectedLastRun *time.Time, claimedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !timePtrEqual(t.LastRunAt, expectedLastRun) {
		return ErrStaleClaim
	}
	at := claimedAt
	t.LastRunAt = &at
	return nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

type memTaskRunRepo struct {
	mu   sync.RWMutex
	runs map[string]*models.ScheduledTaskRun
}

func (r *memTaskRunRepo) Create(_ context.Context, run *models.ScheduledTaskRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *memTaskRunRepo) Update(_ context.Context, run *models.ScheduledTaskRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *memTaskRunRepo) ListByTask(_ context.Context, taskID string, limit int) ([]*models.ScheduledTaskRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ScheduledTaskRun
	for _, run := range r.runs {
		if run.TaskID == taskID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartedAt, out[j].StartedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memContactRepo struct {
	mu       sync.RWMutex
	contacts map[string]*models.Contact
}

func (r *memContactRepo) Create(_ context.Context, c *models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contacts[c.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *c
	r.contacts[c.ID] = &cp
	return nil
}

func (r *memContactRepo) Get(_ context.Context, id string) (*models.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memContactRepo) FindByIdentifier(_ context.Context, projectID, channel, identifier string) (*models.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contacts {
		if c.ProjectID != projectID {
			continue
		}
		if contactMatches(c, channel, identifier) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func contactMatches(c *models.Contact, channel, identifier string) bool {
	switch strings.ToLower(channel) {
	case "sms", "whatsapp", "voice":
		return c.Phone == identifier
	case "email":
		return strings.EqualFold(c.Email, identifier)
	default:
		return c.ExternalID == identifier
	}
}

type memWebhookRepo struct {
	mu       sync.RWMutex
	webhooks map[string]*models.Webhook
}

func (r *memWebhookRepo) Create(_ context.Context, w *models.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[w.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *memWebhookRepo) Get(_ context.Context, id string) (*models.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *memWebhookRepo) Update(_ context.Context, w *models.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[w.ID]; !ok {
		return ErrNotFound
	}
	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *memWebhookRepo) ListByProject(_ context.Context, projectID string) ([]*models.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Webhook
	for _, w := range r.webhooks {
		if w.ProjectID == projectID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memSecretRepo struct {
	mu      sync.RWMutex
	secrets map[string]*models.Secret // keyed by projectID + "\x00" + key
}

func secretKey(projectID, key string) string { return projectID + "\x00" + key }

func (r *memSecretRepo) Upsert(_ context.Context, s *models.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.secrets[secretKey(s.ProjectID, s.Key)] = &cp
	return nil
}

func (r *memSecretRepo) Get(_ context.Context, projectID, key string) (*models.Secret, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.secrets[secretKey(projectID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSecretRepo) Delete(_ context.Context, projectID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := secretKey(projectID, key)
	if _, ok := r.secrets[k]; !ok {
		return ErrNotFound
	}
	delete(r.secrets, k)
	return nil
}

func (r *memSecretRepo) List(_ context.Context, projectID string) ([]*models.Secret, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Secret
	for _, s := range r.secrets {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memMemoryRepo struct {
	mu      sync.RWMutex
	entries map[string]*models.MemoryEntry
}

func (r *memMemoryRepo) Insert(_ context.Context, e *models.MemoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *memMemoryRepo) ListByProject(_ context.Context, projectID string, limit int) ([]*models.MemoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.MemoryEntry
	for _, e := range r.entries {
		if e.ProjectID == projectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memMemoryRepo) Touch(_ context.Context, id string, accessedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	at := accessedAt
	e.LastAccessedAt = &at
	e.AccessCount++
	return nil
}

func (r *memMemoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	return nil
}

type memCompactionRepo struct {
	mu        sync.RWMutex
	bySession map[string][]*models.CompactionEntry
}

func (r *memCompactionRepo) Record(_ context.Context, e *models.CompactionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.bySession[e.SessionID] = append(r.bySession[e.SessionID], &cp)
	return nil
}

func (r *memCompactionRepo) ListBySession(_ context.Context, sessionID string) ([]*models.CompactionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.bySession[sessionID]
	out := make([]*models.CompactionEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func paginate[T any](items []*T, limit, offset int) []*T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
