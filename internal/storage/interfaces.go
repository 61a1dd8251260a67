// Package storage defines the typed repositories for all persisted runtime
// state and provides in-memory and Postgres implementations. Repositories
// are grouped into a Store passed through the dependency graph.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrStaleClaim signals a lost compare-and-swap when claiming a
	// scheduled task for dispatch.
	ErrStaleClaim = errors.New("stale claim")
)

// ProjectRepo persists tenant roots.
type ProjectRepo interface {
	Create(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	List(ctx context.Context, limit, offset int) ([]*models.Project, error)
	Update(ctx context.Context, p *models.Project) error
}

// PromptLayerRepo persists immutable versioned prompt layers.
type PromptLayerRepo interface {
	// Create assigns the next version for (projectId, layerType) and
	// persists the layer. Layers are immutable after creation.
	Create(ctx context.Context, layer *models.PromptLayer) error

	Get(ctx context.Context, id string) (*models.PromptLayer, error)
	List(ctx context.Context, projectID string, layerType models.LayerType) ([]*models.PromptLayer, error)

	// Active returns the single active layer for (projectId, layerType),
	// or ErrNotFound when none is active.
	Active(ctx context.Context, projectID string, layerType models.LayerType) (*models.PromptLayer, error)

	// Activate atomically deactivates every layer of the target's
	// (projectId, layerType) and activates the target.
	Activate(ctx context.Context, layerID string) error
}

// SessionRepo persists conversation threads.
type SessionRepo interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, projectID string, limit, offset int) ([]*models.Session, error)
	Update(ctx context.Context, s *models.Session) error

	// LatestActiveForContact returns the most recent non-closed session
	// whose metadata contactId matches, or ErrNotFound.
	LatestActiveForContact(ctx context.Context, projectID, contactID string) (*models.Session, error)
}

// MessageRepo persists session messages in order.
type MessageRepo interface {
	Append(ctx context.Context, m *models.Message) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// TraceRepo persists completed execution traces.
type TraceRepo interface {
	Save(ctx context.Context, t *models.ExecutionTrace) error
	Get(ctx context.Context, id string) (*models.ExecutionTrace, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.ExecutionTrace, error)
}

// UsageRepo is the per-LLM-call cost ledger.
type UsageRepo interface {
	Record(ctx context.Context, r *models.UsageRecord) error

	// SumSince aggregates cost and tokens for a project from a point in
	// time (exclusive of older records).
	SumSince(ctx context.Context, projectID string, since time.Time) (costUSD float64, tokens int, err error)
}

// ApprovalRepo persists approval requests.
type ApprovalRepo interface {
	Create(ctx context.Context, a *models.ApprovalRequest) error
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)
	Update(ctx context.Context, a *models.ApprovalRequest) error
	ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error)
}

// TaskRepo persists scheduled tasks.
type TaskRepo interface {
	Create(ctx context.Context, t *models.ScheduledTask) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	Update(ctx context.Context, t *models.ScheduledTask) error
	ListByProject(ctx context.Context, projectID string) ([]*models.ScheduledTask, error)

	// Due returns active tasks with nextRunAt <= now, ascending nextRunAt.
	Due(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error)

	// Claim performs a compare-and-swap on (id, lastRunAt), setting
	// lastRunAt to claimedAt. ErrStaleClaim means another dispatcher won.
	Claim(ctx context.Context, id string, expectedLastRun *time.Time, claimedAt time.Time) error
}

// TaskRunRepo persists per-firing run records.
type TaskRunRepo interface {
	Create(ctx context.Context, r *models.ScheduledTaskRun) error
	Update(ctx context.Context, r *models.ScheduledTaskRun) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]*models.ScheduledTaskRun, error)
}

// ContactRepo persists external identities.
type ContactRepo interface {
	Create(ctx context.Context, c *models.Contact) error
	Get(ctx context.Context, id string) (*models.Contact, error)

	// FindByIdentifier looks up a contact by the channel identifier
	// (phone, email, or external id depending on the channel).
	FindByIdentifier(ctx context.Context, projectID, channel, identifier string) (*models.Contact, error)
}

// WebhookRepo persists webhook endpoints.
type WebhookRepo interface {
	Create(ctx context.Context, w *models.Webhook) error
	Get(ctx context.Context, id string) (*models.Webhook, error)
	Update(ctx context.Context, w *models.Webhook) error
	ListByProject(ctx context.Context, projectID string) ([]*models.Webhook, error)
}

// SecretRepo persists encrypted secrets, unique per (projectId, key).
type SecretRepo interface {
	Upsert(ctx context.Context, s *models.Secret) error
	Get(ctx context.Context, projectID, key string) (*models.Secret, error)
	Delete(ctx context.Context, projectID, key string) error
	List(ctx context.Context, projectID string) ([]*models.Secret, error)
}

// CompactionRepo persists conversation compaction records.
type CompactionRepo interface {
	Record(ctx context.Context, e *models.CompactionEntry) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.CompactionEntry, error)
}

// MemoryRepo persists long-term memory entries.
type MemoryRepo interface {
	Insert(ctx context.Context, e *models.MemoryEntry) error
	ListByProject(ctx context.Context, projectID string, limit int) ([]*models.MemoryEntry, error)
	Touch(ctx context.Context, id string, accessedAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// Store groups all repositories.
type Store struct {
	Projects    ProjectRepo
	Layers      PromptLayerRepo
	Sessions    SessionRepo
	Messages    MessageRepo
	Traces      TraceRepo
	Usage       UsageRepo
	Approvals   ApprovalRepo
	Tasks       TaskRepo
	TaskRuns    TaskRunRepo
	Contacts    ContactRepo
	Webhooks    WebhookRepo
	Secrets     SecretRepo
	Memories    MemoryRepo
	Compactions CompactionRepo

	closer func() error
}

// Close releases any underlying resources.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
