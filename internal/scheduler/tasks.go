package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Service manages the scheduled-task lifecycle: creation, the proposal
// approval flow for agent-proposed tasks, and pause/resume.
type Service struct {
	store *storage.Store
	now   func() time.Time
}

// NewService builds a task service.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// CreateInput describes a new scheduled task.
type CreateInput struct {
	ProjectID       string             `json:"projectId"`
	Name            string             `json:"name"`
	CronExpression  string             `json:"cronExpression"`
	Payload         models.TaskPayload `json:"taskPayload"`
	Origin          models.TaskOrigin  `json:"origin,omitempty"`
	MaxRetries      int                `json:"maxRetries,omitempty"`
	TimeoutMs       int                `json:"timeoutMs,omitempty"`
	BudgetPerRunUSD float64            `json:"budgetPerRunUsd,omitempty"`
	MaxTurns        int                `json:"maxTurns,omitempty"`
	MaxRuns         int                `json:"maxRuns,omitempty"`
	ExpiresAt       *time.Time         `json:"expiresAt,omitempty"`
}

// Create validates and persists a task. Static tasks activate immediately;
// agent-proposed tasks start in proposed and wait for approval.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.ScheduledTask, error) {
	switch {
	case in.ProjectID == "":
		return nil, errdefs.New(errdefs.CodeValidation, "projectId is required")
	case in.Name == "":
		return nil, errdefs.New(errdefs.CodeValidation, "name is required")
	case in.Payload.Message == "":
		return nil, errdefs.New(errdefs.CodeValidation, "taskPayload.message is required")
	}
	if _, err := s.store.Projects.Get(ctx, in.ProjectID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	task := &models.ScheduledTask{
		ID:              uuid.NewString(),
		ProjectID:       in.ProjectID,
		Name:            in.Name,
		CronExpression:  in.CronExpression,
		Payload:         in.Payload,
		Origin:          in.Origin,
		MaxRetries:      in.MaxRetries,
		TimeoutMs:       in.TimeoutMs,
		BudgetPerRunUSD: in.BudgetPerRunUSD,
		MaxTurns:        in.MaxTurns,
		MaxRuns:         in.MaxRuns,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if task.Origin == "" {
		task.Origin = models.TaskOriginStatic
	}

	next, err := NextRun(task.CronExpression, now)
	if err != nil {
		return nil, err
	}

	if task.Origin == models.TaskOriginAgentProposed {
		task.Status = models.TaskProposed
	} else {
		task.Status = models.TaskActive
		task.NextRunAt = &next
	}

	if err := s.store.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Approve activates a proposed task and schedules its first firing.
func (s *Service) Approve(ctx context.Context, id string) (*models.ScheduledTask, error) {
	return s.transition(ctx, id, models.TaskProposed, models.TaskActive, true)
}

// Reject declines a proposed task.
func (s *Service) Reject(ctx context.Context, id string) (*models.ScheduledTask, error) {
	return s.transition(ctx, id, models.TaskProposed, models.TaskRejected, false)
}

// Pause stops an active task from firing.
func (s *Service) Pause(ctx context.Context, id string) (*models.ScheduledTask, error) {
	return s.transition(ctx, id, models.TaskActive, models.TaskPaused, false)
}

// Resume reactivates a paused task and recomputes its next firing.
func (s *Service) Resume(ctx context.Context, id string) (*models.ScheduledTask, error) {
	return s.transition(ctx, id, models.TaskPaused, models.TaskActive, true)
}

func (s *Service) transition(ctx context.Context, id string, from, to models.TaskStatus, reschedule bool) (*models.ScheduledTask, error) {
	task, err := s.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != from {
		return nil, errdefs.Newf(errdefs.CodeValidation,
			"task %s is %s, expected %s", id, task.Status, from)
	}

	now := s.now().UTC()
	task.Status = to
	task.UpdatedAt = now
	if reschedule {
		next, err := NextRun(task.CronExpression, now)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = &next
	} else {
		task.NextRunAt = nil
	}

	if err := s.store.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}
