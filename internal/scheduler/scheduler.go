// Package scheduler dispatches cron-scheduled agent tasks. A single tick
// loop queries due tasks, claims each with a compare-and-swap so replicas
// never double-fire, and hands them to a bounded executor pool. Tasks of
// the same project run serially.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	defaultTick    = 10 * time.Second
	defaultWorkers = 4

	// retryBackoffBase is doubled per retry attempt.
	retryBackoffBase = 2 * time.Second
)

// TurnRunner executes one agent turn. Satisfied by *agent.Runner.
type TurnRunner interface {
	Run(ctx context.Context, in *agent.RunInput) (*models.ExecutionTrace, error)
}

// Scheduler is the dispatch loop for scheduled tasks.
type Scheduler struct {
	store   *storage.Store
	runner  TurnRunner
	logger  *observability.Logger
	tick    time.Duration
	workers int
	backoff time.Duration
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	projects map[string]*sync.Mutex
	inflight map[string]struct{}

	wg  sync.WaitGroup
	sem chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the dispatch tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithWorkers bounds concurrent executors across projects.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRetryBackoff overrides the retry backoff base.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler.
func New(store *storage.Store, runner TurnRunner, logger *observability.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Scheduler{
		store:    store,
		runner:   runner,
		logger:   logger.With("component", "scheduler"),
		tick:     defaultTick,
		workers:  defaultWorkers,
		backoff:  retryBackoffBase,
		now:      time.Now,
		projects: make(map[string]*sync.Mutex),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.workers)
	return s
}

// Start runs the dispatch loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchDue(ctx)
			}
		}
	}()
}

// Stop waits for the loop and in-flight executors to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce dispatches due tasks immediately and waits for them. Used by
// tests and the CLI.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	n := s.dispatchDue(ctx)
	s.wg.Wait()
	return n
}

// dispatchDue claims and spawns executors for every due task. Returns the
// number of tasks claimed.
func (s *Scheduler) dispatchDue(ctx context.Context) int {
	now := s.now().UTC()
	tasks, err := s.store.Tasks.Due(ctx, now)
	if err != nil {
		s.logger.Error(ctx, "due task query failed", "error", err)
		return 0
	}

	claimed := 0
	for _, task := range tasks {
		// The executor can outlive a tick; skip tasks still running here.
		// Cross-replica double-dispatch is handled by the lastRunAt CAS.
		if !s.markInflight(task.ID) {
			continue
		}
		if err := s.store.Tasks.Claim(ctx, task.ID, task.LastRunAt, now); err != nil {
			s.clearInflight(task.ID)
			if !errors.Is(err, storage.ErrStaleClaim) {
				s.logger.Error(ctx, "task claim failed", "task", task.ID, "error", err)
			}
			continue
		}
		claimed++

		task := task
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.clearInflight(task.ID)
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			lock := s.projectLock(task.ProjectID)
			lock.Lock()
			defer lock.Unlock()

			s.execute(ctx, task, now)
		}()
	}
	return claimed
}

func (s *Scheduler) markInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.projects[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.projects[projectID] = lock
	}
	return lock
}

// execute runs one firing end to end: run record lifecycle, timeout,
// retries, and task bookkeeping.
func (s *Scheduler) execute(ctx context.Context, task *models.ScheduledTask, claimedAt time.Time) {
	run := &models.ScheduledTaskRun{
		ID:     uuid.NewString(),
		TaskID: task.ID,
		Status: models.RunPending,
	}
	if err := s.store.TaskRuns.Create(ctx, run); err != nil {
		s.logger.Error(ctx, "run record create failed", "task", task.ID, "error", err)
		return
	}

	started := s.now().UTC()
	run.Status = models.RunRunning
	run.StartedAt = &started
	if err := s.store.TaskRuns.Update(ctx, run); err != nil {
		s.logger.Error(ctx, "run record update failed", "task", task.ID, "error", err)
	}

	runCtx := ctx
	if task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	trace, reply, attempts, runErr := s.runWithRetries(runCtx, task)

	completed := s.now().UTC()
	run.CompletedAt = &completed
	run.DurationMs = completed.Sub(started).Milliseconds()
	run.RetryCount = attempts
	run.Status, run.ErrorMessage = terminalStatus(runErr)
	if trace != nil {
		run.TraceID = trace.ID
		run.TokensUsed = trace.TotalTokensUsed
		run.CostUSD = trace.TotalCostUSD
	}
	if runErr == nil {
		run.Result = reply
		if task.BudgetPerRunUSD > 0 && trace != nil && trace.TotalCostUSD > task.BudgetPerRunUSD {
			run.Status = models.RunBudgetExceeded
			run.ErrorMessage = fmt.Sprintf("run cost $%.4f exceeded per-run budget $%.4f",
				trace.TotalCostUSD, task.BudgetPerRunUSD)
		}
	}
	if err := s.store.TaskRuns.Update(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error(ctx, "run record finalize failed", "task", task.ID, "error", err)
	}

	s.logger.Info(ctx, "scheduled task fired",
		"task", task.ID, "run", run.ID, "status", run.Status, "retries", attempts)

	if err := s.updateTask(context.WithoutCancel(ctx), task.ID, claimedAt); err != nil {
		s.logger.Error(ctx, "task bookkeeping failed", "task", task.ID, "error", err)
	}
}

// runWithRetries invokes the agent, retrying transient failures with
// exponential backoff. Returns the trace of the last attempt, the reply
// text, and the number of retries consumed.
func (s *Scheduler) runWithRetries(ctx context.Context, task *models.ScheduledTask) (*models.ExecutionTrace, string, int, error) {
	var trace *models.ExecutionTrace
	var reply string
	var err error

	for attempt := 0; ; attempt++ {
		trace, reply, err = s.runTurn(ctx, task)
		if err == nil || !transient(err) || attempt >= task.MaxRetries {
			return trace, reply, attempt, err
		}
		delay := s.backoff << attempt
		s.logger.Warn(ctx, "scheduled run retrying",
			"task", task.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return trace, reply, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runTurn synthesizes a session and executes the task payload as one turn.
func (s *Scheduler) runTurn(ctx context.Context, task *models.ScheduledTask) (*models.ExecutionTrace, string, error) {
	session := &models.Session{
		ID:        uuid.NewString(),
		ProjectID: task.ProjectID,
		Status:    models.SessionActive,
		Metadata: map[string]string{
			"source": "schedule",
			"taskId": task.ID,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Sessions.Create(ctx, session); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	var reply strings.Builder
	trace, err := s.runner.Run(ctx, &agent.RunInput{
		ProjectID: task.ProjectID,
		SessionID: session.ID,
		Message:   task.Payload.Message,
		MaxTurns:  task.MaxTurns,
		BudgetUSD: task.BudgetPerRunUSD,
		OnEvent: func(ev agent.ChatEvent) {
			if ev.Type == agent.EventContentDelta {
				reply.WriteString(ev.Text)
			}
		},
	})
	return trace, reply.String(), err
}

// updateTask recomputes the task's schedule state after a firing.
func (s *Scheduler) updateTask(ctx context.Context, taskID string, firedAt time.Time) error {
	task, err := s.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	task.RunCount++
	next, err := NextRun(task.CronExpression, firedAt)
	if err != nil {
		return fmt.Errorf("recompute nextRunAt: %w", err)
	}
	task.NextRunAt = &next

	now := s.now().UTC()
	switch {
	case task.MaxRuns > 0 && task.RunCount >= task.MaxRuns:
		task.Status = models.TaskCompleted
		task.NextRunAt = nil
	case task.ExpiresAt != nil && now.After(*task.ExpiresAt):
		task.Status = models.TaskExpired
		task.NextRunAt = nil
	}
	task.UpdatedAt = now
	return s.store.Tasks.Update(ctx, task)
}

// NextRun evaluates a standard 5-field cron expression in UTC.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errdefs.Wrap(errdefs.CodeValidation, "invalid cron expression", err)
	}
	return sched.Next(after.UTC()), nil
}

// terminalStatus maps a run error onto the run record status.
func terminalStatus(err error) (models.RunStatus, string) {
	switch {
	case err == nil:
		return models.RunCompleted, ""
	case errors.Is(err, context.DeadlineExceeded):
		return models.RunTimeout, "run timed out"
	case errdefs.IsCode(err, errdefs.CodeBudgetExceeded):
		return models.RunBudgetExceeded, err.Error()
	default:
		return models.RunFailed, err.Error()
	}
}

// transient reports whether a failure is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errdefs.IsCode(err, errdefs.CodeProviderError) ||
		errdefs.IsCode(err, errdefs.CodeRateLimited)
}
