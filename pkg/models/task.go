package models

import "time"

// TaskOrigin records who proposed a scheduled task.
type TaskOrigin string

const (
	TaskOriginStatic        TaskOrigin = "static"
	TaskOriginAgentProposed TaskOrigin = "agent_proposed"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskProposed  TaskStatus = "proposed"
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskRejected  TaskStatus = "rejected"
	TaskCompleted TaskStatus = "completed"
	TaskExpired   TaskStatus = "expired"
)

// TaskPayload is the work a scheduled task submits to the agent runner.
type TaskPayload struct {
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScheduledTask is a cron-evaluated unit of recurring agent work.
// NextRunAt always reflects the next UTC firing of the cron expression given
// LastRunAt; it is recomputed on activation and after each run.
type ScheduledTask struct {
	ID                 string      `json:"id"`
	ProjectID          string      `json:"projectId"`
	Name               string      `json:"name"`
	CronExpression     string      `json:"cronExpression"`
	Payload            TaskPayload `json:"taskPayload"`
	Origin             TaskOrigin  `json:"origin"`
	Status             TaskStatus  `json:"status"`
	MaxRetries         int         `json:"maxRetries"`
	TimeoutMs          int         `json:"timeoutMs"`
	BudgetPerRunUSD    float64     `json:"budgetPerRunUsd,omitempty"`
	MaxDurationMinutes int         `json:"maxDurationMinutes,omitempty"`
	MaxTurns           int         `json:"maxTurns,omitempty"`
	MaxRuns            int         `json:"maxRuns,omitempty"`
	RunCount           int         `json:"runCount"`
	LastRunAt          *time.Time  `json:"lastRunAt,omitempty"`
	NextRunAt          *time.Time  `json:"nextRunAt,omitempty"`
	ExpiresAt          *time.Time  `json:"expiresAt,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// RunStatus is the terminal (or in-flight) state of one task firing.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunTimeout        RunStatus = "timeout"
	RunBudgetExceeded RunStatus = "budget_exceeded"
)

// ScheduledTaskRun records one firing of a scheduled task.
type ScheduledTaskRun struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	Status       RunStatus  `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DurationMs   int64      `json:"durationMs,omitempty"`
	TokensUsed   int        `json:"tokensUsed,omitempty"`
	CostUSD      float64    `json:"costUsd,omitempty"`
	TraceID      string     `json:"traceId,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
}
