package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// PostgresOptions tunes the database/sql pool.
type PostgresOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// NewPostgresStore opens a Postgres-backed Store and applies the schema.
func NewPostgresStore(ctx context.Context, url string, opts PostgresOptions) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		Projects:    &pgProjectRepo{db: db},
		Layers:      &pgLayerRepo{db: db},
		Sessions:    &pgSessionRepo{db: db},
		Messages:    &pgMessageRepo{db: db},
		Traces:      &pgTraceRepo{db: db},
		Usage:       &pgUsageRepo{db: db},
		Approvals:   &pgApprovalRepo{db: db},
		Tasks:       &pgTaskRepo{db: db},
		TaskRuns:    &pgTaskRunRepo{db: db},
		Contacts:    &pgContactRepo{db: db},
		Webhooks:    &pgWebhookRepo{db: db},
		Secrets:     &pgSecretRepo{db: db},
		Memories:    &pgMemoryRepo{db: db},
		Compactions: &pgCompactionRepo{db: db},
		closer:      db.Close,
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	environment TEXT NOT NULL DEFAULT 'development',
	tags TEXT[] NOT NULL DEFAULT '{}',
	agent_config JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_layers (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	layer_type TEXT NOT NULL,
	version INT NOT NULL,
	content TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	created_by TEXT NOT NULL DEFAULT '',
	change_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, layer_type, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS prompt_layers_one_active
	ON prompt_layers (project_id, layer_type) WHERE is_active;

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	status TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS sessions_project_idx ON sessions (project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls JSONB,
	tool_results JSONB,
	usage JSONB,
	trace_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	prompt_snapshot JSONB NOT NULL DEFAULT '{}',
	events JSONB NOT NULL DEFAULT '[]',
	total_duration_ms BIGINT NOT NULL DEFAULT 0,
	total_tokens_used INT NOT NULL DEFAULT 0,
	total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	turn_count INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS traces_session_idx ON traces (session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	trace_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens INT NOT NULL DEFAULT 0,
	output_tokens INT NOT NULL DEFAULT 0,
	cache_read_tokens INT NOT NULL DEFAULT 0,
	cache_write_tokens INT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_project_ts_idx ON usage_records (project_id, ts);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	tool_input JSONB,
	risk_level TEXT NOT NULL,
	status TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolution_note TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS approvals_pending_idx ON approvals (project_id, status);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	origin TEXT NOT NULL,
	status TEXT NOT NULL,
	max_retries INT NOT NULL DEFAULT 0,
	timeout_ms INT NOT NULL DEFAULT 0,
	budget_per_run_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_duration_minutes INT NOT NULL DEFAULT 0,
	max_turns INT NOT NULL DEFAULT 0,
	max_runs INT NOT NULL DEFAULT 0,
	run_count INT NOT NULL DEFAULT 0,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_due_idx ON scheduled_tasks (status, next_run_at);

CREATE TABLE IF NOT EXISTS scheduled_task_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	tokens_used INT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	trace_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS task_runs_task_idx ON scheduled_task_runs (task_id, started_at DESC);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS contacts_lookup_idx ON contacts (project_id, phone, email, external_id);

CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	trigger_prompt TEXT NOT NULL,
	secret_env_var TEXT NOT NULL DEFAULT '',
	allowed_ips TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	key TEXT NOT NULL,
	encrypted_value TEXT NOT NULL,
	iv TEXT NOT NULL,
	auth_tag TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, key)
);

CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	embedding JSONB,
	importance DOUBLE PRECISION NOT NULL DEFAULT 0,
	access_count INT NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS memory_project_idx ON memory_entries (project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS compaction_entries (
	session_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	messages_compacted INT NOT NULL,
	tokens_recovered INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS compaction_session_idx ON compaction_entries (session_id, created_at);
`

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

type pgProjectRepo struct{ db *sql.DB }

func (r *pgProjectRepo) Create(ctx context.Context, p *models.Project) error {
	cfg, err := marshalJSON(p.AgentConfig)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, owner, environment, tags, agent_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Owner, p.Environment, pq.Array(p.Tags), cfg, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgProjectRepo) Get(ctx context.Context, id string) (*models.Project, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, owner, environment, tags, agent_config, created_at, updated_at
		FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func (r *pgProjectRepo) List(ctx context.Context, limit, offset int) ([]*models.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, owner, environment, tags, agent_config, created_at, updated_at
		FROM projects ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgProjectRepo) Update(ctx context.Context, p *models.Project) error {
	cfg, err := marshalJSON(p.AgentConfig)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE projects SET name = $2, owner = $3, environment = $4, tags = $5,
			agent_config = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, p.Name, p.Owner, p.Environment, pq.Array(p.Tags), cfg, p.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var cfg []byte
	err := row.Scan(&p.ID, &p.Name, &p.Owner, &p.Environment, pq.Array(&p.Tags), &cfg, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cfg, &p.AgentConfig); err != nil {
		return nil, err
	}
	return &p, nil
}

type pgLayerRepo struct{ db *sql.DB }

func (r *pgLayerRepo) Create(ctx context.Context, layer *models.PromptLayer) error {
	// The version is assigned inside the insert so concurrent creates for
	// the same (project, type) cannot race to the same number.
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO prompt_layers (id, project_id, layer_type, version, content, is_active, created_by, change_reason, created_at)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM prompt_layers WHERE project_id = $2 AND layer_type = $3),
			$4, FALSE, $5, $6, $7)
		RETURNING version`,
		layer.ID, layer.ProjectID, layer.LayerType, layer.Content, layer.CreatedBy, layer.ChangeReason, layer.CreatedAt)
	return row.Scan(&layer.Version)
}

func (r *pgLayerRepo) Get(ctx context.Context, id string) (*models.PromptLayer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, layer_type, version, content, is_active, created_by, change_reason, created_at
		FROM prompt_layers WHERE id = $1`, id)
	return scanLayer(row)
}

func (r *pgLayerRepo) List(ctx context.Context, projectID string, layerType models.LayerType) ([]*models.PromptLayer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, layer_type, version, content, is_active, created_by, change_reason, created_at
		FROM prompt_layers WHERE project_id = $1 AND layer_type = $2 ORDER BY version`, projectID, layerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PromptLayer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *pgLayerRepo) Active(ctx context.Context, projectID string, layerType models.LayerType) (*models.PromptLayer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, layer_type, version, content, is_active, created_by, change_reason, created_at
		FROM prompt_layers WHERE project_id = $1 AND layer_type = $2 AND is_active`, projectID, layerType)
	return scanLayer(row)
}

func (r *pgLayerRepo) Activate(ctx context.Context, layerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var projectID string
	var layerType models.LayerType
	err = tx.QueryRowContext(ctx, `SELECT project_id, layer_type FROM prompt_layers WHERE id = $1`, layerID).
		Scan(&projectID, &layerType)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE prompt_layers SET is_active = FALSE
		WHERE project_id = $1 AND layer_type = $2 AND is_active`, projectID, layerType); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE prompt_layers SET is_active = TRUE WHERE id = $1`, layerID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanLayer(row rowScanner) (*models.PromptLayer, error) {
	var l models.PromptLayer
	err := row.Scan(&l.ID, &l.ProjectID, &l.LayerType, &l.Version, &l.Content, &l.IsActive, &l.CreatedBy, &l.ChangeReason, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type pgSessionRepo struct{ db *sql.DB }

func (r *pgSessionRepo) Create(ctx context.Context, s *models.Session) error {
	meta, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, status, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.ProjectID, s.Status, meta, s.CreatedAt, s.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgSessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, metadata, created_at, expires_at
		FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *pgSessionRepo) List(ctx context.Context, projectID string, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, status, metadata, created_at, expires_at
		FROM sessions WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgSessionRepo) Update(ctx context.Context, s *models.Session) error {
	meta, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, metadata = $3, expires_at = $4 WHERE id = $1`,
		s.ID, s.Status, meta, s.ExpiresAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *pgSessionRepo) LatestActiveForContact(ctx context.Context, projectID, contactID string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, metadata, created_at, expires_at
		FROM sessions
		WHERE project_id = $1 AND status = 'active' AND metadata->>'contactId' = $2
		ORDER BY created_at DESC LIMIT 1`, projectID, contactID)
	return scanSession(row)
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var meta []byte
	err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &meta, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

type pgMessageRepo struct{ db *sql.DB }

func (r *pgMessageRepo) Append(ctx context.Context, m *models.Message) error {
	calls, err := marshalJSON(m.ToolCalls)
	if err != nil {
		return err
	}
	results, err := marshalJSON(m.ToolResults)
	if err != nil {
		return err
	}
	usage, err := marshalJSON(m.Usage)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, usage, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.SessionID, m.Role, m.Content, calls, results, usage, m.TraceID, m.CreatedAt)
	return err
}

func (r *pgMessageRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	q := `
		SELECT id, session_id, role, content, tool_calls, tool_results, usage, trace_id, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at`
	args := []any{sessionID}
	if limit > 0 {
		// Most recent N, returned in chronological order.
		q = `
		SELECT id, session_id, role, content, tool_calls, tool_results, usage, trace_id, created_at
		FROM (
			SELECT id, session_id, role, content, tool_calls, tool_results, usage, trace_id, created_at
			FROM messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var calls, results, usage []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &calls, &results, &usage, &m.TraceID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(calls, &m.ToolCalls); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(results, &m.ToolResults); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(usage, &m.Usage); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type pgTraceRepo struct{ db *sql.DB }

func (r *pgTraceRepo) Save(ctx context.Context, t *models.ExecutionTrace) error {
	snapshot, err := marshalJSON(t.PromptSnapshot)
	if err != nil {
		return err
	}
	events, err := marshalJSON(t.Events)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO traces (id, project_id, session_id, prompt_snapshot, events, total_duration_ms,
			total_tokens_used, total_cost_usd, turn_count, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			events = EXCLUDED.events,
			total_duration_ms = EXCLUDED.total_duration_ms,
			total_tokens_used = EXCLUDED.total_tokens_used,
			total_cost_usd = EXCLUDED.total_cost_usd,
			turn_count = EXCLUDED.turn_count,
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.ProjectID, t.SessionID, snapshot, events, t.TotalDurationMs,
		t.TotalTokensUsed, t.TotalCostUSD, t.TurnCount, t.Status, t.CreatedAt, t.CompletedAt)
	return err
}

func (r *pgTraceRepo) Get(ctx context.Context, id string) (*models.ExecutionTrace, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, prompt_snapshot, events, total_duration_ms,
			total_tokens_used, total_cost_usd, turn_count, status, created_at, completed_at
		FROM traces WHERE id = $1`, id)
	return scanTrace(row)
}

func (r *pgTraceRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.ExecutionTrace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, prompt_snapshot, events, total_duration_ms,
			total_tokens_used, total_cost_usd, turn_count, status, created_at, completed_at
		FROM traces WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ExecutionTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrace(row rowScanner) (*models.ExecutionTrace, error) {
	var t models.ExecutionTrace
	var snapshot, events []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.SessionID, &snapshot, &events, &t.TotalDurationMs,
		&t.TotalTokensUsed, &t.TotalCostUSD, &t.TurnCount, &t.Status, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(snapshot, &t.PromptSnapshot); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(events, &t.Events); err != nil {
		return nil, err
	}
	return &t, nil
}

type pgUsageRepo struct{ db *sql.DB }

func (r *pgUsageRepo) Record(ctx context.Context, rec *models.UsageRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records (project_id, session_id, trace_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ProjectID, rec.SessionID, rec.TraceID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheWriteTokens, rec.CostUSD, rec.Timestamp)
	return err
}

func (r *pgUsageRepo) SumSince(ctx context.Context, projectID string, since time.Time) (float64, int, error) {
	var cost float64
	var tokens int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage_records WHERE project_id = $1 AND ts >= $2`, projectID, since).
		Scan(&cost, &tokens)
	return cost, tokens, err
}

type pgApprovalRepo struct{ db *sql.DB }

func (r *pgApprovalRepo) Create(ctx context.Context, a *models.ApprovalRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO approvals (id, project_id, session_id, tool_call_id, tool_id, tool_input,
			risk_level, status, requested_at, expires_at, resolved_at, resolved_by, resolution_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.ProjectID, a.SessionID, a.ToolCallID, a.ToolID, []byte(a.ToolInput),
		a.RiskLevel, a.Status, a.RequestedAt, a.ExpiresAt, a.ResolvedAt, a.ResolvedBy, a.ResolutionNote)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgApprovalRepo) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, tool_call_id, tool_id, tool_input,
			risk_level, status, requested_at, expires_at, resolved_at, resolved_by, resolution_note
		FROM approvals WHERE id = $1`, id)
	return scanApproval(row)
}

func (r *pgApprovalRepo) Update(ctx context.Context, a *models.ApprovalRequest) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE approvals SET status = $2, resolved_at = $3, resolved_by = $4, resolution_note = $5
		WHERE id = $1`,
		a.ID, a.Status, a.ResolvedAt, a.ResolvedBy, a.ResolutionNote)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *pgApprovalRepo) ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, tool_call_id, tool_id, tool_input,
			risk_level, status, requested_at, expires_at, resolved_at, resolved_by, resolution_note
		FROM approvals WHERE project_id = $1 AND status = 'pending' ORDER BY requested_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	var input []byte
	err := row.Scan(&a.ID, &a.ProjectID, &a.SessionID, &a.ToolCallID, &a.ToolID, &input,
		&a.RiskLevel, &a.Status, &a.RequestedAt, &a.ExpiresAt, &a.ResolvedAt, &a.ResolvedBy, &a.ResolutionNote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ToolInput = json.RawMessage(input)
	return &a, nil
}

type pgTaskRepo struct{ db *sql.DB }

func (r *pgTaskRepo) Create(ctx context.Context, t *models.ScheduledTask) error {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, project_id, name, cron_expression, payload, origin, status,
			max_retries, timeout_ms, budget_per_run_usd, max_duration_minutes, max_turns, max_runs,
			run_count, last_run_at, next_run_at, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.ProjectID, t.Name, t.CronExpression, payload, t.Origin, t.Status,
		t.MaxRetries, t.TimeoutMs, t.BudgetPerRunUSD, t.MaxDurationMinutes, t.MaxTurns, t.MaxRuns,
		t.RunCount, t.LastRunAt, t.NextRunAt, t.ExpiresAt, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgTaskRepo) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, taskSelect+` WHERE id = $1`, id)
	return scanTask(row)
}

func (r *pgTaskRepo) Update(ctx context.Context, t *models.ScheduledTask) error {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET name = $2, cron_expression = $3, payload = $4, status = $5,
			max_retries = $6, timeout_ms = $7, budget_per_run_usd = $8, max_duration_minutes = $9,
			max_turns = $10, max_runs = $11, run_count = $12, last_run_at = $13, next_run_at = $14,
			expires_at = $15, updated_at = $16
		WHERE id = $1`,
		t.ID, t.Name, t.CronExpression, payload, t.Status,
		t.MaxRetries, t.TimeoutMs, t.BudgetPerRunUSD, t.MaxDurationMinutes,
		t.MaxTurns, t.MaxRuns, t.RunCount, t.LastRunAt, t.NextRunAt,
		t.ExpiresAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const taskSelect = `
	SELECT id, project_id, name, cron_expression, payload, origin, status,
		max_retries, timeout_ms, budget_per_run_usd, max_duration_minutes, max_turns, max_runs,
		run_count, last_run_at, next_run_at, expires_at, created_at, updated_at
	FROM scheduled_tasks`

func (r *pgTaskRepo) ListByProject(ctx context.Context, projectID string) ([]*models.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, taskSelect+` WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *pgTaskRepo) Due(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, taskSelect+`
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *pgTaskRepo) Claim(ctx context.Context, id string, expectedLastRun *time.Time, claimedAt time.Time) error {
	var res sql.Result
	var err error
	if expectedLastRun == nil {
		res, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET last_run_at = $2 WHERE id = $1 AND last_run_at IS NULL`,
			id, claimedAt)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET last_run_at = $3 WHERE id = $1 AND last_run_at = $2`,
			id, *expectedLastRun, claimedAt)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleClaim
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	var payload []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.CronExpression, &payload, &t.Origin, &t.Status,
		&t.MaxRetries, &t.TimeoutMs, &t.BudgetPerRunUSD, &t.MaxDurationMinutes, &t.MaxTurns, &t.MaxRuns,
		&t.RunCount, &t.LastRunAt, &t.NextRunAt, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(payload, &t.Payload); err != nil {
		return nil, err
	}
	return &t, nil
}

type pgTaskRunRepo struct{ db *sql.DB }

func (r *pgTaskRunRepo) Create(ctx context.Context, run *models.ScheduledTaskRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_task_runs (id, task_id, status, started_at, completed_at, duration_ms,
			tokens_used, cost_usd, trace_id, result, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.TaskID, run.Status, run.StartedAt, run.CompletedAt, run.DurationMs,
		run.TokensUsed, run.CostUSD, run.TraceID, run.Result, run.ErrorMessage, run.RetryCount)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgTaskRunRepo) Update(ctx context.Context, run *models.ScheduledTaskRun) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_task_runs SET status = $2, started_at = $3, completed_at = $4,
			duration_ms = $5, tokens_used = $6, cost_usd = $7, trace_id = $8, result = $9,
			error_message = $10, retry_count = $11
		WHERE id = $1`,
		run.ID, run.Status, run.StartedAt, run.CompletedAt,
		run.DurationMs, run.TokensUsed, run.CostUSD, run.TraceID, run.Result,
		run.ErrorMessage, run.RetryCount)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *pgTaskRunRepo) ListByTask(ctx context.Context, taskID string, limit int) ([]*models.ScheduledTaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, status, started_at, completed_at, duration_ms,
			tokens_used, cost_usd, trace_id, result, error_message, retry_count
		FROM scheduled_task_runs WHERE task_id = $1 ORDER BY started_at DESC NULLS LAST LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ScheduledTaskRun
	for rows.Next() {
		var run models.ScheduledTaskRun
		if err := rows.Scan(&run.ID, &run.TaskID, &run.Status, &run.StartedAt, &run.CompletedAt, &run.DurationMs,
			&run.TokensUsed, &run.CostUSD, &run.TraceID, &run.Result, &run.ErrorMessage, &run.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

type pgContactRepo struct{ db *sql.DB }

func (r *pgContactRepo) Create(ctx context.Context, c *models.Contact) error {
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, project_id, phone, email, external_id, name, language, role, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ProjectID, c.Phone, c.Email, c.ExternalID, c.Name, c.Language, c.Role, meta, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgContactRepo) Get(ctx context.Context, id string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, phone, email, external_id, name, language, role, metadata, created_at
		FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

func (r *pgContactRepo) FindByIdentifier(ctx context.Context, projectID, channel, identifier string) (*models.Contact, error) {
	var clause string
	switch channel {
	case "sms", "whatsapp", "voice":
		clause = "phone = $2"
	case "email":
		clause = "LOWER(email) = LOWER($2)"
	default:
		clause = "external_id = $2"
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, phone, email, external_id, name, language, role, metadata, created_at
		FROM contacts WHERE project_id = $1 AND `+clause+` LIMIT 1`, projectID, identifier)
	return scanContact(row)
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var meta []byte
	err := row.Scan(&c.ID, &c.ProjectID, &c.Phone, &c.Email, &c.ExternalID, &c.Name, &c.Language, &c.Role, &meta, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

type pgWebhookRepo struct{ db *sql.DB }

func (r *pgWebhookRepo) Create(ctx context.Context, w *models.Webhook) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, project_id, agent_id, name, trigger_prompt, secret_env_var, allowed_ips, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.ProjectID, w.AgentID, w.Name, w.TriggerPrompt, w.SecretEnvVar, pq.Array(w.AllowedIPs), w.Status, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *pgWebhookRepo) Get(ctx context.Context, id string) (*models.Webhook, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, agent_id, name, trigger_prompt, secret_env_var, allowed_ips, status, created_at, updated_at
		FROM webhooks WHERE id = $1`, id)
	return scanWebhook(row)
}

func (r *pgWebhookRepo) Update(ctx context.Context, w *models.Webhook) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhooks SET agent_id = $2, name = $3, trigger_prompt = $4, secret_env_var = $5,
			allowed_ips = $6, status = $7, updated_at = $8
		WHERE id = $1`,
		w.ID, w.AgentID, w.Name, w.TriggerPrompt, w.SecretEnvVar, pq.Array(w.AllowedIPs), w.Status, w.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *pgWebhookRepo) ListByProject(ctx context.Context, projectID string) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, agent_id, name, trigger_prompt, secret_env_var, allowed_ips, status, created_at, updated_at
		FROM webhooks WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var w models.Webhook
	err := row.Scan(&w.ID, &w.ProjectID, &w.AgentID, &w.Name, &w.TriggerPrompt, &w.SecretEnvVar,
		pq.Array(&w.AllowedIPs), &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

type pgSecretRepo struct{ db *sql.DB }

func (r *pgSecretRepo) Upsert(ctx context.Context, s *models.Secret) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO secrets (id, project_id, key, encrypted_value, iv, auth_tag, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_id, key) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			iv = EXCLUDED.iv,
			auth_tag = EXCLUDED.auth_tag,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.ProjectID, s.Key, s.EncryptedValue, s.IV, s.AuthTag, s.Description, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *pgSecretRepo) Get(ctx context.Context, projectID, key string) (*models.Secret, error) {
	var s models.Secret
	err := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, key, encrypted_value, iv, auth_tag, description, created_at, updated_at
		FROM secrets WHERE project_id = $1 AND key = $2`, projectID, key).
		Scan(&s.ID, &s.ProjectID, &s.Key, &s.EncryptedValue, &s.IV, &s.AuthTag, &s.Description, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pgSecretRepo) Delete(ctx context.Context, projectID, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *pgSecretRepo) List(ctx context.Context, projectID string) ([]*models.Secret, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, key, encrypted_value, iv, auth_tag, description, created_at, updated_at
		FROM secrets WHERE project_id = $1 ORDER BY key`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Secret
	for rows.Next() {
		var s models.Secret
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Key, &s.EncryptedValue, &s.IV, &s.AuthTag, &s.Description, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

type pgMemoryRepo struct{ db *sql.DB }

func (r *pgMemoryRepo) Insert(ctx context.Context, e *models.MemoryEntry) error {
	embedding, err := marshalJSON(e.Embedding)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, project_id, session_id, category, content, embedding,
			importance, access_count, last_accessed_at, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.ProjectID, e.SessionID, e.Category, e.Content, embedding,
		e.Importance, e.AccessCount, e.LastAccessedAt, e.CreatedAt, e.ExpiresAt, meta)
	return err
}

func (r *pgMemoryRepo) ListByProject(ctx context.Context, projectID string, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, category, content, embedding,
			importance, access_count, last_accessed_at, created_at, expires_at, metadata
		FROM memory_entries WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		var embedding, meta []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SessionID, &e.Category, &e.Content, &embedding,
			&e.Importance, &e.AccessCount, &e.LastAccessedAt, &e.CreatedAt, &e.ExpiresAt, &meta); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(embedding, &e.Embedding); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(meta, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *pgMemoryRepo) Touch(ctx context.Context, id string, accessedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE memory_entries SET last_accessed_at = $2, access_count = access_count + 1 WHERE id = $1`,
		id, accessedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *pgMemoryRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type pgCompactionRepo struct{ db *sql.DB }

func (r *pgCompactionRepo) Record(ctx context.Context, e *models.CompactionEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO compaction_entries (session_id, summary, messages_compacted, tokens_recovered, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.SessionID, e.Summary, e.MessagesCompacted, e.TokensRecovered, e.CreatedAt)
	return err
}

func (r *pgCompactionRepo) ListBySession(ctx context.Context, sessionID string) ([]*models.CompactionEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, summary, messages_compacted, tokens_recovered, created_at
		FROM compaction_entries WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.CompactionEntry
	for rows.Next() {
		var e models.CompactionEntry
		if err := rows.Scan(&e.SessionID, &e.Summary, &e.MessagesCompacted, &e.TokensRecovered, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
