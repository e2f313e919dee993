// Package pgstore is the Postgres Store implementation. Per-project write
// serialization comes from row locks: MutateDelivery runs its read-modify-
// write inside a transaction holding SELECT ... FOR UPDATE on the row.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaygate/relaygate/internal/store"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS relaygate;

CREATE TABLE IF NOT EXISTS relaygate.deliveries (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	connector_type     TEXT NOT NULL,
	idempotency_key    TEXT NOT NULL DEFAULT '',
	payload_hash       TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'queued',
	attempt_count      INT  NOT NULL DEFAULT 0,
	max_attempts       INT  NOT NULL DEFAULT 3,
	last_status_code   INT  NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	next_attempt_at    TIMESTAMPTZ,
	dead_letter_reason TEXT NOT NULL DEFAULT '',
	delivered_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_deliveries_project_idem
	ON relaygate.deliveries(project_id, connector_type, idempotency_key)
	WHERE idempotency_key <> '';

CREATE INDEX IF NOT EXISTS idx_deliveries_due
	ON relaygate.deliveries(project_id, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS relaygate.attempts (
	id             TEXT PRIMARY KEY,
	delivery_id    TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	connector_type TEXT NOT NULL,
	attempt_number INT  NOT NULL,
	success        BOOLEAN NOT NULL,
	status_code    INT  NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	response_body  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attempts_window
	ON relaygate.attempts(project_id, connector_type, created_at);

CREATE TABLE IF NOT EXISTS relaygate.backpressure_policies (
	project_id          TEXT PRIMARY KEY,
	is_enabled          BOOLEAN NOT NULL DEFAULT FALSE,
	max_retrying        INT NOT NULL DEFAULT 0,
	max_due_now         INT NOT NULL DEFAULT 0,
	min_limit           INT NOT NULL DEFAULT 1,
	connector_overrides JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relaygate.backpressure_drafts (
	project_id          TEXT PRIMARY KEY,
	is_enabled          BOOLEAN NOT NULL DEFAULT FALSE,
	max_retrying        INT NOT NULL DEFAULT 0,
	max_due_now         INT NOT NULL DEFAULT 0,
	min_limit           INT NOT NULL DEFAULT 1,
	connector_overrides JSONB,
	required_approvals  INT NOT NULL DEFAULT 1,
	approvals           JSONB,
	activate_at         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relaygate.guardian_policies (
	project_id                 TEXT PRIMARY KEY,
	is_enabled                 BOOLEAN NOT NULL DEFAULT FALSE,
	dry_run                    BOOLEAN NOT NULL DEFAULT FALSE,
	lookback_hours             INT NOT NULL DEFAULT 24,
	risk_threshold             DOUBLE PRECISION NOT NULL DEFAULT 10,
	max_actions_per_project    INT NOT NULL DEFAULT 1,
	action_limit               INT NOT NULL DEFAULT 10,
	cooldown_minutes           INT NOT NULL DEFAULT 15,
	min_dead_letter_minutes    INT NOT NULL DEFAULT 15,
	allow_process_queue        BOOLEAN NOT NULL DEFAULT TRUE,
	allow_redrive_dead_letters BOOLEAN NOT NULL DEFAULT FALSE,
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is the Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema. Statements are idempotent, safe to run on
// every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

const deliveryColumns = `id, project_id, connector_type, idempotency_key, payload_hash,
	status, attempt_count, max_attempts, last_status_code, last_error,
	next_attempt_at, dead_letter_reason, delivered_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (*store.Delivery, error) {
	var d store.Delivery
	var status string
	if err := row.Scan(
		&d.ID, &d.ProjectID, &d.ConnectorType, &d.IdempotencyKey, &d.PayloadHash,
		&status, &d.AttemptCount, &d.MaxAttempts, &d.LastStatusCode, &d.LastError,
		&d.NextAttemptAt, &d.DeadLetterReason, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = store.DeliveryStatus(status)
	return &d, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *store.Delivery) (*store.Delivery, error) {
	if d.IdempotencyKey != "" {
		// Insert-or-ignore, then fetch whichever row holds the key now.
		ct, err := s.pool.Exec(ctx, `
			INSERT INTO relaygate.deliveries(
				id, project_id, connector_type, idempotency_key, payload_hash,
				status, attempt_count, max_attempts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (project_id, connector_type, idempotency_key)
				WHERE idempotency_key <> '' DO NOTHING`,
			d.ID, d.ProjectID, d.ConnectorType, d.IdempotencyKey, d.PayloadHash,
			string(d.Status), d.AttemptCount, d.MaxAttempts,
		)
		if err != nil {
			return nil, fmt.Errorf("insert delivery (idempotent): %w", err)
		}
		row := s.pool.QueryRow(ctx, `
			SELECT `+deliveryColumns+`
			FROM relaygate.deliveries
			WHERE project_id = $1 AND connector_type = $2 AND idempotency_key = $3
			LIMIT 1`,
			d.ProjectID, d.ConnectorType, d.IdempotencyKey,
		)
		saved, err := scanDelivery(row)
		if err != nil {
			return nil, fmt.Errorf("select delivery (idempotent): %w", err)
		}
		if ct.RowsAffected() == 0 {
			return saved, store.ErrDuplicateDelivery
		}
		return saved, nil
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO relaygate.deliveries(
			id, project_id, connector_type, payload_hash,
			status, attempt_count, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+deliveryColumns,
		d.ID, d.ProjectID, d.ConnectorType, d.PayloadHash,
		string(d.Status), d.AttemptCount, d.MaxAttempts,
	)
	saved, err := scanDelivery(row)
	if err != nil {
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	return saved, nil
}

func (s *Store) GetDelivery(ctx context.Context, projectID, id string) (*store.Delivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM relaygate.deliveries
		WHERE project_id = $1 AND id = $2`,
		projectID, id,
	)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery: %w", err)
	}
	return d, nil
}

func (s *Store) MutateDelivery(ctx context.Context, projectID, id string, fn func(*store.Delivery) error) (*store.Delivery, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM relaygate.deliveries
		WHERE project_id = $1 AND id = $2
		FOR UPDATE`,
		projectID, id,
	)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery for update: %w", err)
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE relaygate.deliveries
		SET status = $3, attempt_count = $4, max_attempts = $5,
		    last_status_code = $6, last_error = $7, next_attempt_at = $8,
		    dead_letter_reason = $9, delivered_at = $10, updated_at = $11
		WHERE project_id = $1 AND id = $2`,
		projectID, id, string(d.Status), d.AttemptCount, d.MaxAttempts,
		d.LastStatusCode, d.LastError, d.NextAttemptAt,
		d.DeadLetterReason, d.DeliveredAt, d.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate: %w", err)
	}
	return d, nil
}

func (s *Store) ListDue(ctx context.Context, f store.DueFilter) ([]*store.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM relaygate.deliveries
		WHERE project_id = $1 AND status IN ('queued', 'retrying')`
	args := []any{f.ProjectID}
	if !f.IgnoreSchedule {
		query += ` AND (status = 'queued' OR next_attempt_at IS NULL OR next_attempt_at <= $2)`
		args = append(args, f.Now)
	}
	if f.ConnectorType != "" {
		query += fmt.Sprintf(` AND connector_type = $%d`, len(args)+1)
		args = append(args, f.ConnectorType)
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *Store) ListDeadLettered(ctx context.Context, f store.DeadLetterFilter) ([]*store.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM relaygate.deliveries
		WHERE project_id = $1 AND status = 'dead_lettered' AND updated_at <= $2`
	args := []any{f.ProjectID, f.UpdatedBefore}
	if f.ConnectorType != "" {
		query += ` AND connector_type = $3`
		args = append(args, f.ConnectorType)
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead lettered: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]*store.Delivery, error) {
	var out []*store.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Summarize(ctx context.Context, projectID, connectorType string, now time.Time) (*store.QueueSummary, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'queued'),
		       COUNT(*) FILTER (WHERE status = 'retrying'),
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'dead_lettered'),
		       COUNT(*) FILTER (WHERE status = 'queued'
		           OR (status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= $2))),
		       MIN(next_attempt_at) FILTER (WHERE status = 'retrying')
		FROM relaygate.deliveries
		WHERE project_id = $1`
	args := []any{projectID, now}
	if connectorType != "" {
		query += ` AND connector_type = $3`
		args = append(args, connectorType)
	}

	sum := &store.QueueSummary{}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.Total, &sum.Queued, &sum.Retrying, &sum.Delivered,
		&sum.DeadLettered, &sum.DueNow, &sum.EarliestNextAttemptAt,
	); err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	return sum, nil
}

func (s *Store) AppendAttempt(ctx context.Context, a *store.Attempt) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO relaygate.attempts(
			id, delivery_id, project_id, connector_type, attempt_number,
			success, status_code, error_message, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.DeliveryID, a.ProjectID, a.ConnectorType, a.AttemptNumber,
		a.Success, a.StatusCode, a.ErrorMessage, a.ResponseBody, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, projectID, connectorType string, since time.Time) ([]*store.Attempt, error) {
	query := `
		SELECT id, delivery_id, project_id, connector_type, attempt_number,
		       success, status_code, error_message, response_body, created_at
		FROM relaygate.attempts
		WHERE project_id = $1 AND created_at >= $2`
	args := []any{projectID, since}
	if connectorType != "" {
		query += ` AND connector_type = $3`
		args = append(args, connectorType)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*store.Attempt
	for rows.Next() {
		var a store.Attempt
		if err := rows.Scan(
			&a.ID, &a.DeliveryID, &a.ProjectID, &a.ConnectorType, &a.AttemptNumber,
			&a.Success, &a.StatusCode, &a.ErrorMessage, &a.ResponseBody, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListConnectorTypes(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT connector_type
		FROM relaygate.deliveries
		WHERE project_id = $1
		ORDER BY connector_type`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list connector types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *Store) GetBackpressurePolicy(ctx context.Context, projectID string) (*store.BackpressurePolicy, error) {
	var p store.BackpressurePolicy
	var overrides []byte
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, is_enabled, max_retrying, max_due_now, min_limit,
		       connector_overrides, created_at, updated_at
		FROM relaygate.backpressure_policies
		WHERE project_id = $1`,
		projectID,
	).Scan(&p.ProjectID, &p.IsEnabled, &p.MaxRetrying, &p.MaxDueNow, &p.MinLimit,
		&overrides, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select policy: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p.ConnectorOverrides); err != nil {
			return nil, fmt.Errorf("decode connector overrides: %w", err)
		}
	}
	return &p, nil
}

func (s *Store) UpsertBackpressurePolicy(ctx context.Context, p *store.BackpressurePolicy) (*store.BackpressurePolicy, error) {
	overrides, err := marshalJSONB(p.ConnectorOverrides)
	if err != nil {
		return nil, err
	}

	var saved store.BackpressurePolicy
	var savedOverrides []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO relaygate.backpressure_policies(
			project_id, is_enabled, max_retrying, max_due_now, min_limit, connector_overrides)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (project_id) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			max_retrying = EXCLUDED.max_retrying,
			max_due_now = EXCLUDED.max_due_now,
			min_limit = EXCLUDED.min_limit,
			connector_overrides = EXCLUDED.connector_overrides,
			updated_at = now()
		RETURNING project_id, is_enabled, max_retrying, max_due_now, min_limit,
		          connector_overrides, created_at, updated_at`,
		p.ProjectID, p.IsEnabled, p.MaxRetrying, p.MaxDueNow, p.MinLimit, overrides,
	).Scan(&saved.ProjectID, &saved.IsEnabled, &saved.MaxRetrying, &saved.MaxDueNow,
		&saved.MinLimit, &savedOverrides, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert policy: %w", err)
	}
	if len(savedOverrides) > 0 {
		if err := json.Unmarshal(savedOverrides, &saved.ConnectorOverrides); err != nil {
			return nil, fmt.Errorf("decode connector overrides: %w", err)
		}
	}
	return &saved, nil
}

func (s *Store) GetDraft(ctx context.Context, projectID string) (*store.BackpressurePolicyDraft, error) {
	var d store.BackpressurePolicyDraft
	var overrides, approvals []byte
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, is_enabled, max_retrying, max_due_now, min_limit,
		       connector_overrides, required_approvals, approvals, activate_at,
		       created_at, updated_at
		FROM relaygate.backpressure_drafts
		WHERE project_id = $1`,
		projectID,
	).Scan(&d.ProjectID, &d.IsEnabled, &d.MaxRetrying, &d.MaxDueNow, &d.MinLimit,
		&overrides, &d.RequiredApprovals, &approvals, &d.ActivateAt,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select draft: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &d.ConnectorOverrides); err != nil {
			return nil, fmt.Errorf("decode connector overrides: %w", err)
		}
	}
	if len(approvals) > 0 {
		if err := json.Unmarshal(approvals, &d.Approvals); err != nil {
			return nil, fmt.Errorf("decode approvals: %w", err)
		}
	}
	return &d, nil
}

func (s *Store) UpsertDraft(ctx context.Context, d *store.BackpressurePolicyDraft) (*store.BackpressurePolicyDraft, error) {
	overrides, err := marshalJSONB(d.ConnectorOverrides)
	if err != nil {
		return nil, err
	}
	approvals, err := marshalJSONB(d.Approvals)
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO relaygate.backpressure_drafts(
			project_id, is_enabled, max_retrying, max_due_now, min_limit,
			connector_overrides, required_approvals, approvals, activate_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9)
		ON CONFLICT (project_id) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			max_retrying = EXCLUDED.max_retrying,
			max_due_now = EXCLUDED.max_due_now,
			min_limit = EXCLUDED.min_limit,
			connector_overrides = EXCLUDED.connector_overrides,
			required_approvals = EXCLUDED.required_approvals,
			approvals = EXCLUDED.approvals,
			activate_at = EXCLUDED.activate_at,
			updated_at = now()`,
		d.ProjectID, d.IsEnabled, d.MaxRetrying, d.MaxDueNow, d.MinLimit,
		overrides, d.RequiredApprovals, approvals, d.ActivateAt,
	); err != nil {
		return nil, fmt.Errorf("upsert draft: %w", err)
	}
	return s.GetDraft(ctx, d.ProjectID)
}

func (s *Store) DeleteDraft(ctx context.Context, projectID string) error {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM relaygate.backpressure_drafts WHERE project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetGuardianPolicy(ctx context.Context, projectID string) (*store.GuardianPolicy, error) {
	var p store.GuardianPolicy
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, is_enabled, dry_run, lookback_hours, risk_threshold,
		       max_actions_per_project, action_limit, cooldown_minutes,
		       min_dead_letter_minutes, allow_process_queue, allow_redrive_dead_letters,
		       created_at, updated_at
		FROM relaygate.guardian_policies
		WHERE project_id = $1`,
		projectID,
	).Scan(&p.ProjectID, &p.IsEnabled, &p.DryRun, &p.LookbackHours, &p.RiskThreshold,
		&p.MaxActionsPerProject, &p.ActionLimit, &p.CooldownMinutes,
		&p.MinDeadLetterMinutes, &p.AllowProcessQueue, &p.AllowRedriveDeadLetters,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select guardian policy: %w", err)
	}
	return &p, nil
}

func (s *Store) UpsertGuardianPolicy(ctx context.Context, p *store.GuardianPolicy) (*store.GuardianPolicy, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO relaygate.guardian_policies(
			project_id, is_enabled, dry_run, lookback_hours, risk_threshold,
			max_actions_per_project, action_limit, cooldown_minutes,
			min_dead_letter_minutes, allow_process_queue, allow_redrive_dead_letters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (project_id) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			dry_run = EXCLUDED.dry_run,
			lookback_hours = EXCLUDED.lookback_hours,
			risk_threshold = EXCLUDED.risk_threshold,
			max_actions_per_project = EXCLUDED.max_actions_per_project,
			action_limit = EXCLUDED.action_limit,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			min_dead_letter_minutes = EXCLUDED.min_dead_letter_minutes,
			allow_process_queue = EXCLUDED.allow_process_queue,
			allow_redrive_dead_letters = EXCLUDED.allow_redrive_dead_letters,
			updated_at = now()`,
		p.ProjectID, p.IsEnabled, p.DryRun, p.LookbackHours, p.RiskThreshold,
		p.MaxActionsPerProject, p.ActionLimit, p.CooldownMinutes,
		p.MinDeadLetterMinutes, p.AllowProcessQueue, p.AllowRedriveDeadLetters,
	); err != nil {
		return nil, fmt.Errorf("upsert guardian policy: %w", err)
	}
	return s.GetGuardianPolicy(ctx, p.ProjectID)
}

func (s *Store) ListGuardianProjects(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id FROM relaygate.guardian_policies ORDER BY project_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list guardian projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalJSONB(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return string(b), nil
}

var _ store.Store = (*Store)(nil)
