package dispatchjob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowcatalyst/router/internal/common/tsid"
)

// postgresRepository implements Repository for PostgreSQL via pgx. It uses
// plain SELECT/UPDATE with status columns, no row locking — safe because
// only one scheduler replica polls at a time (enforced by leader election).
type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates an instrumented Postgres-backed Repository.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return newInstrumentedRepository(&postgresRepository{pool: pool})
}

func (r *postgresRepository) CreateSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_jobs (
			id VARCHAR(26) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			message_group VARCHAR(255) NOT NULL DEFAULT '',
			sequence BIGINT NOT NULL DEFAULT 0,
			dispatch_pool_id VARCHAR(64) NOT NULL,
			target_url TEXT NOT NULL,
			payload TEXT NOT NULL,
			headers JSONB,
			timeout_seconds INT NOT NULL,
			max_retries INT NOT NULL,
			retry_strategy VARCHAR(32),
			scheduled_for TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			attempt_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			duration_millis BIGINT,
			last_error TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create dispatch_jobs: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_dispatchable
		ON dispatch_jobs(status, message_group, sequence, created_at)
		WHERE status = 'PENDING'
	`); err != nil {
		return fmt.Errorf("create dispatchable index: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_job_attempts (
			id VARCHAR(26) PRIMARY KEY,
			dispatch_job_id VARCHAR(26) NOT NULL,
			attempt_number INT NOT NULL,
			attempted_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_millis BIGINT,
			status VARCHAR(24) NOT NULL,
			response_code INT,
			response_body TEXT,
			error_message TEXT,
			error_type VARCHAR(16)
		)
	`); err != nil {
		return fmt.Errorf("create dispatch_job_attempts: %w", err)
	}

	return nil
}

func (r *postgresRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` FROM dispatch_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *postgresRepository) FindDispatchable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	rows, err := r.pool.Query(ctx, selectColumns+`
		FROM dispatch_jobs
		WHERE status = 'PENDING'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		  AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY message_group, sequence, created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find dispatchable: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *postgresRepository) FindStaleQueued(ctx context.Context, olderThan time.Time) ([]*DispatchJob, error) {
	rows, err := r.pool.Query(ctx, selectColumns+`
		FROM dispatch_jobs WHERE status = 'QUEUED' AND updated_at < $1
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale queued: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *postgresRepository) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	rows, err := r.pool.Query(ctx, selectColumns+`
		FROM dispatch_jobs
		WHERE status IN ('PENDING', 'QUEUED') AND expires_at IS NOT NULL AND expires_at <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expirable: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *postgresRepository) Insert(ctx context.Context, job *DispatchJob) error {
	if job.ID == "" {
		job.ID = tsid.Generate()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}

	headers, err := json.Marshal(job.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO dispatch_jobs (
			id, status, mode, message_group, sequence, dispatch_pool_id, target_url,
			payload, headers, timeout_seconds, max_retries, retry_strategy,
			scheduled_for, expires_at, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, job.ID, job.Status, job.Mode, job.MessageGroup, job.Sequence, job.DispatchPoolID,
		job.TargetURL, job.Payload, headers, job.TimeoutSeconds, job.MaxRetries,
		job.RetryStrategy, nullTime(job.ScheduledFor), nullTime(job.ExpiresAt),
		job.AttemptCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch job: %w", err)
	}
	return nil
}

func (r *postgresRepository) ConditionalUpdateStatus(ctx context.Context, id string, expectedPrev, next Status, mutate func(*DispatchJob)) error {
	job, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != expectedPrev {
		return ErrConflict
	}
	if mutate != nil {
		mutate(job)
	}
	job.Status = next
	job.UpdatedAt = time.Now()

	tag, err := r.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET
			status = $1, attempt_count = $2, last_error = $3, completed_at = $4,
			duration_millis = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`, job.Status, job.AttemptCount, nullString(job.LastError), nullTime(job.CompletedAt),
		nullInt64(job.DurationMillis), job.UpdatedAt, id, expectedPrev)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *postgresRepository) ResetStaleToPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET status = 'PENDING', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'QUEUED'
	`, ids)
	return err
}

func (r *postgresRepository) MarkExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE dispatch_jobs SET status = 'EXPIRED', completed_at = NOW(), updated_at = NOW()
		WHERE id = ANY($1) AND status IN ('PENDING', 'QUEUED')
	`, ids)
	return err
}

func (r *postgresRepository) HasFailedInGroup(ctx context.Context, messageGroup string) (bool, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dispatch_jobs WHERE message_group = $1 AND status = 'FAILED'
	`, messageGroup).Scan(&count)
	return count > 0, err
}

func (r *postgresRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	if len(groups) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT message_group FROM dispatch_jobs
		WHERE message_group = ANY($1) AND status = 'FAILED'
	`, groups)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, err
		}
		blocked[group] = true
	}
	return blocked, rows.Err()
}

func (r *postgresRepository) RecordAttempt(ctx context.Context, jobID string, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = tsid.Generate()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO dispatch_job_attempts (
			id, dispatch_job_id, attempt_number, attempted_at, completed_at,
			duration_millis, status, response_code, response_body, error_message, error_type
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, attempt.ID, jobID, attempt.AttemptNumber, attempt.AttemptedAt, nullTime(attempt.CompletedAt),
		nullInt64(attempt.DurationMillis), attempt.Status, nullInt(attempt.ResponseCode),
		nullString(attempt.ResponseBody), nullString(attempt.ErrorMessage), nullString(string(attempt.ErrorType)))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE dispatch_jobs SET attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("bump attempt count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

func (r *postgresRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_jobs WHERE status = $1`, status).Scan(&count)
	return count, err
}

const selectColumns = `SELECT
	id, status, mode, message_group, sequence, dispatch_pool_id, target_url, payload,
	headers, timeout_seconds, max_retries, retry_strategy, scheduled_for, expires_at,
	attempt_count, created_at, updated_at, completed_at, duration_millis, last_error`

type pgxRow interface {
	Scan(dest ...any) error
}

func scanJob(row pgxRow) (*DispatchJob, error) {
	var job DispatchJob
	var headers []byte
	var scheduledFor, expiresAt, completedAt *time.Time
	var retryStrategy, lastError *string
	var durationMillis *int64

	err := row.Scan(
		&job.ID, &job.Status, &job.Mode, &job.MessageGroup, &job.Sequence, &job.DispatchPoolID,
		&job.TargetURL, &job.Payload, &headers, &job.TimeoutSeconds, &job.MaxRetries,
		&retryStrategy, &scheduledFor, &expiresAt, &job.AttemptCount, &job.CreatedAt,
		&job.UpdatedAt, &completedAt, &durationMillis, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &job.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if scheduledFor != nil {
		job.ScheduledFor = *scheduledFor
	}
	if expiresAt != nil {
		job.ExpiresAt = *expiresAt
	}
	if completedAt != nil {
		job.CompletedAt = *completedAt
	}
	if retryStrategy != nil {
		job.RetryStrategy = *retryStrategy
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	if durationMillis != nil {
		job.DurationMillis = *durationMillis
	}

	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*DispatchJob, error) {
	var jobs []*DispatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
