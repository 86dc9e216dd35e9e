package dispatchjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowcatalyst/router/internal/common/tsid"
)

// mysqlRepository implements Repository for MySQL via database/sql and the
// go-sql-driver/mysql driver. Same no-locking polling discipline as the
// Postgres backend: safe only because leader election guarantees a single
// active scheduler.
type mysqlRepository struct {
	db *sql.DB
}

// NewMySQLRepository creates an instrumented MySQL-backed Repository. Callers
// register the driver (blank-import "github.com/go-sql-driver/mysql") and
// open db with sql.Open("mysql", dsn).
func NewMySQLRepository(db *sql.DB) Repository {
	return newInstrumentedRepository(&mysqlRepository{db: db})
}

const mysqlSelectColumns = `
	id, status, mode, message_group, sequence, dispatch_pool_id, target_url, payload,
	headers, timeout_seconds, max_retries, retry_strategy, scheduled_for, expires_at,
	attempt_count, created_at, updated_at, completed_at, duration_millis, last_error`

func (r *mysqlRepository) CreateSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_jobs (
			id VARCHAR(26) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			message_group VARCHAR(255) NOT NULL DEFAULT '',
			sequence BIGINT NOT NULL DEFAULT 0,
			dispatch_pool_id VARCHAR(64) NOT NULL,
			target_url TEXT NOT NULL,
			payload LONGTEXT NOT NULL,
			headers JSON,
			timeout_seconds INT NOT NULL,
			max_retries INT NOT NULL,
			retry_strategy VARCHAR(32),
			scheduled_for DATETIME(3),
			expires_at DATETIME(3),
			attempt_count INT NOT NULL DEFAULT 0,
			created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
			updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
			completed_at DATETIME(3),
			duration_millis BIGINT,
			last_error TEXT,
			INDEX idx_dispatchable (status, message_group, sequence, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`)
	if err != nil {
		return fmt.Errorf("create dispatch_jobs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_job_attempts (
			id VARCHAR(26) PRIMARY KEY,
			dispatch_job_id VARCHAR(26) NOT NULL,
			attempt_number INT NOT NULL,
			attempted_at DATETIME(3) NOT NULL,
			completed_at DATETIME(3),
			duration_millis BIGINT,
			status VARCHAR(24) NOT NULL,
			response_code INT,
			response_body LONGTEXT,
			error_message TEXT,
			error_type VARCHAR(16),
			INDEX idx_attempts_job (dispatch_job_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`)
	if err != nil {
		return fmt.Errorf("create dispatch_job_attempts: %w", err)
	}
	return nil
}

func (r *mysqlRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+mysqlSelectColumns+" FROM dispatch_jobs WHERE id = ?", id)
	job, err := mysqlScanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *mysqlRepository) FindDispatchable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+mysqlSelectColumns+`
		FROM dispatch_jobs
		WHERE status = 'PENDING'
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY message_group, sequence, created_at
		LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find dispatchable: %w", err)
	}
	defer rows.Close()
	return mysqlScanJobs(rows)
}

func (r *mysqlRepository) FindStaleQueued(ctx context.Context, olderThan time.Time) ([]*DispatchJob, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+mysqlSelectColumns+`
		FROM dispatch_jobs WHERE status = 'QUEUED' AND updated_at < ?
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale queued: %w", err)
	}
	defer rows.Close()
	return mysqlScanJobs(rows)
}

func (r *mysqlRepository) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+mysqlSelectColumns+`
		FROM dispatch_jobs
		WHERE status IN ('PENDING', 'QUEUED') AND expires_at IS NOT NULL AND expires_at <= ?
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expirable: %w", err)
	}
	defer rows.Close()
	return mysqlScanJobs(rows)
}

func (r *mysqlRepository) Insert(ctx context.Context, job *DispatchJob) error {
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

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dispatch_jobs (
			id, status, mode, message_group, sequence, dispatch_pool_id, target_url,
			payload, headers, timeout_seconds, max_retries, retry_strategy,
			scheduled_for, expires_at, attempt_count, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, job.ID, job.Status, job.Mode, job.MessageGroup, job.Sequence, job.DispatchPoolID,
		job.TargetURL, job.Payload, headers, job.TimeoutSeconds, job.MaxRetries,
		job.RetryStrategy, nullTime(job.ScheduledFor), nullTime(job.ExpiresAt),
		job.AttemptCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch job: %w", err)
	}
	return nil
}

func (r *mysqlRepository) ConditionalUpdateStatus(ctx context.Context, id string, expectedPrev, next Status, mutate func(*DispatchJob)) error {
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

	result, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET
			status = ?, attempt_count = ?, last_error = ?, completed_at = ?,
			duration_millis = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, job.Status, job.AttemptCount, nullString(job.LastError), nullTime(job.CompletedAt),
		nullInt64(job.DurationMillis), job.UpdatedAt, id, expectedPrev)
	if err != nil {
		return fmt.Errorf("conditional update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *mysqlRepository) ResetStaleToPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := mysqlPlaceholders(ids)
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dispatch_jobs SET status = 'PENDING', updated_at = NOW(3)
		WHERE status = 'QUEUED' AND id IN (%s)
	`, placeholders), args...)
	return err
}

func (r *mysqlRepository) MarkExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := mysqlPlaceholders(ids)
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dispatch_jobs SET status = 'EXPIRED', completed_at = NOW(3), updated_at = NOW(3)
		WHERE status IN ('PENDING', 'QUEUED') AND id IN (%s)
	`, placeholders), args...)
	return err
}

func (r *mysqlRepository) HasFailedInGroup(ctx context.Context, messageGroup string) (bool, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_jobs WHERE message_group = ? AND status = 'FAILED'
	`, messageGroup).Scan(&count)
	return count > 0, err
}

func (r *mysqlRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	if len(groups) == 0 {
		return map[string]bool{}, nil
	}
	placeholders, args := mysqlPlaceholders(groups)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT message_group FROM dispatch_jobs
		WHERE status = 'FAILED' AND message_group IN (%s)
	`, placeholders), args...)
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

func (r *mysqlRepository) RecordAttempt(ctx context.Context, jobID string, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = tsid.Generate()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatch_job_attempts (
			id, dispatch_job_id, attempt_number, attempted_at, completed_at,
			duration_millis, status, response_code, response_body, error_message, error_type
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, attempt.ID, jobID, attempt.AttemptNumber, attempt.AttemptedAt, nullTime(attempt.CompletedAt),
		nullInt64(attempt.DurationMillis), attempt.Status, nullInt(attempt.ResponseCode),
		nullString(attempt.ResponseBody), nullString(attempt.ErrorMessage), nullString(string(attempt.ErrorType)))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs SET attempt_count = attempt_count + 1, updated_at = NOW(3)
		WHERE id = ?
	`, jobID)
	if err != nil {
		return fmt.Errorf("bump attempt count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (r *mysqlRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dispatch_jobs WHERE status = ?", status).Scan(&count)
	return count, err
}

type mysqlRow interface {
	Scan(dest ...any) error
}

func mysqlScanJob(row mysqlRow) (*DispatchJob, error) {
	var job DispatchJob
	var headers []byte
	var scheduledFor, expiresAt, completedAt sql.NullTime
	var retryStrategy, lastError sql.NullString
	var durationMillis sql.NullInt64

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
	if scheduledFor.Valid {
		job.ScheduledFor = scheduledFor.Time
	}
	if expiresAt.Valid {
		job.ExpiresAt = expiresAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	if retryStrategy.Valid {
		job.RetryStrategy = retryStrategy.String
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if durationMillis.Valid {
		job.DurationMillis = durationMillis.Int64
	}

	return &job, nil
}

func mysqlScanJobs(rows *sql.Rows) ([]*DispatchJob, error) {
	var jobs []*DispatchJob
	for rows.Next() {
		job, err := mysqlScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func mysqlPlaceholders(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ", "), args
}
