package dispatchjob

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a dispatch job lookup misses.
	ErrNotFound = errors.New("dispatchjob: not found")

	// ErrConflict is returned by a conditional transition whose expected
	// previous status did not match the row's current status — another
	// replica already moved it. Callers treat this as a no-op, not a fault.
	ErrConflict = errors.New("dispatchjob: status conflict")
)

// Repository defines data access for dispatch jobs. All status transitions
// other than Insert go through ConditionalUpdateStatus so that concurrent
// schedulers racing on the same row (no leader election configured, or
// during an election handover) fail safely instead of double-publishing.
//
// Three backends are provided: Postgres (pgx), MySQL (database/sql) and
// MongoDB.
type Repository interface {
	// FindByID fetches a single job.
	FindByID(ctx context.Context, id string) (*DispatchJob, error)

	// FindDispatchable returns PENDING jobs due now and not expired,
	// ordered by (messageGroup, sequence, createdAt), capped at limit.
	FindDispatchable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error)

	// FindStaleQueued returns jobs stuck in QUEUED past threshold.
	FindStaleQueued(ctx context.Context, olderThan time.Time) ([]*DispatchJob, error)

	// FindExpirable returns PENDING|QUEUED jobs whose expiresAt has passed.
	FindExpirable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error)

	// Insert creates a new job, defaulting Status to PENDING.
	Insert(ctx context.Context, job *DispatchJob) error

	// ConditionalUpdateStatus performs `UPDATE ... WHERE id = ? AND status =
	// expectedPrev`, applying mutate to the in-memory row before persisting
	// the new fields. Returns ErrConflict if expectedPrev did not match.
	ConditionalUpdateStatus(ctx context.Context, id string, expectedPrev, next Status, mutate func(*DispatchJob)) error

	// ResetStaleToPending is the batch form of the PENDING<->QUEUED reclaim:
	// every row in ids transitions QUEUED -> PENDING without touching
	// attemptCount, and updatedAt is refreshed.
	ResetStaleToPending(ctx context.Context, ids []string) error

	// MarkExpired transitions the given ids to EXPIRED regardless of their
	// current PENDING/QUEUED status.
	MarkExpired(ctx context.Context, ids []string) error

	// HasFailedInGroup reports whether any job in messageGroup currently
	// holds status FAILED. The failed job's mode is not considered: a FAILED
	// IMMEDIATE job counts the same as a FAILED BLOCK_ON_ERROR job.
	HasFailedInGroup(ctx context.Context, messageGroup string) (bool, error)

	// BlockedGroups is the batched form of HasFailedInGroup.
	BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error)

	// RecordAttempt appends a delivery attempt row and increments
	// attemptCount on the parent job.
	RecordAttempt(ctx context.Context, jobID string, attempt Attempt) error

	// CountByStatus is used by the health/metrics surface.
	CountByStatus(ctx context.Context, status Status) (int64, error)

	// CreateSchema is idempotent; safe to call on every startup.
	CreateSchema(ctx context.Context) error
}
