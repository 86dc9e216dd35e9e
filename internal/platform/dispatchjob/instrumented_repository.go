package dispatchjob

import (
	"context"
	"time"

	"github.com/flowcatalyst/router/internal/common/repository"
)

const collectionName = "dispatch_jobs"

// instrumentedRepository wraps a Repository with metrics and logging.
type instrumentedRepository struct {
	inner Repository
}

func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindByID", func() (*DispatchJob, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) FindDispatchable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindDispatchable", func() ([]*DispatchJob, error) {
		return r.inner.FindDispatchable(ctx, now, limit)
	})
}

func (r *instrumentedRepository) FindStaleQueued(ctx context.Context, olderThan time.Time) ([]*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindStaleQueued", func() ([]*DispatchJob, error) {
		return r.inner.FindStaleQueued(ctx, olderThan)
	})
}

func (r *instrumentedRepository) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindExpirable", func() ([]*DispatchJob, error) {
		return r.inner.FindExpirable(ctx, now, limit)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, job *DispatchJob) error {
	return repository.InstrumentVoid(ctx, collectionName, "Insert", func() error {
		return r.inner.Insert(ctx, job)
	})
}

func (r *instrumentedRepository) ConditionalUpdateStatus(ctx context.Context, id string, expectedPrev, next Status, mutate func(*DispatchJob)) error {
	return repository.InstrumentVoid(ctx, collectionName, "ConditionalUpdateStatus", func() error {
		return r.inner.ConditionalUpdateStatus(ctx, id, expectedPrev, next, mutate)
	})
}

func (r *instrumentedRepository) ResetStaleToPending(ctx context.Context, ids []string) error {
	return repository.InstrumentVoid(ctx, collectionName, "ResetStaleToPending", func() error {
		return r.inner.ResetStaleToPending(ctx, ids)
	})
}

func (r *instrumentedRepository) MarkExpired(ctx context.Context, ids []string) error {
	return repository.InstrumentVoid(ctx, collectionName, "MarkExpired", func() error {
		return r.inner.MarkExpired(ctx, ids)
	})
}

func (r *instrumentedRepository) HasFailedInGroup(ctx context.Context, messageGroup string) (bool, error) {
	return repository.Instrument(ctx, collectionName, "HasFailedInGroup", func() (bool, error) {
		return r.inner.HasFailedInGroup(ctx, messageGroup)
	})
}

func (r *instrumentedRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	return repository.Instrument(ctx, collectionName, "BlockedGroups", func() (map[string]bool, error) {
		return r.inner.BlockedGroups(ctx, groups)
	})
}

func (r *instrumentedRepository) RecordAttempt(ctx context.Context, jobID string, attempt Attempt) error {
	return repository.InstrumentVoid(ctx, collectionName, "RecordAttempt", func() error {
		return r.inner.RecordAttempt(ctx, jobID, attempt)
	})
}

func (r *instrumentedRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return repository.Instrument(ctx, collectionName, "CountByStatus", func() (int64, error) {
		return r.inner.CountByStatus(ctx, status)
	})
}

func (r *instrumentedRepository) CreateSchema(ctx context.Context) error {
	return repository.InstrumentVoid(ctx, collectionName, "CreateSchema", func() error {
		return r.inner.CreateSchema(ctx)
	})
}
