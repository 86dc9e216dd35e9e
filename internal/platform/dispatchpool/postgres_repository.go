package dispatchpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowcatalyst/router/internal/common/tsid"
)

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates an instrumented Postgres-backed Repository.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return newInstrumentedRepository(&postgresRepository{pool: pool})
}

type pgxRow interface {
	Scan(dest ...any) error
}

const poolSelectColumns = `SELECT
	id, code, name, description, mediator_type, concurrency, queue_capacity,
	rate_limit_per_min, status, created_at, updated_at`

func (r *postgresRepository) CreateSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_pools (
			id VARCHAR(26) PRIMARY KEY,
			code VARCHAR(255) NOT NULL UNIQUE,
			name VARCHAR(255),
			description TEXT,
			mediator_type VARCHAR(32) NOT NULL,
			concurrency INT NOT NULL,
			queue_capacity INT NOT NULL,
			rate_limit_per_min INT,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create dispatch_pools: %w", err)
	}
	_, err = r.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_dispatch_pools_status ON dispatch_pools(status)`)
	return err
}

func (r *postgresRepository) FindByID(ctx context.Context, id string) (*DispatchPool, error) {
	return r.findOne(ctx, poolSelectColumns+` FROM dispatch_pools WHERE id = $1`, id)
}

func (r *postgresRepository) FindByCode(ctx context.Context, code string) (*DispatchPool, error) {
	return r.findOne(ctx, poolSelectColumns+` FROM dispatch_pools WHERE code = $1`, code)
}

func (r *postgresRepository) findOne(ctx context.Context, query string, arg any) (*DispatchPool, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	pool, err := scanPool(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pool, nil
}

func (r *postgresRepository) FindAll(ctx context.Context) ([]*DispatchPool, error) {
	return r.findMany(ctx, poolSelectColumns+` FROM dispatch_pools ORDER BY code`)
}

func (r *postgresRepository) FindAllActive(ctx context.Context) ([]*DispatchPool, error) {
	return r.findMany(ctx, poolSelectColumns+` FROM dispatch_pools WHERE status = 'ACTIVE' ORDER BY code`)
}

func (r *postgresRepository) FindAllNonArchived(ctx context.Context) ([]*DispatchPool, error) {
	return r.findMany(ctx, poolSelectColumns+` FROM dispatch_pools WHERE status != 'ARCHIVED' ORDER BY code`)
}

func (r *postgresRepository) findMany(ctx context.Context, query string) ([]*DispatchPool, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*DispatchPool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

func (r *postgresRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	if pool.ID == "" {
		pool.ID = tsid.Generate()
	}
	now := time.Now()
	pool.CreatedAt = now
	pool.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO dispatch_pools (
			id, code, name, description, mediator_type, concurrency, queue_capacity,
			rate_limit_per_min, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, pool.ID, pool.Code, nullString(pool.Name), nullString(pool.Description), pool.MediatorType,
		pool.Concurrency, pool.QueueCapacity, pool.RateLimitPerMin, pool.Status, pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch pool: %w", err)
	}
	return nil
}

func (r *postgresRepository) Update(ctx context.Context, pool *DispatchPool) error {
	pool.UpdatedAt = time.Now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE dispatch_pools SET
			code = $1, name = $2, description = $3, mediator_type = $4, concurrency = $5,
			queue_capacity = $6, rate_limit_per_min = $7, status = $8, updated_at = $9
		WHERE id = $10
	`, pool.Code, nullString(pool.Name), nullString(pool.Description), pool.MediatorType,
		pool.Concurrency, pool.QueueCapacity, pool.RateLimitPerMin, pool.Status, pool.UpdatedAt, pool.ID)
	if err != nil {
		return fmt.Errorf("update dispatch pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dispatch_pools SET concurrency = $1, queue_capacity = $2, rate_limit_per_min = $3, updated_at = NOW()
		WHERE id = $4
	`, concurrency, queueCapacity, rateLimitPerMin, id)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE dispatch_pools SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dispatch_pools WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_pools`).Scan(&count)
	return count, err
}

func (r *postgresRepository) CountActive(ctx context.Context) (int64, error) {
	return r.CountByStatus(ctx, StatusActive)
}

func (r *postgresRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_pools WHERE status = $1`, status).Scan(&count)
	return count, err
}

func (r *postgresRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_pools WHERE code = $1`, code).Scan(&count)
	return count > 0, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanPool(row pgxRow) (*DispatchPool, error) {
	var pool DispatchPool
	var name, description *string

	err := row.Scan(
		&pool.ID, &pool.Code, &name, &description, &pool.MediatorType, &pool.Concurrency,
		&pool.QueueCapacity, &pool.RateLimitPerMin, &pool.Status, &pool.CreatedAt, &pool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if name != nil {
		pool.Name = *name
	}
	if description != nil {
		pool.Description = *description
	}
	return &pool, nil
}
