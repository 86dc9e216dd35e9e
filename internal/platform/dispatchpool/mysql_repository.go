package dispatchpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowcatalyst/router/internal/common/tsid"
)

// mysqlRepository backs Repository with database/sql against MySQL. Callers
// must blank-import "github.com/go-sql-driver/mysql" and open db with
// sql.Open("mysql", dsn).
type mysqlRepository struct {
	db *sql.DB
}

// NewMySQLRepository creates an instrumented MySQL-backed Repository.
func NewMySQLRepository(db *sql.DB) Repository {
	return newInstrumentedRepository(&mysqlRepository{db: db})
}

const mysqlPoolSelectColumns = `SELECT
	id, code, name, description, mediator_type, concurrency, queue_capacity,
	rate_limit_per_min, status, created_at, updated_at`

func (r *mysqlRepository) CreateSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_pools (
			id VARCHAR(26) PRIMARY KEY,
			code VARCHAR(255) NOT NULL,
			name VARCHAR(255),
			description TEXT,
			mediator_type VARCHAR(32) NOT NULL,
			concurrency INT NOT NULL,
			queue_capacity INT NOT NULL,
			rate_limit_per_min INT,
			status VARCHAR(16) NOT NULL,
			created_at DATETIME(3) NOT NULL,
			updated_at DATETIME(3) NOT NULL,
			UNIQUE KEY uq_dispatch_pools_code (code),
			INDEX idx_dispatch_pools_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`)
	if err != nil {
		return fmt.Errorf("create dispatch_pools: %w", err)
	}
	return nil
}

func (r *mysqlRepository) FindByID(ctx context.Context, id string) (*DispatchPool, error) {
	return r.findOne(ctx, mysqlPoolSelectColumns+` FROM dispatch_pools WHERE id = ?`, id)
}

func (r *mysqlRepository) FindByCode(ctx context.Context, code string) (*DispatchPool, error) {
	return r.findOne(ctx, mysqlPoolSelectColumns+` FROM dispatch_pools WHERE code = ?`, code)
}

func (r *mysqlRepository) findOne(ctx context.Context, query string, arg any) (*DispatchPool, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	pool, err := mysqlScanPool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pool, nil
}

func (r *mysqlRepository) FindAll(ctx context.Context) ([]*DispatchPool, error) {
	return r.findMany(ctx, mysqlPoolSelectColumns+` FROM dispatch_pools ORDER BY code`)
}

func (r *mysqlRepository) FindAllActive(ctx context.Context) ([]*DispatchPool, error) {
	return r.findMany(ctx, mysqlPoolSelectColumns+` FROM dispatch_pools WHERE status = 'ACTIVE' ORDER BY code`)
}

func (r *mysqlRepository) FindAllNonArchived(ctx context.Context) ([]*DispatchPool, error) {
	return r.findMany(ctx, mysqlPoolSelectColumns+` FROM dispatch_pools WHERE status != 'ARCHIVED' ORDER BY code`)
}

func (r *mysqlRepository) findMany(ctx context.Context, query string) ([]*DispatchPool, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*DispatchPool
	for rows.Next() {
		pool, err := mysqlScanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

func (r *mysqlRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	if pool.ID == "" {
		pool.ID = tsid.Generate()
	}
	now := time.Now()
	pool.CreatedAt = now
	pool.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_pools (
			id, code, name, description, mediator_type, concurrency, queue_capacity,
			rate_limit_per_min, status, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, pool.ID, pool.Code, mysqlNullString(pool.Name), mysqlNullString(pool.Description), pool.MediatorType,
		pool.Concurrency, pool.QueueCapacity, pool.RateLimitPerMin, pool.Status, pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch pool: %w", err)
	}
	return nil
}

func (r *mysqlRepository) Update(ctx context.Context, pool *DispatchPool) error {
	pool.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_pools SET
			code = ?, name = ?, description = ?, mediator_type = ?, concurrency = ?,
			queue_capacity = ?, rate_limit_per_min = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, pool.Code, mysqlNullString(pool.Name), mysqlNullString(pool.Description), pool.MediatorType,
		pool.Concurrency, pool.QueueCapacity, pool.RateLimitPerMin, pool.Status, pool.UpdatedAt, pool.ID)
	if err != nil {
		return fmt.Errorf("update dispatch pool: %w", err)
	}
	return requireRowsAffected(result)
}

func (r *mysqlRepository) UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_pools SET concurrency = ?, queue_capacity = ?, rate_limit_per_min = ?, updated_at = ?
		WHERE id = ?
	`, concurrency, queueCapacity, rateLimitPerMin, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	return requireRowsAffected(result)
}

func (r *mysqlRepository) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := r.db.ExecContext(ctx, `UPDATE dispatch_pools SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRowsAffected(result)
}

func (r *mysqlRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM dispatch_pools WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func requireRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mysqlRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_pools`).Scan(&count)
	return count, err
}

func (r *mysqlRepository) CountActive(ctx context.Context) (int64, error) {
	return r.CountByStatus(ctx, StatusActive)
}

func (r *mysqlRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_pools WHERE status = ?`, status).Scan(&count)
	return count, err
}

func (r *mysqlRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_pools WHERE code = ?`, code).Scan(&count)
	return count > 0, err
}

type mysqlScannable interface {
	Scan(dest ...any) error
}

func mysqlScanPool(row mysqlScannable) (*DispatchPool, error) {
	var pool DispatchPool
	var name, description sql.NullString

	err := row.Scan(
		&pool.ID, &pool.Code, &name, &description, &pool.MediatorType, &pool.Concurrency,
		&pool.QueueCapacity, &pool.RateLimitPerMin, &pool.Status, &pool.CreatedAt, &pool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pool.Name = name.String
	pool.Description = description.String
	return &pool, nil
}

func mysqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
