package dispatchpool

import "context"

// Repository defines data access for dispatch pool configuration. Pools are
// created/suspended/archived through the admin surface (out of scope here);
// this module only reads them to keep the live pool registry in sync and
// writes status transitions requested by standby/traffic coordination.
type Repository interface {
	FindByID(ctx context.Context, id string) (*DispatchPool, error)
	FindByCode(ctx context.Context, code string) (*DispatchPool, error)
	FindAll(ctx context.Context) ([]*DispatchPool, error)
	FindAllActive(ctx context.Context) ([]*DispatchPool, error)
	FindAllNonArchived(ctx context.Context) ([]*DispatchPool, error)
	Insert(ctx context.Context, pool *DispatchPool) error
	Update(ctx context.Context, pool *DispatchPool) error
	UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error
	SetStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status Status) (int64, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	CreateSchema(ctx context.Context) error
}
