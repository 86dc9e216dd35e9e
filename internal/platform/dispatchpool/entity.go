// Package dispatchpool holds the runtime configuration record that governs
// concurrency, rate limiting and mediator selection for a message group's
// delivery pool.
package dispatchpool

import "time"

// MediatorType selects the delivery transport a pool's jobs are handed to.
type MediatorType string

const (
	MediatorTypeHTTPWebhook MediatorType = "HTTP_WEBHOOK"
)

// Status is the lifecycle state of a dispatch pool.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusArchived  Status = "ARCHIVED"
)

// DispatchPool is the persisted runtime record read by the scheduler and
// processing pool registry on each config sync.
type DispatchPool struct {
	ID              string       `bson:"_id" json:"id"`
	Code            string       `bson:"code" json:"code"`
	Name            string       `bson:"name,omitempty" json:"name,omitempty"`
	Description     string       `bson:"description,omitempty" json:"description,omitempty"`
	MediatorType    MediatorType `bson:"mediatorType" json:"mediatorType"`
	Concurrency     int          `bson:"concurrency" json:"concurrency"`
	QueueCapacity   int          `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMin *int         `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	Status          Status       `bson:"status" json:"status"`
	CreatedAt       time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time    `bson:"updatedAt" json:"updatedAt"`
}

// IsActive reports whether the pool currently accepts and dispatches work.
func (p *DispatchPool) IsActive() bool {
	return p.Status == StatusActive
}

// IsSuspended reports whether intake and dispatch are both paused.
func (p *DispatchPool) IsSuspended() bool {
	return p.Status == StatusSuspended
}

// IsArchived reports whether the pool rejects new intake. Work already
// in flight on an archived pool is allowed to complete.
func (p *DispatchPool) IsArchived() bool {
	return p.Status == StatusArchived
}

// IsHTTPWebhook reports whether jobs in this pool mediate over HTTP.
func (p *DispatchPool) IsHTTPWebhook() bool {
	return p.MediatorType == MediatorTypeHTTPWebhook
}

// ConcurrencyOrDefault returns Concurrency, falling back to defaultVal when unset.
func (p *DispatchPool) ConcurrencyOrDefault(defaultVal int) int {
	if p.Concurrency <= 0 {
		return defaultVal
	}
	return p.Concurrency
}

// QueueCapacityOrDefault returns QueueCapacity, falling back to defaultVal when unset.
func (p *DispatchPool) QueueCapacityOrDefault(defaultVal int) int {
	if p.QueueCapacity <= 0 {
		return defaultVal
	}
	return p.QueueCapacity
}
