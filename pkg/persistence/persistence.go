// Package persistence defines the storage contract for flows, instances,
// cron entries and leases.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
)

// DueQuery selects instances a scheduler should consider.
type DueQuery struct {
	// Now is the reference time; instances with NextDueAt <= Now are due.
	Now time.Time

	// Partitions restricts the result to instances whose partition (out of
	// PartitionCount) is listed. Nil selects every partition.
	Partitions     []int
	PartitionCount int

	// Limit caps the number of ids returned; 0 means no limit.
	Limit int
}

// Matches reports whether state satisfies the query.
func (q DueQuery) Matches(state *models.ExecutionState) bool {
	if !state.IsDue(q.Now) {
		return false
	}

	if q.Partitions == nil {
		return true
	}

	partition := models.Partition(state.ID, q.PartitionCount)
	for _, p := range q.Partitions {
		if p == partition {
			return true
		}
	}

	return false
}

// ExecutionRepository stores instance state with optimistic concurrency.
// Save with expectedVersion 0 creates the record; otherwise the stored
// version must equal expectedVersion. A successful save sets state.Version
// to expectedVersion+1.
type ExecutionRepository interface {
	Create(ctx context.Context, state *models.ExecutionState) error
	Load(ctx context.Context, id string) (*models.ExecutionState, error)
	Save(ctx context.Context, state *models.ExecutionState, expectedVersion int64) error

	// QueryDue returns the ids of due, non-terminal instances ordered by
	// NextDueAt.
	QueryDue(ctx context.Context, query DueQuery) ([]string, error)
}

// CronRepository stores cron entries. SaveCron follows the same version
// rules as ExecutionRepository.Save.
type CronRepository interface {
	CronEntry(ctx context.Context, id string) (*models.CronJobEntry, error)
	SaveCron(ctx context.Context, entry *models.CronJobEntry, expectedVersion int64) error
	ListDueCron(ctx context.Context, now time.Time) ([]*models.CronJobEntry, error)
	CronEntries(ctx context.Context) ([]*models.CronJobEntry, error)
}

// FlowRepository stores flow definitions.
type FlowRepository interface {
	SaveFlow(ctx context.Context, flow *models.FlowDefinition) error
	FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error)
	Flows(ctx context.Context) ([]*models.FlowDefinition, error)
}

// LeaseStore arbitrates time-bounded ownership of keys.
type LeaseStore interface {
	// Acquire takes key for owner when it is free, expired, or already held
	// by owner (which extends it). acquired is false when another owner holds
	// a valid lease.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (lease models.Lease, acquired bool, err error)

	// Renew extends a lease still held by owner, or returns ErrLeaseLost.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, error)

	// Release drops the lease if owner holds it.
	Release(ctx context.Context, key, owner string) error

	// Leases lists valid leases whose key starts with prefix, sorted by key.
	Leases(ctx context.Context, prefix string) ([]models.Lease, error)
}

type Persistence interface {
	ExecutionRepository
	CronRepository
	FlowRepository
	LeaseStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// LeaseCloser is a LeaseStore with its own connection to close.
type LeaseCloser interface {
	LeaseStore
	Close(ctx context.Context) error
}

// WithLeaseStore returns p with lease operations served by leases.
//nolint:ireturn // composes two implementations behind the interface
func WithLeaseStore(p Persistence, leases LeaseCloser) Persistence {
	return &composite{Persistence: p, leases: leases}
}

type composite struct {
	Persistence
	leases LeaseCloser
}

func (c *composite) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, bool, error) {
	return c.leases.Acquire(ctx, key, owner, ttl)
}

func (c *composite) Renew(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	return c.leases.Renew(ctx, key, owner, ttl)
}

func (c *composite) Release(ctx context.Context, key, owner string) error {
	return c.leases.Release(ctx, key, owner)
}

func (c *composite) Leases(ctx context.Context, prefix string) ([]models.Lease, error) {
	return c.leases.Leases(ctx, prefix)
}

func (c *composite) Close(ctx context.Context) error {
	leaseErr := c.leases.Close(ctx)
	if err := c.Persistence.Close(ctx); err != nil {
		return err
	}

	return leaseErr
}
