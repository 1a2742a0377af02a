package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

// LeaseRepository arbitrates leases with conditional upserts. Expiry is
// judged against the injected clock rather than the database clock.
type LeaseRepository struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock
}

func NewLeaseRepository(db *sql.DB, logger *slog.Logger, c clock.Clock) *LeaseRepository {
	return &LeaseRepository{db: db, logger: logger, clock: c}
}

func (p *Persistence) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, bool, error) {
	return p.leases.Acquire(ctx, key, owner, ttl)
}

func (p *Persistence) Renew(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	return p.leases.Renew(ctx, key, owner, ttl)
}

func (p *Persistence) Release(ctx context.Context, key, owner string) error {
	return p.leases.Release(ctx, key, owner)
}

func (p *Persistence) Leases(ctx context.Context, prefix string) ([]models.Lease, error) {
	return p.leases.List(ctx, prefix)
}

func (r *LeaseRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, bool, error) {
	now := r.clock.Now()
	lease := models.Lease{Key: key, Owner: owner}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO leases (key, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at <= $4 OR leases.owner = EXCLUDED.owner
		RETURNING expires_at
	`, key, owner, now.Add(ttl), now).Scan(&lease.ExpiresAt)
	if err == nil {
		lease.ExpiresAt = lease.ExpiresAt.UTC()

		return lease, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return models.Lease{}, false, persistence.NewLeaseError("Acquire", key, err)
	}

	current := models.Lease{Key: key}

	err = r.db.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE key = $1`, key).Scan(&current.Owner, &current.ExpiresAt)
	if err != nil {
		return models.Lease{}, false, persistence.NewLeaseError("Acquire", key, err)
	}

	current.ExpiresAt = current.ExpiresAt.UTC()

	return current, false, nil
}

func (r *LeaseRepository) Renew(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	now := r.clock.Now()
	lease := models.Lease{Key: key, Owner: owner}

	err := r.db.QueryRowContext(ctx, `
		UPDATE leases SET expires_at = $3
		WHERE key = $1 AND owner = $2 AND expires_at > $4
		RETURNING expires_at
	`, key, owner, now.Add(ttl), now).Scan(&lease.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Lease{}, persistence.NewLeaseError("Renew", key, persistence.ErrLeaseLost)
		}

		return models.Lease{}, persistence.NewLeaseError("Renew", key, err)
	}

	lease.ExpiresAt = lease.ExpiresAt.UTC()

	return lease, nil
}

func (r *LeaseRepository) Release(ctx context.Context, key, owner string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return persistence.NewLeaseError("Release", key, err)
	}

	return nil
}

// List returns valid leases whose key starts with prefix.
func (r *LeaseRepository) List(ctx context.Context, prefix string) ([]models.Lease, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, owner, expires_at FROM leases
		WHERE starts_with(key, $1) AND expires_at > $2
		ORDER BY key
	`, prefix, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	leases := make([]models.Lease, 0)

	for rows.Next() {
		var lease models.Lease

		err := rows.Scan(&lease.Key, &lease.Owner, &lease.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}

		lease.ExpiresAt = lease.ExpiresAt.UTC()
		leases = append(leases, lease)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating leases: %w", err)
	}

	return leases, nil
}
