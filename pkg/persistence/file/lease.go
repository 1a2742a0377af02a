package file

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

func (p *Persistence) Acquire(_ context.Context, key, owner string, ttl time.Duration) (models.Lease, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()

	var current models.Lease

	exists, err := p.read(leasesDir, key, &current)
	if err != nil {
		return models.Lease{}, false, persistence.NewLeaseError("Acquire", key, err)
	}

	if exists && current.Valid(now) && current.Owner != owner {
		return current, false, nil
	}

	lease := models.Lease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}
	if err := p.write(leasesDir, key, lease); err != nil {
		return models.Lease{}, false, persistence.NewLeaseError("Acquire", key, err)
	}

	return lease, true, nil
}

func (p *Persistence) Renew(_ context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()

	var current models.Lease

	exists, err := p.read(leasesDir, key, &current)
	if err != nil {
		return models.Lease{}, persistence.NewLeaseError("Renew", key, err)
	}

	if !exists || current.Owner != owner || !current.Valid(now) {
		return models.Lease{}, persistence.NewLeaseError("Renew", key, persistence.ErrLeaseLost)
	}

	current.ExpiresAt = now.Add(ttl)
	if err := p.write(leasesDir, key, current); err != nil {
		return models.Lease{}, persistence.NewLeaseError("Renew", key, err)
	}

	return current, nil
}

func (p *Persistence) Release(_ context.Context, key, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current models.Lease

	exists, err := p.read(leasesDir, key, &current)
	if err != nil {
		return persistence.NewLeaseError("Release", key, err)
	}

	if !exists || current.Owner != owner {
		return nil
	}

	if err := p.remove(leasesDir, key); err != nil {
		return persistence.NewLeaseError("Release", key, err)
	}

	return nil
}

func (p *Persistence) Leases(_ context.Context, prefix string) ([]models.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	leases := make([]models.Lease, 0)

	err := all(p, leasesDir, func(lease *models.Lease) {
		if strings.HasPrefix(lease.Key, prefix) && lease.Valid(now) {
			leases = append(leases, *lease)
		}
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(leases, func(a, b models.Lease) int {
		return strings.Compare(a.Key, b.Key)
	})

	return leases, nil
}
