package memory

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

	current, exists := p.leases[key]
	if exists && current.Valid(now) && current.Owner != owner {
		return current, false, nil
	}

	lease := models.Lease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}
	p.leases[key] = lease

	return lease, true, nil
}

func (p *Persistence) Renew(_ context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()

	current, exists := p.leases[key]
	if !exists || current.Owner != owner || !current.Valid(now) {
		return models.Lease{}, persistence.NewLeaseError("Renew", key, persistence.ErrLeaseLost)
	}

	current.ExpiresAt = now.Add(ttl)
	p.leases[key] = current

	return current, nil
}

func (p *Persistence) Release(_ context.Context, key, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, exists := p.leases[key]; exists && current.Owner == owner {
		delete(p.leases, key)
	}

	return nil
}

func (p *Persistence) Leases(_ context.Context, prefix string) ([]models.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	leases := make([]models.Lease, 0)

	for key, lease := range p.leases {
		if strings.HasPrefix(key, prefix) && lease.Valid(now) {
			leases = append(leases, lease)
		}
	}

	slices.SortFunc(leases, func(a, b models.Lease) int {
		return strings.Compare(a.Key, b.Key)
	})

	return leases, nil
}
