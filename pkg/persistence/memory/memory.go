// Package memory provides an in-process persistence implementation. Records
// are copied on the way in and out so callers observe the same isolation a
// database would give them.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

type Option func(*Persistence)

// WithClock sets the clock used to evaluate lease expiry.
func WithClock(c clock.Clock) Option {
	return func(p *Persistence) {
		p.clock = c
	}
}

// Persistence implements persistence.Persistence with mutex-guarded maps.
type Persistence struct {
	mu        sync.Mutex
	clock     clock.Clock
	instances map[string]*models.ExecutionState
	flows     map[string]*models.FlowDefinition
	cron      map[string]*models.CronJobEntry
	leases    map[string]models.Lease
}

func NewPersistence(opts ...Option) *Persistence {
	p := &Persistence{
		clock:     clock.System{},
		instances: make(map[string]*models.ExecutionState),
		flows:     make(map[string]*models.FlowDefinition),
		cron:      make(map[string]*models.CronJobEntry),
		leases:    make(map[string]models.Lease),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Persistence) HealthCheck(context.Context) error {
	return nil
}

func (p *Persistence) Close(context.Context) error {
	return nil
}

func (p *Persistence) Create(ctx context.Context, state *models.ExecutionState) error {
	return p.Save(ctx, state, 0)
}

func (p *Persistence) Load(_ context.Context, id string) (*models.ExecutionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("Load", id, persistence.ErrInstanceNotFound)
	}

	return state.Clone(), nil
}

func (p *Persistence) Save(_ context.Context, state *models.ExecutionState, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.instances[state.ID]

	switch {
	case expectedVersion == 0 && exists:
		return persistence.NewInstanceError("Save", state.ID, persistence.ErrConcurrencyConflict)
	case expectedVersion != 0 && !exists:
		return persistence.NewInstanceError("Save", state.ID, persistence.ErrInstanceNotFound)
	case exists && current.Status.IsTerminal():
		return persistence.NewInstanceError("Save", state.ID, persistence.ErrTerminalState)
	case exists && current.Version != expectedVersion:
		return persistence.NewInstanceError("Save", state.ID, persistence.ErrConcurrencyConflict)
	}

	state.Version = expectedVersion + 1
	p.instances[state.ID] = state.Clone()

	return nil
}

func (p *Persistence) QueryDue(_ context.Context, query persistence.DueQuery) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	due := make([]*models.ExecutionState, 0)

	for _, state := range p.instances {
		if query.Matches(state) {
			due = append(due, state)
		}
	}

	slices.SortFunc(due, func(a, b *models.ExecutionState) int {
		if c := a.NextDueAt.Compare(b.NextDueAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	if query.Limit > 0 && len(due) > query.Limit {
		due = due[:query.Limit]
	}

	ids := make([]string, len(due))
	for i, state := range due {
		ids[i] = state.ID
	}

	return ids, nil
}

func (p *Persistence) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clone := flow.Clone()
	p.flows[flow.ID] = &clone

	return nil
}

func (p *Persistence) FlowByID(_ context.Context, id string) (*models.FlowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	flow, ok := p.flows[id]
	if !ok {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	clone := flow.Clone()

	return &clone, nil
}

func (p *Persistence) Flows(context.Context) ([]*models.FlowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	flows := make([]*models.FlowDefinition, 0, len(p.flows))

	for _, flow := range p.flows {
		clone := flow.Clone()
		flows = append(flows, &clone)
	}

	slices.SortFunc(flows, func(a, b *models.FlowDefinition) int {
		return strings.Compare(a.ID, b.ID)
	})

	return flows, nil
}

func (p *Persistence) CronEntry(_ context.Context, id string) (*models.CronJobEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cron[id]
	if !ok {
		return nil, persistence.NewCronError("CronEntry", id, persistence.ErrCronEntryNotFound)
	}

	return entry.Clone(), nil
}

func (p *Persistence) SaveCron(_ context.Context, entry *models.CronJobEntry, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.cron[entry.ID]

	switch {
	case expectedVersion == 0 && exists:
		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrConcurrencyConflict)
	case expectedVersion != 0 && !exists:
		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrCronEntryNotFound)
	case exists && current.Version != expectedVersion:
		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrConcurrencyConflict)
	}

	entry.Version = expectedVersion + 1
	p.cron[entry.ID] = entry.Clone()

	return nil
}

func (p *Persistence) ListDueCron(_ context.Context, now time.Time) ([]*models.CronJobEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	due := make([]*models.CronJobEntry, 0)

	for _, entry := range p.cron {
		if entry.IsDue(now) {
			due = append(due, entry.Clone())
		}
	}

	sortCron(due)

	return due, nil
}

func (p *Persistence) CronEntries(context.Context) ([]*models.CronJobEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*models.CronJobEntry, 0, len(p.cron))
	for _, entry := range p.cron {
		entries = append(entries, entry.Clone())
	}

	sortCron(entries)

	return entries, nil
}

func sortCron(entries []*models.CronJobEntry) {
	slices.SortFunc(entries, func(a, b *models.CronJobEntry) int {
		if c := a.NextDueAt.Compare(b.NextDueAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})
}
