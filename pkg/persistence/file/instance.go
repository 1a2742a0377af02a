package file

import (
	"context"
	"slices"
	"strings"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

func (p *Persistence) Create(ctx context.Context, state *models.ExecutionState) error {
	return p.Save(ctx, state, 0)
}

func (p *Persistence) Load(_ context.Context, id string) (*models.ExecutionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var state models.ExecutionState

	found, err := p.read(instancesDir, id, &state)
	if err != nil {
		return nil, persistence.NewInstanceError("Load", id, err)
	}

	if !found {
		return nil, persistence.NewInstanceError("Load", id, persistence.ErrInstanceNotFound)
	}

	return &state, nil
}

func (p *Persistence) Save(_ context.Context, state *models.ExecutionState, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current models.ExecutionState

	exists, err := p.read(instancesDir, state.ID, &current)
	if err != nil {
		return persistence.NewInstanceError("Save", state.ID, err)
	}

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

	record := *state
	record.Version = expectedVersion + 1

	if err := p.write(instancesDir, state.ID, &record); err != nil {
		return persistence.NewInstanceError("Save", state.ID, err)
	}

	state.Version = record.Version

	return nil
}

func (p *Persistence) QueryDue(_ context.Context, query persistence.DueQuery) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	due := make([]*models.ExecutionState, 0)

	err := all(p, instancesDir, func(state *models.ExecutionState) {
		if query.Matches(state) {
			due = append(due, state)
		}
	})
	if err != nil {
		return nil, err
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
