package file

import (
	"context"
	"slices"
	"strings"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

// SaveFlow creates or replaces a flow definition.
func (p *Persistence) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.write(flowsDir, flow.ID, flow); err != nil {
		return persistence.NewFlowError("SaveFlow", flow.ID, err)
	}

	return nil
}

func (p *Persistence) FlowByID(_ context.Context, id string) (*models.FlowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var flow models.FlowDefinition

	found, err := p.read(flowsDir, id, &flow)
	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	if !found {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	return &flow, nil
}

// Flows returns every stored flow ordered by id.
func (p *Persistence) Flows(_ context.Context) ([]*models.FlowDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	flows := make([]*models.FlowDefinition, 0)

	err := all(p, flowsDir, func(flow *models.FlowDefinition) {
		flows = append(flows, flow)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(flows, func(a, b *models.FlowDefinition) int {
		return strings.Compare(a.ID, b.ID)
	})

	return flows, nil
}
