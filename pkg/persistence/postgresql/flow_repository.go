package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

// FlowRepository handles flow definition database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock
}

func NewFlowRepository(db *sql.DB, logger *slog.Logger, c clock.Clock) *FlowRepository {
	return &FlowRepository{db: db, logger: logger, clock: c}
}

func (p *Persistence) SaveFlow(ctx context.Context, flow *models.FlowDefinition) error {
	return p.flows.Save(ctx, flow)
}

func (p *Persistence) FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	return p.flows.GetByID(ctx, id)
}

func (p *Persistence) Flows(ctx context.Context) ([]*models.FlowDefinition, error) {
	return p.flows.GetAll(ctx)
}

// Save creates or replaces a flow definition.
func (r *FlowRepository) Save(ctx context.Context, flow *models.FlowDefinition) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", flow.ID, fmt.Errorf("failed to marshal flow: %w", err))
	}

	now := r.clock.Now()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, version, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`, flow.ID, flow.Name, flow.Version, data, now)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT definition FROM flows WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
		}

		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	return decodeFlow(id, data)
}

// GetAll returns every flow ordered by id.
func (r *FlowRepository) GetAll(ctx context.Context) ([]*models.FlowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, definition FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.FlowDefinition, 0)

	for rows.Next() {
		var (
			id   string
			data []byte
		)

		err := rows.Scan(&id, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flow, err := decodeFlow(id, data)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func decodeFlow(id string, data []byte) (*models.FlowDefinition, error) {
	var flow models.FlowDefinition

	err := json.Unmarshal(data, &flow)
	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, fmt.Errorf("failed to unmarshal flow: %w", err))
	}

	return &flow, nil
}
