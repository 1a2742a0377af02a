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
	"github.com/lib/pq"
)

var terminalStatuses = pq.Array([]string{
	string(models.ExecutionStatusCompleted),
	string(models.ExecutionStatusFailed),
	string(models.ExecutionStatusCancelled),
})

// InstanceRepository stores execution state as a JSONB document next to the
// columns the scheduler filters on.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock
}

func NewInstanceRepository(db *sql.DB, logger *slog.Logger, c clock.Clock) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger, clock: c}
}

func (p *Persistence) Create(ctx context.Context, state *models.ExecutionState) error {
	return p.instances.Save(ctx, state, 0)
}

func (p *Persistence) Load(ctx context.Context, id string) (*models.ExecutionState, error) {
	return p.instances.Load(ctx, id)
}

func (p *Persistence) Save(ctx context.Context, state *models.ExecutionState, expectedVersion int64) error {
	return p.instances.Save(ctx, state, expectedVersion)
}

func (p *Persistence) QueryDue(ctx context.Context, query persistence.DueQuery) ([]string, error) {
	return p.instances.QueryDue(ctx, query)
}

func (r *InstanceRepository) Load(ctx context.Context, id string) (*models.ExecutionState, error) {
	var (
		data    []byte
		version int64
	)

	err := r.db.QueryRowContext(ctx, `SELECT state, version FROM instances WHERE id = $1`, id).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("Load", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("Load", id, err)
	}

	var state models.ExecutionState

	err = json.Unmarshal(data, &state)
	if err != nil {
		return nil, persistence.NewInstanceError("Load", id, fmt.Errorf("failed to unmarshal state: %w", err))
	}

	state.Version = version

	return &state, nil
}

func (r *InstanceRepository) Save(ctx context.Context, state *models.ExecutionState, expectedVersion int64) error {
	record := *state
	record.Version = expectedVersion + 1

	data, err := json.Marshal(&record)
	if err != nil {
		return persistence.NewInstanceError("Save", state.ID, fmt.Errorf("failed to marshal state: %w", err))
	}

	now := r.clock.Now()

	var result sql.Result

	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO instances (id, flow_id, status, partition_hash, next_due_at, version, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (id) DO NOTHING
		`, state.ID, state.FlowID, state.Status, models.PartitionHash(state.ID), state.NextDueAt, record.Version, data, now)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE instances
			SET status = $3, next_due_at = $4, version = $5, state = $6, updated_at = $7
			WHERE id = $1 AND version = $2 AND NOT (status = ANY($8))
		`, state.ID, expectedVersion, state.Status, state.NextDueAt, record.Version, data, now, terminalStatuses)
	}

	if err != nil {
		return persistence.NewInstanceError("Save", state.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("Save", state.ID, err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Save", state.ID, r.rejection(ctx, state.ID, expectedVersion))
	}

	state.Version = record.Version

	return nil
}

// rejection explains why a conditional write matched no row.
func (r *InstanceRepository) rejection(ctx context.Context, id string, expectedVersion int64) error {
	if expectedVersion == 0 {
		return persistence.ErrConcurrencyConflict
	}

	var status models.ExecutionStatus

	err := r.db.QueryRowContext(ctx, `SELECT status FROM instances WHERE id = $1`, id).Scan(&status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return persistence.ErrInstanceNotFound
	case err != nil:
		return err
	case status.IsTerminal():
		return persistence.ErrTerminalState
	default:
		return persistence.ErrConcurrencyConflict
	}
}

func (r *InstanceRepository) QueryDue(ctx context.Context, query persistence.DueQuery) ([]string, error) {
	sqlQuery := `SELECT id FROM instances WHERE NOT (status = ANY($1)) AND next_due_at <= $2`
	args := []any{terminalStatuses, query.Now}

	if query.Partitions != nil {
		if query.PartitionCount <= 1 {
			if !containsZero(query.Partitions) {
				return []string{}, nil
			}
		} else {
			partitions := make([]int64, len(query.Partitions))
			for i, p := range query.Partitions {
				partitions[i] = int64(p)
			}

			sqlQuery += ` AND (partition_hash % $3) = ANY($4)`
			args = append(args, query.PartitionCount, pq.Array(partitions))
		}
	}

	sqlQuery += ` ORDER BY next_due_at, id`

	if query.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	ids := make([]string, 0)

	for rows.Next() {
		var id string

		err := rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}

		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating due instances: %w", err)
	}

	return ids, nil
}

func containsZero(partitions []int) bool {
	for _, p := range partitions {
		if p == 0 {
			return true
		}
	}

	return false
}
