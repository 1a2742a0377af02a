package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
)

// CronRepository stores cron entries with optimistic concurrency.
type CronRepository struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock
}

func NewCronRepository(db *sql.DB, logger *slog.Logger, c clock.Clock) *CronRepository {
	return &CronRepository{db: db, logger: logger, clock: c}
}

func (p *Persistence) CronEntry(ctx context.Context, id string) (*models.CronJobEntry, error) {
	return p.cron.GetByID(ctx, id)
}

func (p *Persistence) SaveCron(ctx context.Context, entry *models.CronJobEntry, expectedVersion int64) error {
	return p.cron.Save(ctx, entry, expectedVersion)
}

func (p *Persistence) ListDueCron(ctx context.Context, now time.Time) ([]*models.CronJobEntry, error) {
	return p.cron.list(ctx, `WHERE active AND next_due_at <= $1`, now)
}

func (p *Persistence) CronEntries(ctx context.Context) ([]*models.CronJobEntry, error) {
	return p.cron.list(ctx, "")
}

func (r *CronRepository) GetByID(ctx context.Context, id string) (*models.CronJobEntry, error) {
	var (
		data    []byte
		version int64
	)

	err := r.db.QueryRowContext(ctx, `SELECT entry, version FROM cron_entries WHERE id = $1`, id).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewCronError("CronEntry", id, persistence.ErrCronEntryNotFound)
		}

		return nil, persistence.NewCronError("CronEntry", id, err)
	}

	return decodeCron(id, data, version)
}

func (r *CronRepository) Save(ctx context.Context, entry *models.CronJobEntry, expectedVersion int64) error {
	record := *entry
	record.Version = expectedVersion + 1

	data, err := json.Marshal(&record)
	if err != nil {
		return persistence.NewCronError("SaveCron", entry.ID, fmt.Errorf("failed to marshal cron entry: %w", err))
	}

	now := r.clock.Now()

	var result sql.Result

	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO cron_entries (id, flow_id, active, next_due_at, version, entry, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, entry.ID, entry.FlowID, entry.Active, entry.NextDueAt, record.Version, data, now)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE cron_entries
			SET flow_id = $3, active = $4, next_due_at = $5, version = $6, entry = $7, updated_at = $8
			WHERE id = $1 AND version = $2
		`, entry.ID, expectedVersion, entry.FlowID, entry.Active, entry.NextDueAt, record.Version, data, now)
	}

	if err != nil {
		return persistence.NewCronError("SaveCron", entry.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewCronError("SaveCron", entry.ID, err)
	}

	if affected == 0 {
		if expectedVersion == 0 {
			return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrConcurrencyConflict)
		}

		var exists bool

		err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cron_entries WHERE id = $1)`, entry.ID).Scan(&exists)
		if err != nil {
			return persistence.NewCronError("SaveCron", entry.ID, err)
		}

		if !exists {
			return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrCronEntryNotFound)
		}

		return persistence.NewCronError("SaveCron", entry.ID, persistence.ErrConcurrencyConflict)
	}

	entry.Version = record.Version

	return nil
}

func (r *CronRepository) list(ctx context.Context, where string, args ...any) ([]*models.CronJobEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, entry, version FROM cron_entries `+where+` ORDER BY next_due_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cron entries: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.CronJobEntry, 0)

	for rows.Next() {
		var (
			id      string
			data    []byte
			version int64
		)

		err := rows.Scan(&id, &data, &version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron entry: %w", err)
		}

		entry, err := decodeCron(id, data, version)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating cron entries: %w", err)
	}

	return entries, nil
}

func decodeCron(id string, data []byte, version int64) (*models.CronJobEntry, error) {
	var entry models.CronJobEntry

	err := json.Unmarshal(data, &entry)
	if err != nil {
		return nil, persistence.NewCronError("CronEntry", id, fmt.Errorf("failed to unmarshal cron entry: %w", err))
	}

	entry.Version = version

	return &entry, nil
}
