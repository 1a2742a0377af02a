// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

type Option func(*Persistence)

// WithClock sets the clock used for lease expiry and record timestamps.
func WithClock(c clock.Clock) Option {
	return func(p *Persistence) {
		p.clock = c
	}
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock

	instances *InstanceRepository
	flows     *FlowRepository
	cron      *CronRepository
	leases    *LeaseRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and migrates the
// schema to the latest version.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, opts ...Option) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	postgres := &Persistence{
		db:     database,
		logger: logger,
		clock:  clock.System{},
	}

	for _, opt := range opts {
		opt(postgres)
	}

	postgres.instances = NewInstanceRepository(database, logger, postgres.clock)
	postgres.flows = NewFlowRepository(database, logger, postgres.clock)
	postgres.cron = NewCronRepository(database, logger, postgres.clock)
	postgres.leases = NewLeaseRepository(database, logger, postgres.clock)

	// Run migrations on initialization
	err = sqlbase.NewMigrationManager(logger, database, migrations()).RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
