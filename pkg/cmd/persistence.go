package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/persistence/file"
	"github.com/dukex/operion-engine/pkg/persistence/memory"
	"github.com/dukex/operion-engine/pkg/persistence/postgresql"
	"github.com/dukex/operion-engine/pkg/persistence/redis"
)

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

// NewPersistence opens the store named by databaseURL. When leaseURL is set,
// leases are served by Redis instead of the state store.
//nolint:ireturn // the concrete store depends on the url scheme
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, leaseURL string) (persistence.Persistence, error) {
	store, err := newStateStore(ctx, logger, databaseURL)
	if err != nil {
		return nil, err
	}

	if leaseURL == "" {
		return store, nil
	}

	leases, err := redis.NewLeaseStoreFromURL(ctx, leaseURL)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	logger.InfoContext(ctx, "Serving leases from redis")

	return persistence.WithLeaseStore(store, leases), nil
}

//nolint:ireturn // the concrete store depends on the url scheme
func newStateStore(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "Opening persistence", "provider", provider)

	switch provider {
	case "memory":
		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file":
		return file.NewPersistence(databaseURL), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPersistence, provider)
	}
}

// parsePersistenceProvider returns the url scheme. A bare path means the
// file store.
func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
