package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/operion-engine/pkg/persistence/persistencetest"
	leaseredis "github.com/dukex/operion-engine/pkg/persistence/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *leaseredis.LeaseStore {
	t.Helper()

	if testing.Short() {
		t.Skip("redis container tests are skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store := leaseredis.NewLeaseStore(redis.NewClient(&redis.Options{Addr: endpoint}), "test:lease:")

	t.Cleanup(func() {
		require.NoError(t, store.Close(context.Background()))
	})

	return store
}

func TestLeaseStore(t *testing.T) {
	store := setupRedis(t)

	persistencetest.RunLeases(t, store, time.Sleep)
}
