package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/mocks"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/persistence/memory"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type executorFunc func(ctx context.Context, state *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error)

func (f executorFunc) Execute(ctx context.Context, state *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error) {
	return f(ctx, state)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(worker string) Config {
	cfg := DefaultConfig(worker)
	cfg.PartitionCount = 8
	cfg.LeaseTTL = 10 * time.Second
	cfg.ClaimTimeout = time.Minute

	return cfg
}

func workflowExecutor(c clock.Clock) *workflow.Executor {
	reg := registry.NewRegistry(testLogger())
	reg.RegisterDefaultSteps()

	return workflow.NewExecutor(testLogger(), reg, workflow.WithClock(c))
}

func newScheduler(t *testing.T, worker string, store *memory.Persistence, c *clock.Fake, executor Executor, opts ...Option) *Scheduler {
	t.Helper()

	opts = append([]Option{WithClock(c)}, opts...)

	s, err := New(testConfig(worker), testLogger(), store, executor, opts...)
	require.NoError(t, err)

	return s
}

func delayFlow() *models.FlowDefinition {
	return &models.FlowDefinition{ID: "delay", Name: "delay", Entry: "A", Steps: map[string]*models.StepDefinition{
		"A": {ID: "A", Type: "pass", Transitions: []models.Transition{{To: "B"}}},
		"B": {ID: "B", Type: "delay", Config: map[string]any{"duration": "5s"}, Transitions: []models.Transition{{To: "C"}}},
		"C": {ID: "C", Type: "pass"},
	}}
}

func passFlow() *models.FlowDefinition {
	return &models.FlowDefinition{ID: "pass", Name: "pass", Entry: "A", Steps: map[string]*models.StepDefinition{
		"A": {ID: "A", Type: "pass"},
	}}
}

func createInstance(t *testing.T, store *memory.Persistence, def *models.FlowDefinition, due time.Time) *models.ExecutionState {
	t.Helper()

	state := models.NewExecutionState(uuid.NewString(), def, nil, due)
	require.NoError(t, store.Create(context.Background(), state))

	return state
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig("w").Validate())

	cfg := DefaultConfig("")
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("w")
	cfg.PartitionCount = 0
	_, err := New(cfg, testLogger(), memory.NewPersistence(), nil)
	assert.Error(t, err)
}

func TestPartition_Deterministic(t *testing.T) {
	for _, id := range []string{"a", "b", uuid.NewString()} {
		assert.Equal(t, Partition(id, 8), Partition(id, 8))
		assert.Equal(t, models.Partition(id, 8), Partition(id, 8))
	}
}

func TestScheduler_RunsInstanceThroughDelay(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	instance := createInstance(t, store, delayFlow(), start)

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, instance.ID, mocks.EventOfType(events.InstanceWaitingEvent)).Return(nil).Once()
	bus.On("Publish", mock.Anything, instance.ID, mocks.EventOfType(events.InstanceCompletedEvent)).Return(nil).Once()

	s := newScheduler(t, "worker-1", store, c, workflowExecutor(c), WithPublisher(bus))

	require.NoError(t, s.Tick(ctx))

	state, err := store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, state.Status)
	assert.Equal(t, "B", state.CurrentStep)
	assert.Empty(t, state.ClaimedBy)
	assert.Equal(t, int64(3), state.Version, "create, claim, save")

	require.NoError(t, s.Tick(ctx))

	state, err = store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, state.Status, "not due yet")
	assert.Equal(t, int64(3), state.Version)

	c.Advance(5 * time.Second)
	require.NoError(t, s.Tick(ctx))

	state, err = store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, 1, state.History["B"].Attempts)

	bus.AssertExpectations(t)
}

func TestScheduler_ClaimConflict(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	instance := createInstance(t, store, passFlow(), start)

	a := newScheduler(t, "worker-a", store, c, nil)
	b := newScheduler(t, "worker-b", store, c, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, ok, err := s.claim(ctx, instance.ID)
			assert.NoError(t, err)

			if ok {
				mu.Lock()
				winners = append(winners, claimed.ClaimedBy)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	require.Len(t, winners, 1)

	stored, err := store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.ClaimedBy)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.Equal(t, start.Add(time.Minute), stored.NextDueAt)
	assert.Equal(t, int64(2), stored.Version)
}

func TestScheduler_ClaimSkipsTerminalAndFutureInstances(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	s := newScheduler(t, "worker-1", store, c, nil)

	future := createInstance(t, store, passFlow(), start.Add(time.Hour))

	done := createInstance(t, store, passFlow(), start)
	done.Status = models.ExecutionStatusCompleted
	require.NoError(t, store.Save(ctx, done, done.Version))

	for _, id := range []string{future.ID, done.ID, "missing"} {
		_, ok, err := s.claim(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
}

func TestScheduler_PartitionsSplitBetweenWorkers(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	executor := workflowExecutor(c)

	a := newScheduler(t, "worker-a", store, c, executor)
	b := newScheduler(t, "worker-b", store, c, executor)

	instances := make([]*models.ExecutionState, 0, 20)
	for range 20 {
		instances = append(instances, createInstance(t, store, passFlow(), start))
	}

	for range 2 {
		require.NoError(t, a.Tick(ctx))
		require.NoError(t, b.Tick(ctx))
	}

	ring := rendezvous.New([]string{"worker-a", "worker-b"}, xxhash.Sum64String)
	seen := map[int]string{}

	for worker, s := range map[string]*Scheduler{"worker-a": a, "worker-b": b} {
		for _, p := range s.Owned() {
			_, taken := seen[p]
			assert.False(t, taken, "partition %d owned twice", p)

			seen[p] = worker
			assert.Equal(t, ring.Lookup(partitionName(p)), worker, "partition %d", p)
		}
	}

	assert.Len(t, seen, 8)

	for _, instance := range instances {
		state, err := store.Load(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	}
}

func TestScheduler_LeaseLossDiscardsResult(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	instance := createInstance(t, store, passFlow(), start)
	partition := Partition(instance.ID, 8)

	stealing := executorFunc(func(ctx context.Context, state *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error) {
		c.Advance(11 * time.Second)

		_, acquired, err := store.Acquire(ctx, models.PartitionLeaseKey(partition), "intruder", time.Minute)
		assert.NoError(t, err)
		assert.True(t, acquired)

		next := state.Clone()
		next.Status = models.ExecutionStatusCompleted

		return next, workflow.OutcomeCompleted, nil
	})

	s := newScheduler(t, "worker-1", store, c, stealing)
	require.NoError(t, s.Tick(ctx))

	stored, err := store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status, "result must not be persisted")
	assert.Equal(t, "worker-1", stored.ClaimedBy)
	assert.Equal(t, int64(2), stored.Version)
	assert.NotContains(t, s.Owned(), partition)
}

func TestScheduler_ConcurrentWriteRequeuesInstance(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	instance := createInstance(t, store, passFlow(), start)

	cancelling := executorFunc(func(ctx context.Context, state *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error) {
		current, err := store.Load(ctx, state.ID)
		if !assert.NoError(t, err) {
			return nil, "", err
		}

		current.CancelRequested = true
		assert.NoError(t, store.Save(ctx, current, current.Version))

		next := state.Clone()
		next.Status = models.ExecutionStatusCompleted

		return next, workflow.OutcomeCompleted, nil
	})

	s := newScheduler(t, "worker-1", store, c, cancelling)
	require.NoError(t, s.Tick(ctx))

	stored, err := store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.True(t, stored.CancelRequested)
	assert.Empty(t, stored.ClaimedBy)
	assert.Equal(t, start, stored.NextDueAt)

	// the flag is honoured on the next tick, not after the claim expires
	s.executor = workflowExecutor(c)
	require.NoError(t, s.Tick(ctx))

	stored, err = store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
}

func TestScheduler_AbandonedExecutionKeepsClaim(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	instance := createInstance(t, store, passFlow(), start)

	failing := executorFunc(func(context.Context, *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error) {
		return nil, "", context.Canceled
	})

	s := newScheduler(t, "worker-1", store, c, failing)
	require.NoError(t, s.Tick(ctx))

	stored, err := store.Load(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), stored.NextDueAt)
}

func TestScheduler_RunReleasesLeasesOnShutdown(t *testing.T) {
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	s := newScheduler(t, "worker-1", store, c, workflowExecutor(c))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Run(ctx))

	leases, err := store.Leases(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, leases)
	assert.Empty(t, s.Owned())
}

func TestScheduler_HeartbeatFailureFailsTick(t *testing.T) {
	c := clock.NewFake(start)
	leases := &mocks.MockLeaseStore{}
	leases.On("Acquire", mock.Anything, models.MemberLeaseKey("worker-1"), "worker-1", mock.Anything).
		Return(models.Lease{}, false, errors.New("redis unavailable"))

	s, err := New(testConfig("worker-1"), testLogger(), persistence.WithLeaseStore(memory.NewPersistence(), leases), workflowExecutor(c), WithClock(c))
	require.NoError(t, err)

	err = s.Tick(context.Background())
	require.ErrorContains(t, err, "failed to heartbeat")
	assert.Empty(t, s.Owned())

	leases.AssertExpectations(t)
}

func TestScheduler_ForeignPartitionLeasesAreSkipped(t *testing.T) {
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))
	createInstance(t, store, passFlow(), start)

	isPartition := mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, models.PartitionLeasePrefix)
	})

	leases := &mocks.MockLeaseStore{}
	leases.On("Acquire", mock.Anything, models.MemberLeaseKey("worker-1"), "worker-1", mock.Anything).
		Return(models.Lease{Key: models.MemberLeaseKey("worker-1"), Owner: "worker-1", ExpiresAt: start.Add(10 * time.Second)}, true, nil)
	leases.On("Leases", mock.Anything, models.MemberLeasePrefix).
		Return([]models.Lease{{Key: models.MemberLeaseKey("worker-1"), Owner: "worker-1", ExpiresAt: start.Add(10 * time.Second)}}, nil)
	// a previous incarnation still holds every partition
	leases.On("Acquire", mock.Anything, isPartition, "worker-1", mock.Anything).
		Return(models.Lease{}, false, nil).Times(8)

	executed := false
	executor := executorFunc(func(context.Context, *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error) {
		executed = true

		return nil, "", nil
	})

	s, err := New(testConfig("worker-1"), testLogger(), persistence.WithLeaseStore(store, leases), executor, WithClock(c))
	require.NoError(t, err)

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, s.Owned())
	assert.False(t, executed)

	leases.AssertExpectations(t)
}
