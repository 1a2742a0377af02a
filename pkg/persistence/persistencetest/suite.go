// Package persistencetest holds the behavioural tests every persistence
// implementation must pass.
package persistencetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Start is the initial time of the fake clock handed to store factories.
var Start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Factory returns a fresh, empty store whose lease expiry follows c.
type Factory func(t *testing.T, c *clock.Fake) persistence.Persistence

// Flow returns a small valid definition.
func Flow(id string) *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:    id,
		Name:  "flow " + id,
		Entry: "A",
		Steps: map[string]*models.StepDefinition{
			"A": {ID: "A", Type: "pass", Transitions: []models.Transition{{To: "B"}}},
			"B": {ID: "B", Type: "pass"},
		},
		CreatedAt: Start,
	}
}

// Instance returns a new Scheduled instance of Flow("f") due at due.
func Instance(due time.Time) *models.ExecutionState {
	state := models.NewExecutionState(uuid.NewString(), Flow("f"), map[string]any{"n": 1}, Start)
	state.NextDueAt = due

	return state
}

// Run executes the full suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("instances", func(t *testing.T) { testInstances(t, factory) })
	t.Run("concurrent claim", func(t *testing.T) { testConcurrentClaim(t, factory) })
	t.Run("terminal state", func(t *testing.T) { testTerminalState(t, factory) })
	t.Run("query due", func(t *testing.T) { testQueryDue(t, factory) })
	t.Run("flows", func(t *testing.T) { testFlows(t, factory) })
	t.Run("cron entries", func(t *testing.T) { testCron(t, factory) })
	t.Run("leases", func(t *testing.T) {
		fake := clock.NewFake(Start)
		RunLeases(t, factory(t, fake), fake.Advance)
	})
}

func testInstances(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, clock.NewFake(Start))

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
	assert.True(t, persistence.IsNotFound(err))

	state := Instance(Start)
	require.NoError(t, store.Create(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	assert.ErrorIs(t, store.Create(ctx, state), models.ErrConcurrencyConflict)

	loaded, err := store.Load(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ID, loaded.ID)
	assert.Equal(t, "f", loaded.FlowID)
	assert.Equal(t, models.ExecutionStatusScheduled, loaded.Status)
	assert.Equal(t, int64(1), loaded.Version)
	assert.EqualValues(t, 1, loaded.Context["n"])
	assert.Equal(t, "A", loaded.Definition.Entry)
	assert.True(t, Start.Equal(loaded.NextDueAt))

	loaded.Status = models.ExecutionStatusRunning
	loaded.Context["n"] = 2
	require.NoError(t, store.Save(ctx, loaded, 1))
	assert.Equal(t, int64(2), loaded.Version)

	// stale writer
	state.Status = models.ExecutionStatusWaiting
	assert.ErrorIs(t, store.Save(ctx, state, 1), models.ErrConcurrencyConflict)

	reloaded, err := store.Load(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, reloaded.Status)
	assert.EqualValues(t, 2, reloaded.Context["n"])

	assert.ErrorIs(t, store.Save(ctx, Instance(Start), 3), models.ErrNotFound)
}

func testConcurrentClaim(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, clock.NewFake(Start))

	state := Instance(Start)
	require.NoError(t, store.Create(ctx, state))

	const writers = 2

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claim, err := store.Load(ctx, state.ID)
			if err != nil {
				return
			}

			claim.Status = models.ExecutionStatusRunning
			claim.ClaimedBy = []string{"worker-a", "worker-b"}[i]

			err = store.Save(ctx, claim, 1)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, models.ErrConcurrencyConflict):
				conflicts++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicts)
}

func testTerminalState(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, clock.NewFake(Start))

	state := Instance(Start)
	require.NoError(t, store.Create(ctx, state))

	state.Status = models.ExecutionStatusCompleted
	require.NoError(t, store.Save(ctx, state, state.Version))

	state.Status = models.ExecutionStatusRunning
	assert.ErrorIs(t, store.Save(ctx, state, state.Version), models.ErrTerminalState)
}

func testQueryDue(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, clock.NewFake(Start))

	late := Instance(Start.Add(-time.Minute))
	early := Instance(Start.Add(-time.Hour))
	future := Instance(Start.Add(time.Hour))
	done := Instance(Start.Add(-2 * time.Hour))
	done.Status = models.ExecutionStatusCompleted

	for _, s := range []*models.ExecutionState{late, early, future, done} {
		require.NoError(t, store.Create(ctx, s))
	}

	ids, err := store.QueryDue(ctx, persistence.DueQuery{Now: Start})
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, ids)

	ids, err = store.QueryDue(ctx, persistence.DueQuery{Now: Start, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID}, ids)

	const count = 4

	found := make([]string, 0)

	for p := range count {
		ids, err := store.QueryDue(ctx, persistence.DueQuery{Now: Start, Partitions: []int{p}, PartitionCount: count})
		require.NoError(t, err)

		for _, id := range ids {
			assert.Equal(t, p, models.Partition(id, count))
		}

		found = append(found, ids...)
	}

	assert.ElementsMatch(t, []string{early.ID, late.ID}, found)

	ids, err = store.QueryDue(ctx, persistence.DueQuery{Now: Start, Partitions: []int{}, PartitionCount: count})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testFlows(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, clock.NewFake(Start))

	_, err := store.FlowByID(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)

	require.NoError(t, store.SaveFlow(ctx, Flow("b")))
	require.NoError(t, store.SaveFlow(ctx, Flow("a")))

	updated := Flow("a")
	updated.Version = 2
	require.NoError(t, store.SaveFlow(ctx, updated))

	flow, err := store.FlowByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, flow.Version)
	assert.Equal(t, "B", flow.Steps["A"].Transitions[0].To)

	flows, err := store.Flows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "a", flows[0].ID)
	assert.Equal(t, "b", flows[1].ID)
}

func testCron(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, clock.NewFake(Start))

	_, err := store.CronEntry(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrCronEntryNotFound)

	due := &models.CronJobEntry{
		ID: "due", CronExpression: "@hourly", FlowID: "f", Active: true,
		NextDueAt: Start.Add(-time.Minute), Input: map[string]any{"k": "v"},
	}
	later := &models.CronJobEntry{ID: "later", CronExpression: "@daily", FlowID: "f", Active: true, NextDueAt: Start.Add(time.Hour)}
	inactive := &models.CronJobEntry{ID: "inactive", CronExpression: "@hourly", FlowID: "f", NextDueAt: Start.Add(-time.Hour)}

	for _, e := range []*models.CronJobEntry{due, later, inactive} {
		require.NoError(t, store.SaveCron(ctx, e, 0))
		assert.Equal(t, int64(1), e.Version)
	}

	entries, err := store.ListDueCron(ctx, Start)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "due", entries[0].ID)
	assert.Equal(t, "v", entries[0].Input["k"])

	all, err := store.CronEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	first, err := store.CronEntry(ctx, "due")
	require.NoError(t, err)

	second, err := store.CronEntry(ctx, "due")
	require.NoError(t, err)

	expires := Start.Add(time.Minute)
	first.LeaseOwner = "node-a"
	first.LeaseExpiresAt = &expires
	require.NoError(t, store.SaveCron(ctx, first, 1))

	second.LeaseOwner = "node-b"
	assert.ErrorIs(t, store.SaveCron(ctx, second, 1), models.ErrConcurrencyConflict)

	stored, err := store.CronEntry(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, "node-a", stored.LeaseOwner)
	assert.Equal(t, int64(2), stored.Version)
}

// RunLeases exercises a LeaseStore. advance must move the store's notion of
// time forward.
func RunLeases(t *testing.T, store persistence.LeaseStore, advance func(time.Duration)) {
	t.Helper()

	ctx := context.Background()
	ttl := 2 * time.Second

	lease, ok, err := store.Acquire(ctx, "partition/1", "worker-a", ttl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker-a", lease.Owner)

	_, ok, err = store.Acquire(ctx, "partition/1", "worker-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be stolen")

	_, ok, err = store.Acquire(ctx, "partition/1", "worker-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "owner may re-acquire")

	_, err = store.Renew(ctx, "partition/1", "worker-b", ttl)
	assert.ErrorIs(t, err, models.ErrLeaseLost)

	_, err = store.Renew(ctx, "partition/1", "worker-a", ttl)
	require.NoError(t, err)

	_, _, err = store.Acquire(ctx, "member/worker-a", "worker-a", ttl)
	require.NoError(t, err)

	leases, err := store.Leases(ctx, "partition/")
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "partition/1", leases[0].Key)

	advance(ttl + time.Second)

	_, err = store.Renew(ctx, "partition/1", "worker-a", ttl)
	assert.ErrorIs(t, err, models.ErrLeaseLost, "expired lease cannot be renewed")

	leases, err = store.Leases(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, leases)

	_, ok, err = store.Acquire(ctx, "partition/1", "worker-b", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")

	require.NoError(t, store.Release(ctx, "partition/1", "worker-a"))

	leases, err = store.Leases(ctx, "partition/")
	require.NoError(t, err)
	require.Len(t, leases, 1, "release by non-owner is a no-op")
	assert.Equal(t, "worker-b", leases[0].Owner)

	require.NoError(t, store.Release(ctx, "partition/1", "worker-b"))

	leases, err = store.Leases(ctx, "partition/")
	require.NoError(t, err)
	assert.Empty(t, leases)
}
