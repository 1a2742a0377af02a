// Package scheduler claims due instances from the partitions this worker
// holds leases for and drives them through the executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/otelhelper"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// maxClaimRetries bounds the re-read loop when a claim loses a version race.
const maxClaimRetries = 3

// Executor advances one instance by one invocation.
type Executor interface {
	Execute(ctx context.Context, state *models.ExecutionState) (*models.ExecutionState, workflow.Outcome, error)
}

type Config struct {
	WorkerID       string        `validate:"required"`
	PartitionCount int           `validate:"min=1"`
	LeaseTTL       time.Duration `validate:"gt=0"`
	PollInterval   time.Duration `validate:"gt=0"`
	BatchSize      int           `validate:"min=1"`
	Concurrency    int           `validate:"min=1"`

	// ClaimTimeout is how long a claimed instance stays invisible to other
	// workers. A worker that dies mid-invocation delays the instance by at
	// most this long.
	ClaimTimeout time.Duration `validate:"gt=0"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:       workerID,
		PartitionCount: 16,
		LeaseTTL:       15 * time.Second,
		PollInterval:   time.Second,
		BatchSize:      50,
		Concurrency:    4,
		ClaimTimeout:   5 * time.Minute,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = otelhelper.OrNoop(tracer)
	}
}

// WithPublisher makes the scheduler publish a lifecycle event after every
// persisted invocation.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

type Scheduler struct {
	config    Config
	logger    *slog.Logger
	store     persistence.Persistence
	executor  Executor
	clock     clock.Clock
	tracer    trace.Tracer
	publisher eventbus.EventPublisher

	mu    sync.Mutex
	owned map[int]struct{}

	inFlight sync.Map
}

func New(config Config, logger *slog.Logger, store persistence.Persistence, executor Executor, opts ...Option) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	s := &Scheduler{
		config: config,
		logger: logger.With(
			slog.String("module", "scheduler"),
			slog.String("worker_id", config.WorkerID),
		),
		store:    store,
		executor: executor,
		clock:    clock.System{},
		tracer:   otelhelper.NoopTracer(),
		owned:    make(map[int]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Partition maps an instance id to its partition.
func Partition(id string, count int) int {
	return models.Partition(id, count)
}

// Run ticks every PollInterval until ctx is cancelled, then releases the
// leases it holds.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Scheduler started",
		"partitions", s.config.PartitionCount,
		"poll_interval", s.config.PollInterval,
	)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.shutdown()

			return nil
		case <-ticker.C:
		}
	}
}

// Tick refreshes membership and partition leases, then processes the due
// instances of every owned partition.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.tick",
		attribute.String(otelhelper.WorkerIDKey, s.config.WorkerID),
	)
	defer span.End()

	if err := s.rebalance(ctx); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	owned := s.Owned()
	span.SetAttributes(attribute.Int("operion.partitions.owned", len(owned)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.config.Concurrency)

	for _, p := range owned {
		group.Go(func() error {
			return s.processPartition(groupCtx, p)
		})
	}

	if err := group.Wait(); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// Owned returns the partitions this worker currently holds, sorted.
func (s *Scheduler) Owned() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make([]int, 0, len(s.owned))
	for p := range s.owned {
		owned = append(owned, p)
	}

	slices.Sort(owned)

	return owned
}

func (s *Scheduler) owns(p int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.owned[p]

	return ok
}

func (s *Scheduler) setOwned(p int, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owned {
		s.owned[p] = struct{}{}
	} else {
		delete(s.owned, p)
	}
}

// rebalance heartbeats this worker, works out which partitions it should own
// among the live members and moves partition leases accordingly.
func (s *Scheduler) rebalance(ctx context.Context) error {
	worker := s.config.WorkerID

	_, acquired, err := s.store.Acquire(ctx, models.MemberLeaseKey(worker), worker, s.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}

	if !acquired {
		s.logger.WarnContext(ctx, "Member lease is held by another process with the same worker id")
	}

	members, err := s.members(ctx)
	if err != nil {
		return err
	}

	ring := rendezvous.New(members, xxhash.Sum64String)

	for p := range s.config.PartitionCount {
		preferred := ring.Lookup(partitionName(p)) == worker
		key := models.PartitionLeaseKey(p)

		if !preferred {
			if s.owns(p) {
				s.setOwned(p, false)

				if err := s.store.Release(ctx, key, worker); err != nil {
					s.logger.WarnContext(ctx, "Failed to release partition lease", "partition", p, "error", err)
				} else {
					s.logger.InfoContext(ctx, "Partition handed over", "partition", p)
				}
			}

			continue
		}

		if s.owns(p) {
			if _, err := s.store.Renew(ctx, key, worker, s.config.LeaseTTL); err == nil {
				continue
			}

			s.setOwned(p, false)
			s.logger.WarnContext(ctx, "Partition lease lost", "partition", p)
		}

		_, ok, err := s.store.Acquire(ctx, key, worker, s.config.LeaseTTL)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to acquire partition lease", "partition", p, "error", err)

			continue
		}

		if ok {
			s.setOwned(p, true)
			s.logger.InfoContext(ctx, "Partition acquired", "partition", p)
		}
	}

	return nil
}

func (s *Scheduler) members(ctx context.Context) ([]string, error) {
	leases, err := s.store.Leases(ctx, models.MemberLeasePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	members := make([]string, 0, len(leases)+1)
	for _, l := range leases {
		members = append(members, l.Owner)
	}

	if !slices.Contains(members, s.config.WorkerID) {
		members = append(members, s.config.WorkerID)
	}

	slices.Sort(members)

	return slices.Compact(members), nil
}

// processPartition runs the due instances of partition p one after another.
// Failures of single instances are logged and do not stop the batch.
func (s *Scheduler) processPartition(ctx context.Context, p int) error {
	ids, err := s.store.QueryDue(ctx, persistence.DueQuery{
		Now:            s.clock.Now(),
		Partitions:     []int{p},
		PartitionCount: s.config.PartitionCount,
		Limit:          s.config.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("partition %d: %w", p, err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}

		err := s.process(ctx, p, id)

		switch {
		case err == nil:
		case errors.Is(err, persistence.ErrLeaseLost):
			s.logger.WarnContext(ctx, "Stopping partition after lease loss", "partition", p, "instance_id", id)

			return nil
		default:
			s.logger.ErrorContext(ctx, "Failed to process instance", "partition", p, "instance_id", id, "error", err)
		}
	}

	return nil
}

// process claims, executes and persists one instance.
func (s *Scheduler) process(ctx context.Context, p int, id string) error {
	if _, busy := s.inFlight.LoadOrStore(id, struct{}{}); busy {
		return nil
	}
	defer s.inFlight.Delete(id)

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.instance",
		attribute.String(otelhelper.InstanceIDKey, id),
		attribute.Int(otelhelper.PartitionKey, p),
	)
	defer span.End()

	claimed, ok, err := s.claim(ctx, id)
	if err != nil || !ok {
		return err
	}

	logger := s.logger.With(slog.String("instance_id", id), slog.Int("partition", p))

	next, outcome, err := s.executor.Execute(ctx, claimed)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("execution abandoned: %w", err)
	}

	if _, err := s.store.Renew(ctx, models.PartitionLeaseKey(p), s.config.WorkerID, s.config.LeaseTTL); err != nil {
		s.setOwned(p, false)
		logger.WarnContext(ctx, "Discarding result, partition lease lost", "error", err)

		return fmt.Errorf("partition %d: %w", p, persistence.ErrLeaseLost)
	}

	next.ClaimedBy = ""

	if err := s.store.Save(ctx, next, claimed.Version); err != nil {
		if persistence.IsConflict(err) || errors.Is(err, persistence.ErrTerminalState) {
			logger.WarnContext(ctx, "Discarding result, instance changed during execution", "error", err)

			return s.requeue(ctx, id)
		}

		return err
	}

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(next.Status)))
	logger.DebugContext(ctx, "Invocation persisted", "outcome", outcome, "version", next.Version)

	s.publish(ctx, next)

	return nil
}

// claim marks id Running and owned by this worker with a version-checked
// save. ok is false when the instance is no longer due, finished, or was
// claimed by someone else first.
func (s *Scheduler) claim(ctx context.Context, id string) (*models.ExecutionState, bool, error) {
	for attempt := 0; ; attempt++ {
		state, err := s.store.Load(ctx, id)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, false, nil
			}

			return nil, false, err
		}

		now := s.clock.Now()
		if !state.IsDue(now) {
			return nil, false, nil
		}

		version := state.Version
		state.Status = models.ExecutionStatusRunning
		state.ClaimedBy = s.config.WorkerID
		state.NextDueAt = now.Add(s.config.ClaimTimeout)
		state.UpdatedAt = now

		err = s.store.Save(ctx, state, version)
		if err == nil {
			return state, true, nil
		}

		if !persistence.IsConflict(err) || attempt >= maxClaimRetries {
			if persistence.IsConflict(err) || errors.Is(err, persistence.ErrTerminalState) {
				return nil, false, nil
			}

			return nil, false, err
		}
	}
}

// requeue re-reads an instance whose result was discarded and, while this
// worker still holds the claim, makes it due at once so the concurrent
// change (usually a cancel request) is acted on by the next tick.
func (s *Scheduler) requeue(ctx context.Context, id string) error {
	for attempt := 0; ; attempt++ {
		state, err := s.store.Load(ctx, id)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil
			}

			return err
		}

		if state.Status.IsTerminal() || state.ClaimedBy != s.config.WorkerID {
			return nil
		}

		now := s.clock.Now()
		version := state.Version
		state.ClaimedBy = ""
		state.NextDueAt = now
		state.UpdatedAt = now

		err = s.store.Save(ctx, state, version)
		if err == nil || errors.Is(err, persistence.ErrTerminalState) {
			return nil
		}

		if !persistence.IsConflict(err) || attempt >= maxClaimRetries {
			return fmt.Errorf("failed to requeue instance %s: %w", id, err)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, state *models.ExecutionState) {
	if s.publisher == nil {
		return
	}

	event, ok := events.FromState(state, s.config.WorkerID, s.clock.Now())
	if !ok {
		return
	}

	if err := s.publisher.Publish(ctx, state.ID, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", "instance_id", state.ID, "event_type", event.GetType(), "error", err)
	}
}

// shutdown releases every lease this worker holds so other members can take
// over without waiting for expiry.
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range s.Owned() {
		if err := s.store.Release(ctx, models.PartitionLeaseKey(p), s.config.WorkerID); err != nil {
			s.logger.WarnContext(ctx, "Failed to release partition lease", "partition", p, "error", err)
		}

		s.setOwned(p, false)
	}

	if err := s.store.Release(ctx, models.MemberLeaseKey(s.config.WorkerID), s.config.WorkerID); err != nil {
		s.logger.WarnContext(ctx, "Failed to release member lease", "error", err)
	}

	s.logger.InfoContext(ctx, "Scheduler stopped")
}

func partitionName(p int) string {
	return strconv.Itoa(p)
}
