package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/operion-engine/pkg/cron"
	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/dukex/operion-engine/pkg/scheduler"
	"github.com/dukex/operion-engine/pkg/web"
	"github.com/dukex/operion-engine/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// EngineConfig holds the settings of one engine process.
type EngineConfig struct {
	WorkerID     string
	Partitions   int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	Concurrency  int
	MaxSteps     int
	StepTimeout  time.Duration
	FlowsPath    string
	CronPath     string
	APIPort      int
}

// Engine runs the scheduler, the cron manager and the HTTP API of one node.
type Engine struct {
	config    EngineConfig
	logger    *slog.Logger
	store     persistence.Persistence
	flows     *workflow.Manager
	scheduler *scheduler.Scheduler
	cron      *cron.Manager
	api       *web.API
}

func NewEngine(
	config EngineConfig,
	logger *slog.Logger,
	store persistence.Persistence,
	bus eventbus.EventPublisher,
	reg *registry.Registry,
	tracer trace.Tracer,
) (*Engine, error) {
	executor := workflow.NewExecutor(logger, reg,
		workflow.WithTracer(tracer),
		workflow.WithMaxSteps(config.MaxSteps),
		workflow.WithStepTimeout(config.StepTimeout),
	)

	flows := workflow.NewManager(logger, store, executor.Validator(), workflow.WithPublisher(bus))

	schedulerConfig := scheduler.DefaultConfig(config.WorkerID)
	if config.Partitions > 0 {
		schedulerConfig.PartitionCount = config.Partitions
	}

	if config.LeaseTTL > 0 {
		schedulerConfig.LeaseTTL = config.LeaseTTL
	}

	if config.PollInterval > 0 {
		schedulerConfig.PollInterval = config.PollInterval
	}

	if config.Concurrency > 0 {
		schedulerConfig.Concurrency = config.Concurrency
	}

	sched, err := scheduler.New(schedulerConfig, logger, store, executor,
		scheduler.WithTracer(tracer),
		scheduler.WithPublisher(bus),
	)
	if err != nil {
		return nil, err
	}

	cronConfig := cron.DefaultConfig(config.WorkerID)
	cronConfig.TickInterval = schedulerConfig.PollInterval

	cronManager, err := cron.New(cronConfig, logger, store, flows,
		cron.WithTracer(tracer),
		cron.WithPublisher(bus),
	)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    config,
		logger:    logger.With("module", "engine", "worker_id", config.WorkerID),
		store:     store,
		flows:     flows,
		scheduler: sched,
		cron:      cronManager,
	}

	if config.APIPort > 0 {
		engine.api = web.NewAPI(logger, flows, cronManager, store, reg)
	}

	return engine, nil
}

// Bootstrap registers the flow and cron definitions found on disk.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if e.config.FlowsPath != "" {
		defs, err := workflow.LoadFlows(e.config.FlowsPath)
		if err != nil {
			return err
		}

		for _, def := range defs {
			if err := e.flows.RegisterFlow(ctx, def); err != nil {
				return fmt.Errorf("flow %s: %w", def.ID, err)
			}
		}

		e.logger.InfoContext(ctx, "Flows loaded", "count", len(defs), "path", e.config.FlowsPath)
	}

	if e.config.CronPath != "" {
		entries, err := workflow.LoadCronEntries(e.config.CronPath)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if _, err := e.cron.Register(ctx, entry); err != nil {
				return fmt.Errorf("cron entry %s: %w", entry.ID, err)
			}
		}

		e.logger.InfoContext(ctx, "Cron entries loaded", "count", len(entries), "path", e.config.CronPath)
	}

	return nil
}

// Run blocks until ctx is cancelled or a component fails.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "Starting engine")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.scheduler.Run(ctx)
	})

	g.Go(func() error {
		return e.cron.Run(ctx)
	})

	if e.api != nil {
		g.Go(func() error {
			return e.api.Serve(ctx, ":"+strconv.Itoa(e.config.APIPort))
		})
	}

	err := g.Wait()

	e.logger.InfoContext(context.WithoutCancel(ctx), "Engine stopped")

	return err
}
