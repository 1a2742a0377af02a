package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/operion-engine/pkg/cmd"
	"github.com/dukex/operion-engine/pkg/log"
	"github.com/dukex/operion-engine/pkg/otelhelper"
	"github.com/dukex/operion-engine/pkg/scheduler"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

func NewRunCommand() *cli.Command {
	defaults := scheduler.DefaultConfig("")

	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the scheduler, the cron manager and the API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (file://, memory://, postgres://)",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "lease-url",
				Usage:   "Redis URL serving partition leases (defaults to the database)",
				Sources: cli.EnvVars("LEASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka); empty disables lifecycle events",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "log-events",
				Usage:   "Subscribe to the event bus and log every lifecycle event",
				Sources: cli.EnvVars("LOG_EVENTS"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "partitions",
				Usage:   "Number of instance partitions shared by all workers",
				Value:   defaults.PartitionCount,
				Sources: cli.EnvVars("PARTITIONS"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "Partition lease duration",
				Value:   defaults.LeaseTTL,
				Sources: cli.EnvVars("LEASE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Scheduler and cron tick interval",
				Value:   defaults.PollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Partitions processed in parallel",
				Value:   defaults.Concurrency,
				Sources: cli.EnvVars("CONCURRENCY"),
			},
			&cli.IntFlag{
				Name:    "max-steps",
				Usage:   "Steps one invocation may run before yielding",
				Value:   workflow.DefaultMaxStepsPerInvocation,
				Sources: cli.EnvVars("MAX_STEPS"),
			},
			&cli.DurationFlag{
				Name:    "step-timeout",
				Usage:   "Timeout of steps that configure none (0 disables)",
				Sources: cli.EnvVars("STEP_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "flows-path",
				Usage:   "Flow definition file or directory loaded at startup",
				Sources: cli.EnvVars("FLOWS_PATH"),
			},
			&cli.StringFlag{
				Name:    "cron-path",
				Usage:   "Cron entry file loaded at startup",
				Sources: cli.EnvVars("CRON_PATH"),
			},
			&cli.IntFlag{
				Name:    "api-port",
				Aliases: []string{"p"},
				Usage:   "Port of the HTTP API (0 disables it)",
				Value:   9091,
				Sources: cli.EnvVars("API_PORT"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing step plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("operion-engine").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Operion Engine")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var tracer trace.Tracer

			if command.Bool("tracing") {
				t, err := otelhelper.NewTracer(ctx, "operion-engine")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				tracer = t
			}

			registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("lease-url"))
			if err != nil {
				return err
			}

			defer func() {
				// ctx is already cancelled at shutdown
				if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
			if err != nil {
				return err
			}

			if eventBus != nil {
				defer func() {
					if err := eventBus.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
					}
				}()

				if command.Bool("log-events") {
					if err := logEvents(ctx, eventBus, logger); err != nil {
						return err
					}
				}
			}

			engine, err := NewEngine(EngineConfig{
				WorkerID:     workerID,
				Partitions:   command.Int("partitions"),
				LeaseTTL:     command.Duration("lease-ttl"),
				PollInterval: command.Duration("poll-interval"),
				Concurrency:  command.Int("concurrency"),
				MaxSteps:     command.Int("max-steps"),
				StepTimeout:  command.Duration("step-timeout"),
				FlowsPath:    command.String("flows-path"),
				CronPath:     command.String("cron-path"),
				APIPort:      command.Int("api-port"),
			}, logger, persistence, eventBus, registry, tracer)
			if err != nil {
				return err
			}

			if err := engine.Bootstrap(ctx); err != nil {
				return fmt.Errorf("failed to load definitions: %w", err)
			}

			start := time.Now()
			err = engine.Run(ctx)

			logger.InfoContext(context.WithoutCancel(ctx), "Shutdown complete", "uptime", time.Since(start).Round(time.Second))

			return err
		},
	}
}
