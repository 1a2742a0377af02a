package web

import (
	"context"
	"log/slog"

	"github.com/dukex/operion-engine/pkg/cron"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	flows    *workflow.Manager
	cron     *cron.Manager
	store    persistence.Persistence
	registry *registry.Registry
	validate *validator.Validate
	app      *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	flows *workflow.Manager,
	cronManager *cron.Manager,
	store persistence.Persistence,
	registry *registry.Registry,
) *API {
	return &API{
		logger:   logger.With(slog.String("module", "api")),
		flows:    flows,
		cron:     cronManager,
		store:    store,
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := NewAPIHandlers(a.flows, a.cron, a.store, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Operion Engine")
	})

	f := app.Group("/flows")
	f.Get("/", handlers.GetFlows)
	f.Post("/", handlers.CreateFlow)
	f.Get("/:id", handlers.GetFlow)

	i := app.Group("/instances")
	i.Post("/", handlers.CreateInstance)
	i.Get("/:id", handlers.GetInstance)
	i.Post("/:id/cancel", handlers.CancelInstance)

	c := app.Group("/cron")
	c.Get("/", handlers.GetCronEntries)
	c.Post("/", handlers.RegisterCronEntry)

	app.Get("/steps", handlers.GetSteps)

	return app
}

// Serve listens on addr until ctx is cancelled, then shuts the server down.
func (a *API) Serve(ctx context.Context, addr string) error {
	app := a.App()
	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	a.logger.InfoContext(ctx, "API listening", "address", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		a.logger.InfoContext(context.WithoutCancel(ctx), "Shutting down API")

		return app.ShutdownWithContext(context.WithoutCancel(ctx))
	}
}
