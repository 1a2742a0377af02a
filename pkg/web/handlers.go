// Package web provides HTTP handlers and REST API endpoints for flows,
// instances and cron entries.
package web

import (
	"net/http"
	"time"

	"github.com/dukex/operion-engine/pkg/cron"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	flows     *workflow.Manager
	cron      *cron.Manager
	store     persistence.Persistence
	validator *validator.Validate
	registry  *registry.Registry
}

func NewAPIHandlers(
	flows *workflow.Manager,
	cronManager *cron.Manager,
	store persistence.Persistence,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		flows:     flows,
		cron:      cronManager,
		store:     store,
		validator: validator,
		registry:  registry,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Operion engine is healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Operion engine is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": storeCheck,
			"steps":       len(h.registry.Types()),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.flows.Flows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"flows":       flows,
		"total_count": len(flows),
	})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.flows.Flow(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var def models.FlowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.flows.RegisterFlow(c.Context(), &def); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) CreateInstance(c fiber.Ctx) error {
	var req CreateInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger := map[string]any{"type": "api"}

	state, err := h.flows.CreateInstance(c.Context(), req.FlowID, req.Input, trigger)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformInstanceResponse(state))
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	state, err := h.flows.Instance(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(TransformInstanceResponse(state))
}

// CancelInstance answers 200 when the instance was cancelled and 202 when a
// running instance was only flagged for cancellation.
func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	state, err := h.flows.Cancel(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	status := fiber.StatusOK
	if state.Status != models.ExecutionStatusCancelled {
		status = fiber.StatusAccepted
	}

	return c.Status(status).JSON(TransformInstanceResponse(state))
}

func (h *APIHandlers) GetCronEntries(c fiber.Ctx) error {
	entries, err := h.cron.Entries(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"entries":     entries,
		"total_count": len(entries),
	})
}

func (h *APIHandlers) RegisterCronEntry(c fiber.Ctx) error {
	var req CronEntryRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if _, err := h.flows.Flow(c.Context(), req.FlowID); err != nil {
		return handleError(c, err)
	}

	entry, err := h.cron.Register(c.Context(), req.Entry())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(entry)
}

func (h *APIHandlers) GetSteps(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"steps": h.registry.Describe(),
	})
}
