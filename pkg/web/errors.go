package web

import (
	"errors"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// validationProblem extends a problem with the individual validation errors.
type validationProblem struct {
	*problems.Problem

	Errors models.ValidationErrors `json:"errors"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func invalidDefinition(c fiber.Ctx, errs models.ValidationErrors) error {
	problem := validationProblem{
		Problem: problems.NewStatusProblem(fiber.StatusBadRequest).
			WithInstance(c.Path()).
			WithType("invalid_definition").
			WithDetail(errs.Error()),
		Errors: errs,
	}

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

// handleError maps engine errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	var validationErrs models.ValidationErrors

	switch {
	case errors.As(err, &validationErrs):
		return invalidDefinition(c, validationErrs)
	case errors.Is(err, models.ErrInvalidCronEntry), errors.Is(err, workflow.ErrFlowRequired):
		return badRequest(c, err.Error())
	case persistence.IsNotFound(err):
		return notFound(c, err.Error())
	case errors.Is(err, workflow.ErrAlreadyTerminal), persistence.IsConflict(err):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
