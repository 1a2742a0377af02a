// Package branch provides a step that selects a named transition.
//
// In condition mode the resolved "condition" is reduced to a boolean and the
// step takes the "true" or "false" transition. In cases mode the resolved
// "value" is matched against the "cases" list and the step takes the
// transition with the same name, or "default" when nothing matches.
package branch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

const (
	Type = "branch"

	BranchTrue    = "true"
	BranchFalse   = "false"
	BranchDefault = "default"
)

var (
	ErrNoCondition  = errors.New("branch requires either 'condition' or 'value'")
	ErrBothModes    = errors.New("branch accepts only one of 'condition' and 'value'")
	ErrInvalidCases = errors.New("'cases' must be a list of strings")
	ErrMissingCases = errors.New("'value' requires a non-empty 'cases' list")
)

type Step struct{}

func NewStep() *Step {
	return &Step{}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "Branch"
}

func (s *Step) Description() string {
	return "Takes the transition named after a condition result or a matched case"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"condition": map[string]any{
				"description": "Value or expression reduced to true/false, e.g. \"{{ ctx.amount > 100 }}\"",
			},
			"value": map[string]any{
				"description": "Value or expression matched against cases",
			},
			"cases": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}
}

func (s *Step) Validate(config map[string]any) error {
	_, hasCondition := config["condition"]
	_, hasValue := config["value"]

	switch {
	case hasCondition && hasValue:
		return ErrBothModes
	case !hasCondition && !hasValue:
		return ErrNoCondition
	case hasValue:
		cases, err := parseCases(config["cases"])
		if err != nil {
			return err
		}

		if len(cases) == 0 {
			return ErrMissingCases
		}
	}

	return nil
}

// Branches returns "true" and "false" in condition mode, or the cases
// followed by "default" in cases mode.
func (s *Step) Branches(config map[string]any) []string {
	if _, ok := config["value"]; !ok {
		return []string{BranchTrue, BranchFalse}
	}

	cases, err := parseCases(config["cases"])
	if err != nil {
		return nil
	}

	names := slices.Clone(cases)
	if !slices.Contains(names, BranchDefault) {
		names = append(names, BranchDefault)
	}

	return names
}

func (s *Step) Execute(_ context.Context, in protocol.StepInput) models.StepResult {
	if condition, ok := in.Config["condition"]; ok {
		result := expression.Truthy(condition)

		name := BranchFalse
		if result {
			name = BranchTrue
		}

		return models.Branch(result, name)
	}

	value, ok := in.Config["value"]
	if !ok {
		return models.Failure(ErrNoCondition, false)
	}

	cases, err := parseCases(in.Config["cases"])
	if err != nil {
		return models.Failure(err, false)
	}

	selected := fmt.Sprint(value)
	if !slices.Contains(cases, selected) {
		return models.Branch(value, BranchDefault)
	}

	return models.Branch(value, selected)
}

func parseCases(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, ErrInvalidCases
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, ErrInvalidCases
	}
}
