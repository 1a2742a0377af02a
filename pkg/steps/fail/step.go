// Package fail provides a step that reports a configurable failure, for
// exercising error policies.
package fail

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

const Type = "fail"

var ErrInvalidTimes = errors.New("'times' must be a non-negative integer")

type Step struct{}

func NewStep() *Step {
	return &Step{}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "Fail"
}

func (s *Step) Description() string {
	return "Fails with the configured message; with 'times' set, only the first attempts fail"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message":   map[string]any{"type": "string", "default": "step failed"},
			"retryable": map[string]any{"type": "boolean", "default": false},
			"times": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": "Number of attempts that fail before the step succeeds. 0 fails every attempt.",
			},
		},
	}
}

func (s *Step) Validate(config map[string]any) error {
	if raw, ok := config["times"]; ok {
		if _, err := toInt(raw); err != nil {
			return err
		}
	}

	return nil
}

func (s *Step) Execute(_ context.Context, in protocol.StepInput) models.StepResult {
	times := 0
	if raw, ok := in.Config["times"]; ok {
		n, err := toInt(raw)
		if err != nil {
			return models.Failure(err, false)
		}

		times = n
	}

	if times > 0 && in.Attempt > times {
		return models.Success(nil)
	}

	message := "step failed"
	if m, ok := in.Config["message"].(string); ok && m != "" {
		message = m
	}

	retryable, _ := in.Config["retryable"].(bool)

	return models.Failure(fmt.Errorf("%s (attempt %d)", message, in.Attempt), retryable)
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		if v >= 0 {
			return v, nil
		}
	case int64:
		if v >= 0 {
			return int(v), nil
		}
	case float64:
		if v >= 0 && v == float64(int(v)) {
			return int(v), nil
		}
	}

	return 0, ErrInvalidTimes
}
