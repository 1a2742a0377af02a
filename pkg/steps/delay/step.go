// Package delay provides a step that parks the instance for a duration or
// until a point in time. The first invocation suspends; the resumed
// invocation succeeds.
package delay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

const Type = "delay"

var (
	ErrMissingWait = errors.New("delay requires either 'duration' or 'until'")
	ErrBothWaits   = errors.New("delay accepts only one of 'duration' and 'until'")
)

type Step struct{}

func NewStep() *Step {
	return &Step{}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "Delay"
}

func (s *Step) Description() string {
	return "Suspends the instance for a duration or until a timestamp without holding a worker"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{
				"type":        "string",
				"description": "Go duration to wait, e.g. \"30s\" or \"2h\"",
				"examples":    []string{"5s", "15m", "24h"},
			},
			"until": map[string]any{
				"type":        "string",
				"description": "RFC3339 timestamp to wait for",
			},
		},
	}
}

func (s *Step) Validate(config map[string]any) error {
	duration, hasDuration := config["duration"]
	until, hasUntil := config["until"]

	switch {
	case hasDuration && hasUntil:
		return ErrBothWaits
	case !hasDuration && !hasUntil:
		return ErrMissingWait
	case hasDuration:
		if str, ok := duration.(string); ok && expression.IsExpression(str) {
			return nil
		}

		_, err := parseDuration(duration)

		return err
	default:
		if str, ok := until.(string); ok && expression.IsExpression(str) {
			return nil
		}

		_, err := parseTime(until)

		return err
	}
}

func (s *Step) Execute(_ context.Context, in protocol.StepInput) models.StepResult {
	if in.Resumed() {
		if in.Previous.ResumeAt != nil && in.Now.Before(*in.Previous.ResumeAt) {
			return models.SuspendUntil(*in.Previous.ResumeAt)
		}

		return models.Success(nil)
	}

	if raw, ok := in.Config["until"]; ok {
		until, err := parseTime(raw)
		if err != nil {
			return models.Failure(err, false)
		}

		if !until.After(in.Now) {
			return models.Success(nil)
		}

		return models.SuspendUntil(until)
	}

	d, err := parseDuration(in.Config["duration"])
	if err != nil {
		return models.Failure(err, false)
	}

	if d <= 0 {
		return models.Success(nil)
	}

	return models.SuspendFor(d)
}

func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}

		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration value of type %T", raw)
	}
}

func parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid until %q: %w", v, err)
		}

		return t, nil
	default:
		return time.Time{}, fmt.Errorf("invalid until value of type %T", raw)
	}
}
