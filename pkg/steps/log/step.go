// Package log provides a step that writes a message to the engine log.
package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

const Type = "log"

var ErrMissingMessage = errors.New("missing required field 'message'")

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

type Step struct{}

func NewStep() *Step {
	return &Step{}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "Log"
}

func (s *Step) Description() string {
	return "Logs a message at a given level (debug, info, warn, error); message supports expressions"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports expressions.",
				"examples": []string{
					"Processing order {{ ctx.order_id }}",
					"API call returned {{ steps.fetch.fetch.status }}",
				},
			},
			"level": map[string]any{
				"type":    "string",
				"enum":    []string{"debug", "info", "warn", "error"},
				"default": "info",
			},
		},
		"required": []string{"message"},
	}
}

func (s *Step) Validate(config map[string]any) error {
	if _, ok := config["message"]; !ok {
		return ErrMissingMessage
	}

	if level, ok := config["level"].(string); ok {
		if _, valid := levels[level]; !valid {
			return fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", level)
		}
	}

	return nil
}

func (s *Step) Execute(ctx context.Context, in protocol.StepInput) models.StepResult {
	message := fmt.Sprint(in.Config["message"])

	level := slog.LevelInfo
	if name, ok := in.Config["level"].(string); ok {
		if l, valid := levels[name]; valid {
			level = l
		}
	}

	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Log(ctx, level, message,
		"instance_id", in.InstanceID,
		"step_id", in.StepID,
		"step_type", Type,
	)

	return models.Success(nil)
}
