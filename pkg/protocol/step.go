// Package protocol defines the interfaces and contracts for pluggable steps.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
)

// Step is a step type. One value serves every step of that type in every
// flow, so implementations must be stateless and safe for concurrent use.
type Step interface {
	// Type returns the registry key of this step type
	Type() string

	// Validate checks a step's static configuration at definition time.
	// Values holding "{{ }}" expressions are not resolved yet.
	Validate(config map[string]any) error

	// Execute runs one invocation. Failures are reported through the
	// returned StepResult, never by panicking.
	Execute(ctx context.Context, in StepInput) models.StepResult
}

// SchemaProvider is implemented by steps that publish a JSON schema for their
// configuration.
type SchemaProvider interface {
	Schema() map[string]any
}

// Brancher is implemented by steps that finish by selecting a named
// transition. Branches lists every name the step may select for config, so
// a flow can be rejected when one of them has no transition.
type Brancher interface {
	Branches(config map[string]any) []string
}

// Describer is implemented by steps that carry human-readable metadata.
type Describer interface {
	Name() string
	Description() string
}

// StepInput is everything a step may read during one invocation.
type StepInput struct {
	InstanceID string
	FlowID     string
	StepID     string

	// Config is the step configuration with expressions resolved.
	Config map[string]any

	// Context is a copy of the instance's context bag. Changes are discarded;
	// steps contribute to the bag through their output.
	Context map[string]any

	// Previous is the state of this step visit before the invocation: nil on
	// the first attempt, Waiting+Suspended when resuming from a suspension.
	Previous *models.StepExecutionState

	// Attempt is the 1-based attempt number of this invocation.
	Attempt int

	Now    time.Time
	Logger *slog.Logger
}

// Resumed reports whether this invocation resumes a suspended step.
func (in StepInput) Resumed() bool {
	return in.Previous != nil && in.Previous.Status == models.StepStatusWaiting && in.Previous.Suspended
}
