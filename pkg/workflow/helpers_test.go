package workflow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcStep adapts a function to protocol.Step.
type funcStep struct {
	stepType string
	run      func(ctx context.Context, in protocol.StepInput) models.StepResult
}

func (s *funcStep) Type() string {
	return s.stepType
}

func (s *funcStep) Validate(map[string]any) error {
	return nil
}

func (s *funcStep) Execute(ctx context.Context, in protocol.StepInput) models.StepResult {
	return s.run(ctx, in)
}

func testRegistry(extra ...protocol.Step) *registry.Registry {
	reg := registry.NewRegistry(testLogger())
	reg.RegisterDefaultSteps()

	for _, s := range extra {
		reg.RegisterStep(s)
	}

	return reg
}

func newTestExecutor(c *clock.Fake, extra []protocol.Step, opts ...ExecutorOption) *Executor {
	opts = append([]ExecutorOption{WithClock(c)}, opts...)

	return NewExecutor(testLogger(), testRegistry(extra...), opts...)
}

func step(id, stepType string, config map[string]any, transitions ...models.Transition) *models.StepDefinition {
	return &models.StepDefinition{ID: id, Type: stepType, Config: config, Transitions: transitions}
}

func to(id string) models.Transition {
	return models.Transition{To: id}
}

func flow(id, entry string, steps ...*models.StepDefinition) *models.FlowDefinition {
	def := &models.FlowDefinition{ID: id, Name: id, Entry: entry, Steps: make(map[string]*models.StepDefinition, len(steps))}
	for _, s := range steps {
		def.Steps[s.ID] = s
	}

	return def
}

func newInstance(def *models.FlowDefinition, input map[string]any) *models.ExecutionState {
	return models.NewExecutionState("instance-1", def, input, start)
}

// execute runs one invocation and fails the test on error.
func execute(t *testing.T, e *Executor, state *models.ExecutionState) (*models.ExecutionState, Outcome) {
	t.Helper()

	next, outcome, err := e.Execute(context.Background(), state)
	require.NoError(t, err)

	return next, outcome
}
