package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/otelhelper"
	"github.com/dukex/operion-engine/pkg/policy"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/dukex/operion-engine/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxStepsPerInvocation bounds the steps one Execute call may run.
const DefaultMaxStepsPerInvocation = 100

// Outcome summarises how an invocation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeWaiting means a step suspended or is waiting for a retry.
	OutcomeWaiting Outcome = "waiting"

	// OutcomeYielded means the step budget ran out; the instance is still
	// Running and immediately due.
	OutcomeYielded Outcome = "yielded"
)

type ExecutorOption func(*Executor)

func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = c
	}
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = otelhelper.OrNoop(tracer)
	}
}

func WithPolicies(resolver *policy.Resolver) ExecutorOption {
	return func(e *Executor) {
		e.policies = resolver
	}
}

func WithExpressionEngine(engine expression.Engine) ExecutorOption {
	return func(e *Executor) {
		e.engine = engine
	}
}

// WithMaxSteps sets the per-invocation step budget. Values below 1 keep
// the default.
func WithMaxSteps(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithStepTimeout sets the timeout for steps that configure none themselves.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.stepTimeout = d
	}
}

// Executor advances execution states. It holds no per-instance state, so a
// single Executor serves every instance concurrently.
type Executor struct {
	logger      *slog.Logger
	registry    *registry.Registry
	engine      expression.Engine
	policies    *policy.Resolver
	validator   *Validator
	clock       clock.Clock
	tracer      trace.Tracer
	maxSteps    int
	stepTimeout time.Duration
}

func NewExecutor(logger *slog.Logger, reg *registry.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   logger.With(slog.String("module", "executor")),
		registry: reg,
		engine:   expression.NewExprEngine(),
		policies: policy.NewResolver(nil),
		clock:    clock.System{},
		tracer:   otelhelper.NoopTracer(),
		maxSteps: DefaultMaxStepsPerInvocation,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.validator = NewValidator(reg, e.engine)

	return e
}

// Validator returns the validator bound to the executor's registry.
func (e *Executor) Validator() *Validator {
	return e.validator
}

// Execute runs one invocation on a copy of state and returns the new state.
// An error means the invocation was abandoned (the input is terminal or ctx
// was cancelled while a step ran) and its result must not be persisted.
func (e *Executor) Execute(ctx context.Context, state *models.ExecutionState) (*models.ExecutionState, Outcome, error) {
	if state == nil {
		return nil, "", errors.New("execution state is required")
	}

	if state.Status.IsTerminal() {
		return nil, "", fmt.Errorf("instance %s: %w", state.ID, models.ErrTerminalState)
	}

	s := state.Clone()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.InstanceIDKey, s.ID),
		attribute.String(otelhelper.FlowIDKey, s.FlowID),
	)
	defer span.End()

	logger := e.logger.With(slog.String("instance_id", s.ID), slog.String("flow_id", s.FlowID))

	outcome, err := e.run(ctx, logger, s)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, "", err
	}

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(s.Status)))
	logger.DebugContext(ctx, "Invocation finished", "outcome", outcome, "status", s.Status, "current_step", s.CurrentStep)

	return s, outcome, nil
}

func (e *Executor) run(ctx context.Context, logger *slog.Logger, s *models.ExecutionState) (Outcome, error) {
	now := e.clock.Now()

	if s.CancelRequested {
		e.finish(s, models.ExecutionStatusCancelled, now)
		logger.InfoContext(ctx, "Instance cancelled")

		return OutcomeCancelled, nil
	}

	normalize(s)

	// nothing has run yet
	if len(s.History) == 0 {
		if errs := e.validator.Validate(&s.Definition); len(errs) > 0 {
			s.LastError = errs.Error()
			e.finish(s, models.ExecutionStatusFailed, now)
			logger.WarnContext(ctx, "Flow definition is invalid", "error", s.LastError)

			return OutcomeFailed, nil
		}

		e.enter(s, s.Definition.Entry)
	}

	s.Status = models.ExecutionStatusRunning

	for steps := 0; ; steps++ {
		now = e.clock.Now()

		if steps >= e.maxSteps || ctx.Err() != nil {
			s.NextDueAt = now
			s.UpdatedAt = now

			return OutcomeYielded, nil
		}

		if s.CancelRequested {
			e.finish(s, models.ExecutionStatusCancelled, now)

			return OutcomeCancelled, nil
		}

		outcome, done, err := e.step(ctx, logger, s, now)
		if err != nil {
			return "", err
		}

		if done {
			return outcome, nil
		}
	}
}

// step runs the current step once. done reports whether the invocation is
// over; otherwise the state has advanced to the next step.
func (e *Executor) step(ctx context.Context, logger *slog.Logger, s *models.ExecutionState, now time.Time) (Outcome, bool, error) {
	def, ok := s.Definition.Step(s.CurrentStep)
	if !ok {
		s.LastError = fmt.Sprintf("step %q does not exist", s.CurrentStep)
		e.finish(s, models.ExecutionStatusFailed, now)

		return OutcomeFailed, true, nil
	}

	logger = logger.With(slog.String("step_id", def.ID), slog.String("step_type", def.Type))

	history, ok := s.CurrentHistory()
	if !ok {
		history = &models.StepExecutionState{StepID: s.CurrentStep, Visit: s.Visit, Status: models.StepStatusPending}
		s.History[models.HistoryKey(s.CurrentStep, s.Visit)] = history
	}

	var previous *models.StepExecutionState

	if history.Status != models.StepStatusPending {
		p := *history
		previous = &p
	}

	resumed := history.Status == models.StepStatusWaiting && history.Suspended
	if !resumed {
		history.Attempts++
	}

	if history.FirstAttemptAt == nil {
		history.FirstAttemptAt = &now
	}

	history.LastAttemptAt = &now
	history.Status = models.StepStatusRunning

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(otelhelper.InstanceIDKey, s.ID),
		attribute.String(otelhelper.StepIDKey, def.ID),
		attribute.String(otelhelper.StepTypeKey, def.Type),
		attribute.Int(otelhelper.StepAttemptKey, history.Attempts),
	)
	defer span.End()

	result, err := e.invoke(ctx, logger, s, def, previous, history.Attempts, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return "", true, err
	}

	switch result.Outcome {
	case models.StepOutcomeSuccess:
		return e.succeed(ctx, logger, s, def, history, result, now)
	case models.StepOutcomeSuspend:
		resumeAt := result.ResumeTime(now)
		history.Status = models.StepStatusWaiting
		history.Suspended = true
		history.ResumeAt = &resumeAt

		s.Status = models.ExecutionStatusWaiting
		s.NextDueAt = resumeAt
		s.UpdatedAt = now

		logger.InfoContext(ctx, "Step suspended", "resume_at", resumeAt)

		return OutcomeWaiting, true, nil
	default:
		stepErr := asStepError(def.ID, result)
		otelhelper.SetError(span, stepErr)

		return e.fail(ctx, logger, s, def, history, stepErr, now), true, nil
	}
}

func (e *Executor) succeed(
	ctx context.Context,
	logger *slog.Logger,
	s *models.ExecutionState,
	def *models.StepDefinition,
	history *models.StepExecutionState,
	result models.StepResult,
	now time.Time,
) (Outcome, bool, error) {
	completed := now
	history.Status = models.StepStatusSucceeded
	history.Output = result.Output
	history.Suspended = false
	history.ResumeAt = nil
	history.CompletedAt = &completed

	mergeOutput(s.Context, def.ID, result.Output)

	logger.InfoContext(ctx, "Step succeeded", "attempts", history.Attempts)

	next, err := e.nextStep(s, def, result)
	if err != nil {
		s.LastError = err.Error()
		e.finish(s, models.ExecutionStatusFailed, now)
		logger.ErrorContext(ctx, "Failed to select next step", "error", err)

		return OutcomeFailed, true, nil
	}

	if next == "" {
		e.finish(s, models.ExecutionStatusCompleted, now)
		logger.InfoContext(ctx, "Instance completed")

		return OutcomeCompleted, true, nil
	}

	e.enter(s, next)
	s.UpdatedAt = now

	return "", false, nil
}

func (e *Executor) fail(
	ctx context.Context,
	logger *slog.Logger,
	s *models.ExecutionState,
	def *models.StepDefinition,
	history *models.StepExecutionState,
	stepErr *models.StepRuntimeError,
	now time.Time,
) Outcome {
	history.LastError = stepErr.Error()
	history.ErrorKind = stepErr.Kind
	history.Suspended = false

	decision := e.policies.For(&s.Definition, def).Decide(history.Attempts, stepErr)
	if decision.Retry {
		retryAt := now.Add(decision.After)
		history.Status = models.StepStatusWaiting
		history.ResumeAt = &retryAt

		s.Status = models.ExecutionStatusWaiting
		s.NextDueAt = retryAt
		s.UpdatedAt = now

		logger.WarnContext(ctx, "Step failed, retry scheduled",
			"attempts", history.Attempts, "retry_at", retryAt, "error", stepErr)

		return OutcomeWaiting
	}

	completed := now
	history.Status = models.StepStatusFailed
	history.ResumeAt = nil
	history.CompletedAt = &completed

	s.LastError = stepErr.Error()
	e.finish(s, models.ExecutionStatusFailed, now)

	logger.ErrorContext(ctx, "Step failed permanently", "attempts", history.Attempts, "error", stepErr)

	return OutcomeFailed
}

// invoke resolves the step configuration and calls the step under its
// timeout. Only cancellation of ctx itself is returned as an error.
func (e *Executor) invoke(
	ctx context.Context,
	logger *slog.Logger,
	s *models.ExecutionState,
	def *models.StepDefinition,
	previous *models.StepExecutionState,
	attempt int,
	now time.Time,
) (models.StepResult, error) {
	impl, err := e.registry.Resolve(def.Type)
	if err != nil {
		return models.Failure(&models.StepRuntimeError{StepID: def.ID, Kind: models.ErrorKindUnknownStep, Err: err}, false), nil
	}

	config, err := expression.Resolve(e.engine, def.Config, e.env(s, attempt))
	if err != nil {
		return models.Failure(&models.StepRuntimeError{StepID: def.ID, Kind: models.ErrorKindEvaluation, Err: err}, false), nil
	}

	input := protocol.StepInput{
		InstanceID: s.ID,
		FlowID:     s.FlowID,
		StepID:     def.ID,
		Config:     config,
		Context:    models.CloneBag(s.Context),
		Previous:   previous,
		Attempt:    attempt,
		Now:        now,
		Logger:     logger,
	}

	stepCtx := ctx
	cancel := func() {}

	if timeout := e.timeoutFor(s, def); timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan models.StepResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.Failure(models.NewStepError(def.ID, fmt.Errorf("panic: %v", r), false), false)
			}
		}()

		done <- impl.Execute(stepCtx, input)
	}()

	var result models.StepResult

	select {
	case result = <-done:
	case <-stepCtx.Done():
	}

	if ctx.Err() != nil {
		return models.StepResult{}, fmt.Errorf("step %s abandoned: %w", def.ID, ctx.Err())
	}

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && result.Outcome != models.StepOutcomeSuccess {
		return models.Failure(models.NewTimeoutError(def.ID, result.Err), true), nil
	}

	return result, nil
}

func (e *Executor) timeoutFor(s *models.ExecutionState, def *models.StepDefinition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout.Std()
	}

	if s.Definition.StepTimeout > 0 {
		return s.Definition.StepTimeout.Std()
	}

	return e.stepTimeout
}

// env is the expression environment: the context bag, instance metadata and
// the latest successful output of every step.
func (e *Executor) env(s *models.ExecutionState, attempt int) map[string]any {
	outputs := make(map[string]any, len(s.Visits))

	for stepID := range s.Visits {
		if h, ok := s.StepHistory(stepID); ok && h.Status == models.StepStatusSucceeded {
			outputs[stepID] = h.Output
		}
	}

	return map[string]any{
		"ctx":   s.Context,
		"steps": outputs,
		"instance": map[string]any{
			"id":      s.ID,
			"flow_id": s.FlowID,
			"step_id": s.CurrentStep,
			"visit":   s.Visit,
			"attempt": attempt,
			"trigger": s.Trigger,
		},
	}
}

// nextStep picks the transition to follow after a success: the step's
// forced override, then the transition named by its branch, then the first
// guard that holds, then the unconditional transition. An empty result ends
// the flow; a branch without a transition is an error.
func (e *Executor) nextStep(s *models.ExecutionState, def *models.StepDefinition, result models.StepResult) (string, error) {
	if result.NextStep != "" {
		if _, ok := s.Definition.Step(result.NextStep); !ok {
			return "", fmt.Errorf("step %s selected unknown next step %q", def.ID, result.NextStep)
		}

		return result.NextStep, nil
	}

	if result.Branch != "" {
		for _, t := range def.Transitions {
			if t.Kind() == models.TransitionNamed && t.Name == result.Branch {
				return t.To, nil
			}
		}

		return "", fmt.Errorf("step %s selected branch %q which has no transition", def.ID, result.Branch)
	}

	env := e.env(s, 0)

	for _, t := range def.Transitions {
		if t.Kind() != models.TransitionGuarded {
			continue
		}

		value, err := e.engine.Evaluate(t.When, env)
		if err != nil {
			return "", fmt.Errorf("step %s: %w", def.ID, err)
		}

		if expression.Truthy(value) {
			return t.To, nil
		}
	}

	for _, t := range def.Transitions {
		if t.Kind() == models.TransitionUnconditional {
			return t.To, nil
		}
	}

	return "", nil
}

// enter makes stepID the current step with a fresh history entry for its
// next visit.
func (e *Executor) enter(s *models.ExecutionState, stepID string) {
	s.Visits[stepID]++
	s.CurrentStep = stepID
	s.Visit = s.Visits[stepID]

	s.History[models.HistoryKey(stepID, s.Visit)] = &models.StepExecutionState{
		StepID: stepID,
		Visit:  s.Visit,
		Status: models.StepStatusPending,
	}
}

// normalize replaces nil maps left by decoding a sparse record.
func normalize(s *models.ExecutionState) {
	if s.Context == nil {
		s.Context = make(map[string]any)
	}

	if s.History == nil {
		s.History = make(map[string]*models.StepExecutionState)
	}

	if s.Visits == nil {
		s.Visits = make(map[string]int)
	}
}

func (e *Executor) finish(s *models.ExecutionState, status models.ExecutionStatus, now time.Time) {
	completed := now
	s.Status = status
	s.CompletedAt = &completed
	s.UpdatedAt = now
	s.ClaimedBy = ""
}

// mergeOutput folds a step output into the context bag. Map outputs merge
// key by key; any other non-nil value is stored under the step id.
func mergeOutput(bag map[string]any, stepID string, output any) {
	switch v := output.(type) {
	case nil:
	case map[string]any:
		for k, item := range v {
			bag[k] = item
		}
	default:
		bag[stepID] = v
	}
}

func asStepError(stepID string, result models.StepResult) *models.StepRuntimeError {
	var stepErr *models.StepRuntimeError
	if errors.As(result.Err, &stepErr) {
		return stepErr
	}

	err := result.Err
	if err == nil {
		err = errors.New("step reported failure without an error")
	}

	return models.NewStepError(stepID, err, result.Retryable)
}
