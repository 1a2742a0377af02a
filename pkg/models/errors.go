package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrencyConflict is returned when a version-checked write loses
	// against another writer.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLeaseLost is returned when a partition lease expired or moved while
	// work under it was in flight.
	ErrLeaseLost = errors.New("lease lost")

	// ErrUnknownStepType is returned by the registry for unregistered types.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrStepTimeout marks a step that exceeded its time budget.
	ErrStepTimeout = errors.New("step timed out")

	// ErrInvalidCronEntry is returned when a cron entry fails validation.
	ErrInvalidCronEntry = errors.New("invalid cron entry")

	// ErrNotFound is returned by repositories for missing records.
	ErrNotFound = errors.New("not found")

	// ErrTerminalState is returned when a write would modify a record that
	// already reached a terminal status.
	ErrTerminalState = errors.New("instance is in a terminal state")
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	ErrorKindRuntime     ErrorKind = "runtime"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindEvaluation  ErrorKind = "evaluation"
	ErrorKindUnknownStep ErrorKind = "unknown_step"
)

// ValidationError describes one problem found in a flow definition.
type ValidationError struct {
	StepID  string `json:"step_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.StepID != "" {
		b.WriteString("step " + e.StepID + ": ")
	}

	if e.Field != "" {
		b.WriteString(e.Field + ": ")
	}

	b.WriteString(e.Message)

	return b.String()
}

// ValidationErrors collects every problem of a definition.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}

	return "invalid flow definition: " + strings.Join(msgs, "; ")
}

// StepRuntimeError is raised by (or on behalf of) a step.
type StepRuntimeError struct {
	StepID    string
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *StepRuntimeError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.StepID, e.Kind, e.Err)
}

func (e *StepRuntimeError) Unwrap() error {
	return e.Err
}

// NewStepError wraps err as a runtime failure of stepID.
func NewStepError(stepID string, err error, retryable bool) *StepRuntimeError {
	return &StepRuntimeError{StepID: stepID, Kind: ErrorKindRuntime, Retryable: retryable, Err: err}
}

// NewTimeoutError reports that stepID exceeded its budget. Timeouts are
// retryable by default.
func NewTimeoutError(stepID string, err error) *StepRuntimeError {
	if err == nil {
		err = ErrStepTimeout
	} else {
		err = fmt.Errorf("%w: %w", ErrStepTimeout, err)
	}

	return &StepRuntimeError{StepID: stepID, Kind: ErrorKindTimeout, Retryable: true, Err: err}
}

// IsRetryable reports whether err is a step failure the error policy may retry.
func IsRetryable(err error) bool {
	var stepErr *StepRuntimeError
	if errors.As(err, &stepErr) {
		return stepErr.Retryable
	}

	return false
}

// IsTimeout reports whether err is a step timeout.
func IsTimeout(err error) bool {
	var stepErr *StepRuntimeError
	if errors.As(err, &stepErr) {
		return stepErr.Kind == ErrorKindTimeout
	}

	return errors.Is(err, ErrStepTimeout)
}

// EvaluationError is returned by the expression engine.
type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate expression %q: %v", e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
