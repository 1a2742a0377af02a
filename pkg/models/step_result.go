package models

import "time"

// StepOutcome tags the variant of a StepResult.
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeSuspend StepOutcome = "suspend"
	StepOutcomeFailure StepOutcome = "failure"
)

// StepResult is what a step returns from Execute. Use the constructors below
// rather than building the struct by hand.
type StepResult struct {
	Outcome StepOutcome

	// Success
	Output   any
	NextStep string // forced override of the transition graph
	Branch   string // selects the named transition with this name

	// Suspend
	ResumeAfter time.Duration
	ResumeAt    time.Time

	// Failure
	Err       error
	Retryable bool
}

// Success finishes the step and follows the transition graph.
func Success(output any) StepResult {
	return StepResult{Outcome: StepOutcomeSuccess, Output: output}
}

// SuccessTo finishes the step and jumps to next regardless of transitions.
func SuccessTo(output any, next string) StepResult {
	return StepResult{Outcome: StepOutcomeSuccess, Output: output, NextStep: next}
}

// Branch finishes the step and follows the transition named name.
func Branch(output any, name string) StepResult {
	return StepResult{Outcome: StepOutcomeSuccess, Output: output, Branch: name}
}

// SuspendFor parks the instance for d.
func SuspendFor(d time.Duration) StepResult {
	return StepResult{Outcome: StepOutcomeSuspend, ResumeAfter: d}
}

// SuspendUntil parks the instance until t.
func SuspendUntil(t time.Time) StepResult {
	return StepResult{Outcome: StepOutcomeSuspend, ResumeAt: t}
}

// Failure reports a step error. retryable is a hint for the error policy.
func Failure(err error, retryable bool) StepResult {
	return StepResult{Outcome: StepOutcomeFailure, Err: err, Retryable: retryable}
}

// ResumeTime resolves the suspension to an absolute time.
func (r StepResult) ResumeTime(now time.Time) time.Time {
	if !r.ResumeAt.IsZero() {
		return r.ResumeAt
	}

	return now.Add(r.ResumeAfter)
}
