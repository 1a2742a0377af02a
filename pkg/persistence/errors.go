package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/operion-engine/pkg/models"
)

// Standard persistence errors that all implementations use. The not-found
// errors wrap models.ErrNotFound and the conflict errors wrap the model
// sentinels, so callers can match either.
var (
	ErrInstanceNotFound  = fmt.Errorf("instance %w", models.ErrNotFound)
	ErrFlowNotFound      = fmt.Errorf("flow %w", models.ErrNotFound)
	ErrCronEntryNotFound = fmt.Errorf("cron entry %w", models.ErrNotFound)

	ErrConcurrencyConflict = models.ErrConcurrencyConflict
	ErrTerminalState       = models.ErrTerminalState
	ErrLeaseLost           = models.ErrLeaseLost
)

// RecordError wraps a repository error with the operation and record id.
type RecordError struct {
	Op   string // Operation being performed (e.g., "Load", "Save")
	Kind string // Record kind (instance, flow, cron entry, lease)
	ID   string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewInstanceError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "instance", ID: id, Err: err}
}

func NewFlowError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "flow", ID: id, Err: err}
}

func NewCronError(op, id string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "cron entry", ID: id, Err: err}
}

func NewLeaseError(op, key string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "lease", ID: key, Err: err}
}

// IsNotFound checks if an error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

// IsConflict checks if an error is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrConcurrencyConflict)
}
