// Package clock abstracts wall time and cron evaluation so schedulers can be
// driven deterministically in tests.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
)

var ErrNoOccurrence = errors.New("cron expression has no next occurrence")

// Clock supplies the current time and evaluates cron expressions.
type Clock interface {
	Now() time.Time
	NextOccurrence(expression, timezone string, after time.Time) (time.Time, error)
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

func (System) NextOccurrence(expression, timezone string, after time.Time) (time.Time, error) {
	return NextOccurrence(expression, timezone, after)
}

// NextOccurrence returns the first firing of expression strictly after
// after, evaluated in timezone (UTC when empty). The result is in UTC.
func NextOccurrence(expression, timezone string, after time.Time) (time.Time, error) {
	schedule, err := models.CronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expression %q: %w", models.ErrInvalidCronEntry, expression, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %w", models.ErrInvalidCronEntry, timezone, err)
		}
	}

	next := schedule.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoOccurrence, expression)
	}

	return next.UTC(), nil
}

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = t
}

func (f *Fake) NextOccurrence(expression, timezone string, after time.Time) (time.Time, error) {
	return NextOccurrence(expression, timezone, after)
}
