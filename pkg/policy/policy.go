// Package policy decides whether a failed step is retried and when.
package policy

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultJitterFactor = 0.2
)

// Decision is the outcome of consulting a Policy.
type Decision struct {
	Retry bool
	After time.Duration
}

// Permanent is the decision that ends the step.
var Permanent = Decision{}

// Policy is a pure function of the attempt count and the error.
type Policy interface {
	Decide(attempt int, err error) Decision
}

// DefaultRetry retries retryable errors with capped exponential backoff.
//
// The delay for attempt n is min(MaxDelay, BaseDelay*2^(n-1) + jitter) where
// jitter is drawn from [0, JitterFactor*BaseDelay*2^(n-1)). With
// JitterFactor < 1 every draw stays below the next attempt's undelayed value,
// so delays never decrease. Attempts beyond MaxAttempts fail permanently.
type DefaultRetry struct {
	// MaxAttempts is the number of failed attempts that are still retried.
	// The failure of attempt MaxAttempts+1 is permanent, so a step runs at
	// most MaxAttempts+1 times.
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewDefaultRetry returns a DefaultRetry with the package defaults.
func NewDefaultRetry() *DefaultRetry {
	return &DefaultRetry{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

func (p *DefaultRetry) Decide(attempt int, err error) Decision {
	if !models.IsRetryable(err) {
		return Permanent
	}

	if attempt < 1 {
		attempt = 1
	}

	if attempt > p.MaxAttempts {
		return Permanent
	}

	return Decision{Retry: true, After: p.Delay(attempt)}
}

// Delay computes the backoff for attempt.
func (p *DefaultRetry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	raw := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))

	factor := min(max(p.JitterFactor, 0), 0.999)
	if factor > 0 {
		raw += factor * raw * p.random()
	}

	if raw >= float64(maxDelay) {
		return maxDelay
	}

	return time.Duration(raw)
}

func (p *DefaultRetry) random() float64 {
	var r float64
	if p.Rand != nil {
		r = p.Rand()
	} else {
		r = rand.Float64()
	}

	return min(max(r, 0), math.Nextafter(1, 0))
}

// NoRetry fails every error permanently.
type NoRetry struct{}

func (NoRetry) Decide(int, error) Decision {
	return Permanent
}

// FromConfig builds the policy described by cfg. Unset numeric fields take
// the package defaults. A nil cfg yields the default retry policy.
//nolint:ireturn // callers only need the Policy behaviour
func FromConfig(cfg *models.PolicyConfig) Policy {
	if cfg == nil {
		return NewDefaultRetry()
	}

	if cfg.Kind == models.PolicyNoRetry {
		return NoRetry{}
	}

	p := NewDefaultRetry()

	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}

	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay.Std()
	}

	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay.Std()
	}

	if cfg.JitterFactor > 0 {
		p.JitterFactor = cfg.JitterFactor
	}

	return p
}
