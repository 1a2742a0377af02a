// Package models defines the core domain models for durable flow execution.
package models

import "time"

// FlowDefinition is the immutable description of a flow: its steps and the
// transition graph between them.
type FlowDefinition struct {
	ID          string                     `json:"id"                     yaml:"id"                     validate:"required"`
	Name        string                     `json:"name"                   yaml:"name"                   validate:"required,min=1"`
	Version     int                        `json:"version"                yaml:"version"`
	Entry       string                     `json:"entry"                  yaml:"entry"                  validate:"required"`
	Steps       map[string]*StepDefinition `json:"steps"                  yaml:"steps"                  validate:"required,min=1,dive,required"`
	ErrorPolicy *PolicyConfig              `json:"error_policy,omitempty" yaml:"error_policy,omitempty"`
	StepTimeout Duration                   `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"             yaml:"created_at,omitempty"`
}

// StepDefinition describes a single step of a flow.
type StepDefinition struct {
	ID          string         `json:"id"                     yaml:"id"                     validate:"required"`
	Type        string         `json:"type"                   yaml:"type"                   validate:"required"`
	Config      map[string]any `json:"config,omitempty"       yaml:"config,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty"  yaml:"transitions,omitempty"  validate:"dive"`
	ErrorPolicy *PolicyConfig  `json:"error_policy,omitempty" yaml:"error_policy,omitempty"`
	Timeout     Duration       `json:"timeout,omitempty"      yaml:"timeout,omitempty"`
}

// TransitionKind tags how a transition is selected.
type TransitionKind string

const (
	TransitionUnconditional TransitionKind = "unconditional"
	TransitionNamed         TransitionKind = "named"   // selected by a step's branch output
	TransitionGuarded       TransitionKind = "guarded" // selected when its When expression is true
)

// Transition is a directed edge to a candidate next step.
type Transition struct {
	To   string `json:"to"             yaml:"to"             validate:"required"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// Kind reports how the transition is selected.
func (t Transition) Kind() TransitionKind {
	switch {
	case t.When != "":
		return TransitionGuarded
	case t.Name != "":
		return TransitionNamed
	default:
		return TransitionUnconditional
	}
}

// PolicyKind names a built-in error policy.
type PolicyKind string

const (
	PolicyDefault PolicyKind = "default"
	PolicyNoRetry PolicyKind = "none"
)

// PolicyConfig selects and parameterises an error policy for a flow or step.
// MaxAttempts counts retried failures; see policy.DefaultRetry.
type PolicyConfig struct {
	Kind         PolicyKind `json:"kind"                    yaml:"kind"                    validate:"required,oneof=default none"`
	MaxAttempts  int        `json:"max_attempts,omitempty"  yaml:"max_attempts,omitempty"  validate:"gte=0"`
	BaseDelay    Duration   `json:"base_delay,omitempty"    yaml:"base_delay,omitempty"`
	MaxDelay     Duration   `json:"max_delay,omitempty"     yaml:"max_delay,omitempty"`
	JitterFactor float64    `json:"jitter_factor,omitempty" yaml:"jitter_factor,omitempty" validate:"gte=0,lt=1"`
}

// Step returns the step definition with the given id.
func (f *FlowDefinition) Step(id string) (*StepDefinition, bool) {
	step, ok := f.Steps[id]
	if !ok || step == nil {
		return nil, false
	}

	return step, true
}

// Clone returns a deep copy so an instance can hold a snapshot that is not
// affected by later edits of the stored definition.
func (f *FlowDefinition) Clone() FlowDefinition {
	clone := *f
	clone.Steps = make(map[string]*StepDefinition, len(f.Steps))

	for id, step := range f.Steps {
		if step == nil {
			continue
		}

		s := *step
		s.Config = cloneMap(step.Config)
		s.Transitions = append([]Transition(nil), step.Transitions...)

		if step.ErrorPolicy != nil {
			p := *step.ErrorPolicy
			s.ErrorPolicy = &p
		}

		clone.Steps[id] = &s
	}

	if f.ErrorPolicy != nil {
		p := *f.ErrorPolicy
		clone.ErrorPolicy = &p
	}

	return clone
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}

// CloneBag copies a context bag. Nested maps and slices are copied too.
func CloneBag(in map[string]any) map[string]any {
	if in == nil {
		return make(map[string]any)
	}

	return cloneMap(in)
}
