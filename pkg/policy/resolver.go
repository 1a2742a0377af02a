package policy

import "github.com/dukex/operion-engine/pkg/models"

// Resolver picks the policy for a step: the step's override, then the flow
// default, then the engine default.
type Resolver struct {
	Default Policy
}

func NewResolver(def Policy) *Resolver {
	if def == nil {
		def = NewDefaultRetry()
	}

	return &Resolver{Default: def}
}

//nolint:ireturn // callers only need the Policy behaviour
func (r *Resolver) For(flow *models.FlowDefinition, step *models.StepDefinition) Policy {
	if step != nil && step.ErrorPolicy != nil {
		return FromConfig(step.ErrorPolicy)
	}

	if flow != nil && flow.ErrorPolicy != nil {
		return FromConfig(flow.ErrorPolicy)
	}

	return r.Default
}
