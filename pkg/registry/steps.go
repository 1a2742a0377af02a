// Package registry maps step types to their implementations.
package registry

import (
	"github.com/dukex/operion-engine/pkg/steps/branch"
	"github.com/dukex/operion-engine/pkg/steps/delay"
	"github.com/dukex/operion-engine/pkg/steps/fail"
	"github.com/dukex/operion-engine/pkg/steps/httprequest"
	"github.com/dukex/operion-engine/pkg/steps/log"
	"github.com/dukex/operion-engine/pkg/steps/pass"
	"github.com/dukex/operion-engine/pkg/steps/transform"
)

// RegisterDefaultSteps registers all built-in step types with the registry.
func (r *Registry) RegisterDefaultSteps() {
	r.RegisterStep(pass.NewStep())
	r.RegisterStep(branch.NewStep())
	r.RegisterStep(delay.NewStep())
	r.RegisterStep(httprequest.NewStep(nil))
	r.RegisterStep(log.NewStep())
	r.RegisterStep(transform.NewStep())
	r.RegisterStep(fail.NewStep())
}
