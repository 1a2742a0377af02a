// Package workflow validates, loads and executes flow definitions.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// Validator checks flow definitions against the step registry.
type Validator struct {
	registry *registry.Registry
	engine   expression.Engine
	validate *validator.Validate
}

func NewValidator(reg *registry.Registry, engine expression.Engine) *Validator {
	return &Validator{
		registry: reg,
		engine:   engine,
		validate: validator.New(),
	}
}

// Validate returns every problem found in def; an empty result means the
// definition can be executed.
func (v *Validator) Validate(def *models.FlowDefinition) models.ValidationErrors {
	errs := make(models.ValidationErrors, 0)

	if def == nil {
		return append(errs, models.ValidationError{Message: "flow definition is required"})
	}

	errs = append(errs, v.structErrors(def)...)

	if def.Entry != "" {
		if _, ok := def.Step(def.Entry); !ok {
			errs = append(errs, models.ValidationError{Field: "entry", Message: fmt.Sprintf("entry step %q does not exist", def.Entry)})
		}
	}

	ids := make([]string, 0, len(def.Steps))
	for id := range def.Steps {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		step := def.Steps[id]
		if step == nil {
			continue
		}

		if step.ID != "" && step.ID != id {
			errs = append(errs, models.ValidationError{StepID: id, Field: "id", Message: fmt.Sprintf("id %q does not match its key", step.ID)})
		}

		errs = append(errs, v.stepErrors(def, id, step)...)
	}

	return errs
}

func (v *Validator) structErrors(def *models.FlowDefinition) models.ValidationErrors {
	err := v.validate.Struct(def)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return models.ValidationErrors{{Message: err.Error()}}
	}

	errs := make(models.ValidationErrors, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		errs = append(errs, models.ValidationError{
			Field:   fe.Namespace(),
			Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
		})
	}

	return errs
}

func (v *Validator) stepErrors(def *models.FlowDefinition, id string, step *models.StepDefinition) models.ValidationErrors {
	errs := make(models.ValidationErrors, 0)

	impl, err := v.registry.Resolve(step.Type)
	if err != nil {
		errs = append(errs, models.ValidationError{StepID: id, Field: "type", Message: err.Error()})
	} else {
		configErr := impl.Validate(step.Config)
		if configErr != nil {
			errs = append(errs, models.ValidationError{StepID: id, Field: "config", Message: configErr.Error()})
		}

		if schema, ok := v.registry.Schema(step.Type); ok {
			errs = append(errs, schemaErrors(id, schema, step.Config)...)
		}

		if brancher, ok := impl.(protocol.Brancher); ok && configErr == nil {
			errs = append(errs, branchErrors(id, brancher.Branches(step.Config), step.Transitions)...)
		}
	}

	errs = append(errs, v.expressionErrors(id, step.Config)...)

	unconditional := 0

	for i, t := range step.Transitions {
		field := fmt.Sprintf("transitions[%d]", i)

		if _, ok := def.Step(t.To); !ok && t.To != "" {
			errs = append(errs, models.ValidationError{StepID: id, Field: field, Message: fmt.Sprintf("target step %q does not exist", t.To)})
		}

		switch t.Kind() {
		case models.TransitionUnconditional:
			unconditional++
		case models.TransitionGuarded:
			if err := v.engine.Compile(t.When); err != nil {
				errs = append(errs, models.ValidationError{StepID: id, Field: field + ".when", Message: err.Error()})
			}
		case models.TransitionNamed:
		}
	}

	if unconditional > 1 {
		errs = append(errs, models.ValidationError{StepID: id, Field: "transitions", Message: "at most one unconditional transition is allowed"})
	}

	return errs
}

// branchErrors requires exactly the declared branches to be covered by named
// transitions.
func branchErrors(id string, branches []string, transitions []models.Transition) models.ValidationErrors {
	errs := make(models.ValidationErrors, 0)
	named := make(map[string]bool, len(transitions))

	for i, t := range transitions {
		if t.Kind() != models.TransitionNamed {
			continue
		}

		if named[t.Name] {
			errs = append(errs, models.ValidationError{StepID: id, Field: fmt.Sprintf("transitions[%d].name", i), Message: fmt.Sprintf("branch %q has more than one transition", t.Name)})
		}

		named[t.Name] = true

		if !slices.Contains(branches, t.Name) {
			errs = append(errs, models.ValidationError{StepID: id, Field: fmt.Sprintf("transitions[%d].name", i), Message: fmt.Sprintf("step never selects branch %q", t.Name)})
		}
	}

	for _, name := range branches {
		if !named[name] {
			errs = append(errs, models.ValidationError{StepID: id, Field: "transitions", Message: fmt.Sprintf("branch %q has no transition", name)})
		}
	}

	return errs
}

// expressionErrors compiles every "{{ }}" expression found in config.
func (v *Validator) expressionErrors(id string, config map[string]any) models.ValidationErrors {
	errs := make(models.ValidationErrors, 0)

	var walk func(path string, value any)

	walk = func(path string, value any) {
		switch t := value.(type) {
		case string:
			for _, source := range expression.Expressions(t) {
				if err := v.engine.Compile(source); err != nil {
					errs = append(errs, models.ValidationError{StepID: id, Field: path, Message: err.Error()})
				}
			}
		case map[string]any:
			for k, item := range t {
				walk(path+"."+k, item)
			}
		case []any:
			for i, item := range t {
				walk(fmt.Sprintf("%s[%d]", path, i), item)
			}
		}
	}

	walk("config", config)

	slices.SortFunc(errs, func(a, b models.ValidationError) int {
		return strings.Compare(a.Field, b.Field)
	})

	return errs
}

// schemaErrors checks config against the step's JSON schema. Properties
// whose value is an expression are only resolved at run time, so their
// constraints are dropped.
func schemaErrors(id string, schema, config map[string]any) models.ValidationErrors {
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(relaxSchema(schema, config)),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return models.ValidationErrors{{StepID: id, Field: "config", Message: fmt.Sprintf("schema check failed: %v", err)}}
	}

	if result.Valid() {
		return nil
	}

	errs := make(models.ValidationErrors, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, models.ValidationError{StepID: id, Field: "config." + re.Field(), Message: re.Description()})
	}

	return errs
}

func relaxSchema(schema, config map[string]any) map[string]any {
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return schema
	}

	relaxed := make(map[string]any, len(schema))
	for k, v := range schema {
		relaxed[k] = v
	}

	props := make(map[string]any, len(properties))

	for name, prop := range properties {
		if s, isString := config[name].(string); isString && expression.IsExpression(s) {
			props[name] = map[string]any{}

			continue
		}

		props[name] = prop
	}

	relaxed["properties"] = props

	return relaxed
}
