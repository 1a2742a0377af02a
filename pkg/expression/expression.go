// Package expression evaluates guard and config expressions against an
// instance's context bag.
package expression

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Engine evaluates expressions. Implementations must be safe for concurrent use.
type Engine interface {
	Evaluate(expression string, env map[string]any) (any, error)
	Compile(expression string) error
}

var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		s, _ := params[0].(string)

		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}, new(func(string) string)),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)

		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}

		return string(decoded), nil
	}, new(func(string) string)),
}

// ExprEngine is the Engine backed by expr-lang. Compiled programs are cached
// by source text.
type ExprEngine struct {
	programs sync.Map
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(*vm.Program), nil
	}

	opts := []expr.Option{
		expr.AllowUndefinedVariables(),
	}
	opts = append(opts, exprFunctions...)

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, &models.EvaluationError{Expression: expression, Err: err}
	}

	e.programs.Store(expression, program)

	return program, nil
}

// Compile checks that expression parses.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression)

	return err
}

func (e *ExprEngine) Evaluate(expression string, env map[string]any) (any, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, &models.EvaluationError{Expression: expression, Err: err}
	}

	return out, nil
}

var (
	wholeExpression    = regexp.MustCompile(`^\s*\{\{(.+?)\}\}\s*$`)
	embeddedExpression = regexp.MustCompile(`\{\{(.+?)\}\}`)
)

// IsExpression reports whether s contains a "{{ ... }}" expression.
func IsExpression(s string) bool {
	return embeddedExpression.MatchString(s)
}

// Expressions returns the source of every "{{ ... }}" expression in s.
func Expressions(s string) []string {
	matches := embeddedExpression.FindAllStringSubmatch(s, -1)

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}

	return out
}

// Resolve walks config and replaces expression strings. A string that is a
// single "{{ expr }}" becomes the typed result; a string with embedded
// expressions has each one substituted with its formatted value. Other
// values are copied unchanged.
func Resolve(engine Engine, config map[string]any, env map[string]any) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(config))

	for k, v := range config {
		resolved, err := ResolveValue(engine, v, env)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", k, err)
		}

		out[k] = resolved
	}

	return out, nil
}

// ResolveValue resolves a single config value. See Resolve.
func ResolveValue(engine Engine, value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(engine, v, env)
	case map[string]any:
		return Resolve(engine, v, env)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			resolved, err := ResolveValue(engine, item, env)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

func resolveString(engine Engine, s string, env map[string]any) (any, error) {
	if m := wholeExpression.FindStringSubmatch(s); m != nil && !strings.Contains(m[1], "}}") {
		return engine.Evaluate(strings.TrimSpace(m[1]), env)
	}

	if !IsExpression(s) {
		return s, nil
	}

	var evalErr error

	result := embeddedExpression.ReplaceAllStringFunc(s, func(match string) string {
		if evalErr != nil {
			return match
		}

		source := strings.TrimSpace(match[2 : len(match)-2])

		v, err := engine.Evaluate(source, env)
		if err != nil {
			evalErr = err

			return match
		}

		if v == nil {
			return ""
		}

		return fmt.Sprint(v)
	})

	if evalErr != nil {
		return nil, evalErr
	}

	return result, nil
}

// Truthy converts an evaluated value to a boolean: false, nil, zero numbers,
// empty strings, "false" and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false") && t != "0"
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
