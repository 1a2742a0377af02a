package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

type Registry struct {
	logger *slog.Logger
	mu     sync.RWMutex
	steps  map[string]protocol.Step
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger: log,
		steps:  make(map[string]protocol.Step),
	}
}

// LoadStepPlugins opens every shared object under <pluginsPath>/steps and
// looks up its exported "Step" symbol.
func (r *Registry) LoadStepPlugins(pluginsPath string) ([]protocol.Step, error) {
	return loadPlugin[protocol.Step](r.logger, pluginsPath, "Step")
}

// RegisterStep adds step under its Type, replacing any previous registration.
func (r *Registry) RegisterStep(step protocol.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps[step.Type()] = step
}

// Resolve returns the step registered for stepType.
//nolint:ireturn // registry hands out the step interface
func (r *Registry) Resolve(stepType string) (protocol.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStepType, stepType)
	}

	return step, nil
}

func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.steps[stepType]

	return ok
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			// exported variables are looked up as pointers
			ptr, isPtr := v.(*T)
			if !isPtr {
				return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
			}

			castV = *ptr
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded step plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
