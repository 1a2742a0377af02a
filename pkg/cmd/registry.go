// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/operion-engine/pkg/registry"
)

// NewRegistry registers the built-in steps, then any step plugins found
// under pluginsPath. A plugin may replace a built-in type.
func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)
	reg.RegisterDefaultSteps()

	if pluginsPath == "" {
		return reg, nil
	}

	plugins, err := reg.LoadStepPlugins(pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, plugin := range plugins {
		reg.RegisterStep(plugin)
	}

	return reg, nil
}
