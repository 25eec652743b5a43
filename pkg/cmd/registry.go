package cmd

import (
	"log/slog"

	"github.com/nornlabs/norn/pkg/registry"
)

// NewRegistry builds the executor registry with the native executors
// registered. When pluginsPath is non-empty, executor plugins are loaded
// from it; a bad plugin directory is a startup error.
func NewRegistry(logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultExecutors()

	if pluginsPath == "" {
		return reg, nil
	}

	factories, err := reg.LoadExecutorPlugins(pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, factory := range factories {
		reg.RegisterExecutor(factory)
	}

	return reg, nil
}
