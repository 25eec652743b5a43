package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"strings"

	"github.com/nornlabs/norn/pkg/protocol"
)

// LoadExecutorPlugins loads executor factories from shared objects under
// <pluginsPath>/executors. Each plugin exports an `Executor` symbol
// implementing protocol.ExecutorFactory.
func (r *Registry) LoadExecutorPlugins(pluginsPath string) ([]protocol.ExecutorFactory, error) {
	return loadPlugin[protocol.ExecutorFactory](r.logger, pluginsPath, "Executor")
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
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
			return nil, fmt.Errorf("failed to lookup symbol %s in plugin %s: %w", symbolName, p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s symbol %s has wrong type", p, symbolName)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded executor plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
