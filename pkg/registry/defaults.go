package registry

import (
	"github.com/nornlabs/norn/pkg/executors/delay"
	"github.com/nornlabs/norn/pkg/executors/httprequest"
	"github.com/nornlabs/norn/pkg/executors/log"
)

// RegisterDefaultExecutors registers all built-in executor factories with the registry.
func (r *Registry) RegisterDefaultExecutors() {
	// Register HTTP Request executor
	r.RegisterExecutor(httprequest.NewHTTPRequestExecutorFactory())

	// Register Log executor
	r.RegisterExecutor(log.NewLogExecutorFactory())

	// Register Delay executor
	r.RegisterExecutor(delay.NewDelayExecutorFactory())
}
