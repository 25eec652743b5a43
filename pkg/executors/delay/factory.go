// Package delay provides a timed-wait executor for workflow nodes.
package delay

import (
	"context"

	"github.com/nornlabs/norn/pkg/protocol"
)

// DelayExecutorFactory creates DelayExecutor instances.
type DelayExecutorFactory struct{}

// NewDelayExecutorFactory creates a new factory instance.
func NewDelayExecutorFactory() protocol.ExecutorFactory {
	return &DelayExecutorFactory{}
}

// Create creates a new DelayExecutor instance.
func (f *DelayExecutorFactory) Create(ctx context.Context, config map[string]any) (protocol.Executor, error) {
	return NewDelayExecutor(config)
}

// ID returns the factory ID.
func (f *DelayExecutorFactory) ID() string {
	return "delay"
}

// Name returns the factory name.
func (f *DelayExecutorFactory) Name() string {
	return "Delay"
}

// Description returns the factory description.
func (f *DelayExecutorFactory) Description() string {
	return "Waits for a configured duration before continuing, honoring cancellation"
}

// Schema returns the JSON schema for Delay executor configuration.
func (f *DelayExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"seconds": map[string]any{
				"type":        "number",
				"description": "How long to wait, in seconds",
				"minimum":     0,
				"maximum":     86400,
				"examples":    []float64{0.5, 30, 300},
			},
		},
		"required": []string{"seconds"},
		"examples": []map[string]any{
			{"seconds": 30},
		},
	}
}
