// Package log provides a logging executor for workflow nodes.
package log

import (
	"context"

	"github.com/nornlabs/norn/pkg/protocol"
)

// LogExecutorFactory creates LogExecutor instances.
type LogExecutorFactory struct{}

// NewLogExecutorFactory creates a new factory instance.
func NewLogExecutorFactory() protocol.ExecutorFactory {
	return &LogExecutorFactory{}
}

// Create creates a new LogExecutor instance.
func (f *LogExecutorFactory) Create(ctx context.Context, config map[string]any) (protocol.Executor, error) {
	return NewLogExecutor(config)
}

// ID returns the factory ID.
func (f *LogExecutorFactory) ID() string {
	return "log"
}

// Name returns the factory name.
func (f *LogExecutorFactory) Name() string {
	return "Log"
}

// Description returns the factory description.
func (f *LogExecutorFactory) Description() string {
	return "Logs a message at the configured level (debug, info, warn, error) together with the execution context"
}

// Schema returns the JSON schema for Log executor configuration.
func (f *LogExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log",
				"examples": []string{
					"Order batch accepted",
					"Sync step finished",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"enum":        []string{"debug", "info", "warn", "error"},
				"default":     "info",
			},
		},
		"required": []string{"message"},
		"examples": []map[string]any{
			{
				"message": "Starting nightly reconciliation",
				"level":   "info",
			},
			{
				"message": "Upstream returned partial data",
				"level":   "warn",
			},
		},
	}
}
