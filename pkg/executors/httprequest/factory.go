// Package httprequest provides an HTTP request executor for workflow nodes.
package httprequest

import (
	"context"

	"github.com/nornlabs/norn/pkg/protocol"
)

// HTTPRequestExecutorFactory creates HTTPRequestExecutor instances.
type HTTPRequestExecutorFactory struct{}

// NewHTTPRequestExecutorFactory creates a new HTTP request executor factory.
func NewHTTPRequestExecutorFactory() protocol.ExecutorFactory {
	return &HTTPRequestExecutorFactory{}
}

// Create creates a new HTTPRequestExecutor instance.
func (f *HTTPRequestExecutorFactory) Create(ctx context.Context, config map[string]any) (protocol.Executor, error) {
	return NewHTTPRequestExecutor(config)
}

// ID returns the factory ID.
func (f *HTTPRequestExecutorFactory) ID() string {
	return "httprequest"
}

// Name returns the factory name.
func (f *HTTPRequestExecutorFactory) Name() string {
	return "HTTP Request"
}

// Description returns the factory description.
func (f *HTTPRequestExecutorFactory) Description() string {
	return "Performs HTTP requests with transient-error retries; client errors fail permanently"
}

// Schema returns the JSON schema for HTTP request executor configuration.
func (f *HTTPRequestExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP URL to request",
				"examples": []string{
					"https://api.example.com/users",
					"https://internal.example.com/webhook/sync",
				},
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method",
				"default":     "GET",
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "HTTP headers",
				"examples": []map[string]any{
					{"Content-Type": "application/json", "User-Agent": "Norn/1.0"},
				},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds",
				"default":     30,
				"minimum":     1,
				"maximum":     300,
			},
			"retries": map[string]any{
				"type":        "object",
				"description": "Retry configuration for transient failures",
				"properties": map[string]any{
					"attempts": map[string]any{
						"type":        "number",
						"description": "Number of attempts (including the initial request)",
						"default":     1,
						"minimum":     1,
						"maximum":     10,
					},
					"delay": map[string]any{
						"type":        "number",
						"description": "Delay between attempts in milliseconds",
						"default":     1000,
						"minimum":     0,
						"maximum":     30000,
					},
				},
				"examples": []map[string]any{
					{"attempts": 3, "delay": 1000},
				},
			},
		},
		"required": []string{"url"},
		"examples": []map[string]any{
			{
				"url":    "https://api.example.com/health",
				"method": "GET",
			},
			{
				"url":     "https://api.example.com/orders",
				"method":  "POST",
				"headers": map[string]string{"Content-Type": "application/json"},
				"body":    `{"status": "completed"}`,
				"retries": map[string]any{"attempts": 3, "delay": 1000},
			},
		},
	}
}
