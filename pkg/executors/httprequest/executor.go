package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// HTTPRequestExecutor performs one configured HTTP request per node execution.
type HTTPRequestExecutor struct {
	config HTTPRequestConfig
	client *http.Client
}

// HTTPRequestConfig defines the configuration for HTTP request executors.
type HTTPRequestConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	Timeout int               `json:"timeout"`
	Retries RetryConfig       `json:"retries"`
}

// RetryConfig defines retry behavior for HTTP requests.
type RetryConfig struct {
	Attempts int `json:"attempts"`
	Delay    int `json:"delay"`
}

// NewHTTPRequestExecutor creates a new HTTP request executor.
func NewHTTPRequestExecutor(config map[string]any) (*HTTPRequestExecutor, error) {
	httpConfig := HTTPRequestConfig{
		Method:  http.MethodGet,
		Headers: make(map[string]string),
		Timeout: 30,
		Retries: RetryConfig{Attempts: 1, Delay: 0},
	}

	if url, ok := config["url"].(string); ok {
		httpConfig.URL = url
	} else {
		return nil, errors.New("missing required field 'url'")
	}

	if method, ok := config["method"].(string); ok {
		httpConfig.Method = strings.ToUpper(method)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if strVal, ok := v.(string); ok {
				httpConfig.Headers[k] = strVal
			}
		}
	}

	if body, ok := config["body"].(string); ok {
		httpConfig.Body = body
	}

	if timeout, ok := config["timeout"].(float64); ok {
		httpConfig.Timeout = int(timeout)
	}

	if retries, ok := config["retries"].(map[string]any); ok {
		if attempts, ok := retries["attempts"].(float64); ok {
			httpConfig.Retries.Attempts = int(attempts)
		}

		if delay, ok := retries["delay"].(float64); ok {
			httpConfig.Retries.Delay = int(delay)
		}
	}

	if httpConfig.Retries.Attempts < 1 {
		httpConfig.Retries.Attempts = 1
	}

	return &HTTPRequestExecutor{
		config: httpConfig,
		client: &http.Client{Timeout: time.Duration(httpConfig.Timeout) * time.Second},
	}, nil
}

// Execute performs the HTTP request, retrying transient failures. Client
// errors (4xx) fail permanently so the engine's retry policy skips them.
func (e *HTTPRequestExecutor) Execute(ctx context.Context, execCtx models.ExecutionContext) (*models.ExecutionResult, error) {
	var lastErr error

	for attempt := 1; attempt <= e.config.Retries.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(e.config.Retries.Delay) * time.Millisecond):
			}
		}

		data, err := e.performRequest(ctx)
		if err == nil {
			return &models.ExecutionResult{Success: true, Data: data}, nil
		}

		lastErr = err

		httpErr := &HTTPError{}
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			return &models.ExecutionResult{
				Success:      false,
				ErrorMessage: err.Error(),
				ErrorDetails: map[string]any{"status_code": httpErr.StatusCode},
				Permanent:    true,
			}, nil
		}
	}

	return &models.ExecutionResult{
		Success:      false,
		ErrorMessage: fmt.Sprintf("HTTP request failed after %d attempts: %v", e.config.Retries.Attempts, lastErr),
	}, nil
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// performRequest executes a single HTTP request.
func (e *HTTPRequestExecutor) performRequest(ctx context.Context) (map[string]any, error) {
	var reqBody io.Reader
	if e.config.Body != "" {
		reqBody = strings.NewReader(e.config.Body)
	}

	req, err := http.NewRequestWithContext(ctx, e.config.Method, e.config.URL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range e.config.Headers {
		req.Header.Set(key, value)
	}

	if e.config.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     resp.Header,
		"body":        string(respBody),
	}

	// JSON responses are additionally exposed parsed.
	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}
