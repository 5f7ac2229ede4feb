package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// Builtin returns the default utility providers registered at startup.
// Real execution units (script, voice, publishing, ...) are registered
// by the host process; these cover smoke tests and local development.
func Builtin() []Provider {
	return []Provider{
		NewEcho(),
		NewTransform(),
		NewDelay(),
		NewHTTPRequest(),
		NewFail(),
	}
}

// NewEcho returns a provider that copies its inputs to its outputs.
func NewEcho() Provider {
	return &Func{
		ProviderName: "echo",
		ProviderKind: "util",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			outputs := make(map[string]interface{}, len(inputs))
			for k, v := range inputs {
				outputs[k] = v
			}
			return outputs, nil
		},
	}
}

// NewDelay returns a provider that sleeps for config["duration"]
// (Go duration string) and reports how long it waited.
func NewDelay() Provider {
	return &Func{
		ProviderName: "delay",
		ProviderKind: "util",
		Produces:     []string{"waited"},
		ValidateFn: func(config map[string]interface{}) bool {
			s, ok := config["duration"].(string)
			if !ok {
				return false
			}
			_, err := time.ParseDuration(s)
			return err == nil
		},
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			s, _ := config["duration"].(string)
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, types.NewFailure(types.CodeValidation, false, "invalid duration %q", s)
			}
			select {
			case <-time.After(d):
				return map[string]interface{}{"waited": d.String()}, nil
			case <-ctx.Done():
				return nil, fmt.Errorf("delay interrupted: %w", ctx.Err())
			}
		},
	}
}

var transformOps = map[string]func(string) interface{}{
	"uppercase": func(s string) interface{} { return strings.ToUpper(s) },
	"lowercase": func(s string) interface{} { return strings.ToLower(s) },
	"trim":      func(s string) interface{} { return strings.TrimSpace(s) },
	"length":    func(s string) interface{} { return len(s) },
}

// NewTransform returns a provider applying config["operation"] to the
// "value" input. Operations: uppercase, lowercase, trim, length.
func NewTransform() Provider {
	return &Func{
		ProviderName: "transform",
		ProviderKind: "util",
		Required:     []string{"value"},
		Produces:     []string{"result"},
		ValidateFn: func(config map[string]interface{}) bool {
			op, ok := config["operation"].(string)
			if !ok {
				return false
			}
			_, known := transformOps[op]
			return known
		},
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			op, _ := config["operation"].(string)
			fn, ok := transformOps[op]
			if !ok {
				return nil, types.NewFailure(types.CodeValidation, false, "unknown operation %q", op)
			}
			value, ok := inputs["value"].(string)
			if !ok {
				value = fmt.Sprintf("%v", inputs["value"])
			}
			return map[string]interface{}{"result": fn(value)}, nil
		},
	}
}

const httpResponseLimit = 1 << 20

// NewHTTPRequest returns a provider issuing an HTTP request to the
// "url" input. Method comes from config (default GET), an optional
// "body" input is sent as the request body. 5xx responses are returned
// as errors so the step retry policy applies; other statuses are
// reported in the outputs.
func NewHTTPRequest() Provider {
	client := &http.Client{}
	return &Func{
		ProviderName: "http.request",
		ProviderKind: "http",
		Required:     []string{"url"},
		Produces:     []string{"status", "body"},
		ValidateFn: func(config map[string]interface{}) bool {
			m, ok := config["method"]
			if !ok {
				return true
			}
			s, ok := m.(string)
			if !ok {
				return false
			}
			switch strings.ToUpper(s) {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
				return true
			}
			return false
		},
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			url, ok := inputs["url"].(string)
			if !ok || url == "" {
				return nil, types.NewFailure(types.CodeValidation, false, "url input must be a non-empty string")
			}
			method := http.MethodGet
			if m, ok := config["method"].(string); ok {
				method = strings.ToUpper(m)
			}
			var body io.Reader
			if b, ok := inputs["body"].(string); ok && b != "" {
				body = strings.NewReader(b)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, body)
			if err != nil {
				return nil, types.NewFailure(types.CodeValidation, false, "build request: %v", err)
			}
			if ct, ok := config["content_type"].(string); ok {
				req.Header.Set("Content-Type", ct)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("request %s %s: %w", method, url, err)
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(io.LimitReader(resp.Body, httpResponseLimit))
			if err != nil {
				return nil, fmt.Errorf("read response: %w", err)
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
			}
			return map[string]interface{}{
				"status": resp.StatusCode,
				"body":   string(data),
			}, nil
		},
	}
}

// NewFail returns a provider that always fails with config["message"].
// config["retryable"] controls whether step retry applies. Exists for
// exercising error paths in development pipelines.
func NewFail() Provider {
	return &Func{
		ProviderName: "fail",
		ProviderKind: "util",
		Fn: func(ctx context.Context, config, inputs map[string]interface{}) (map[string]interface{}, error) {
			message, _ := config["message"].(string)
			if message == "" {
				message = "fail provider invoked"
			}
			retryable, _ := config["retryable"].(bool)
			return nil, types.NewFailure(types.CodeProviderError, retryable, "%s", message)
		},
	}
}
