// Package tools — webhook tool backend (OSS built-in).
//
// Each configured tool maps to one HTTP endpoint. An invocation POSTs the
// input as JSON and expects a JSON object back; non-2xx responses are
// errors, with 4xx marked permanent so the dispatcher does not retry them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parleyhq/parley/pkg/contracts"
)

// DefaultToolTimeout bounds a single webhook invocation attempt.
const DefaultToolTimeout = 30 * time.Second

// WebhookConfig declares one webhook-backed tool.
type WebhookConfig struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Endpoint    string                 `json:"endpoint"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Timeout     time.Duration          `json:"timeout"`

	// AuthHeader/AuthValue optionally set a static auth header on every call.
	AuthHeader string `json:"auth_header,omitempty"`
	AuthValue  string `json:"auth_value,omitempty"`
}

// WebhookBackend implements contracts.ToolBackend over HTTP POST.
type WebhookBackend struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookBackend creates a webhook-backed tool from its declaration.
func NewWebhookBackend(cfg WebhookConfig) *WebhookBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	cfg.Timeout = timeout
	return &WebhookBackend{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookBackend) Name() string                        { return w.cfg.Name }
func (w *WebhookBackend) Description() string                 { return w.cfg.Description }
func (w *WebhookBackend) InputSchema() map[string]interface{} { return w.cfg.InputSchema }
func (w *WebhookBackend) Timeout() time.Duration              { return w.cfg.Timeout }

// Invoke POSTs the input to the tool endpoint and decodes the JSON response.
func (w *WebhookBackend) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, contracts.Permanent(fmt.Errorf("marshal input: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, contracts.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.AuthHeader != "" && w.cfg.AuthValue != "" {
		req.Header.Set(w.cfg.AuthHeader, w.cfg.AuthValue)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The backend rejected this input; retrying won't change its mind.
		return nil, contracts.Permanent(fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, w.cfg.Name, truncate(respBody, 256)))
	default:
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, w.cfg.Name)
	}

	output := make(map[string]interface{})
	if len(bytes.TrimSpace(respBody)) == 0 {
		return output, nil
	}
	if err := json.Unmarshal(respBody, &output); err != nil {
		return nil, contracts.Permanent(fmt.Errorf("decode response from %s: %w", w.cfg.Name, err))
	}
	return output, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
