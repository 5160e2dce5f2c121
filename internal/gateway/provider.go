// Package gateway adapts conversation state into a model request/response
// cycle. It owns the system persona, renders the session transcript into
// provider messages, and parses raw model output into either a final
// response or a tool-use directive.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/tools"
)

// ChatMessage is one provider-facing message.
type ChatMessage struct {
	Role    string `json:"role"` // user, assistant, tool
	Content string `json:"content"`
}

// CompletionRequest is the minimal request contract shared by all providers.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	Tools     []tools.Definition
	MaxTokens int
}

// ToolRequest is a structured tool-call directive parsed from model output.
type ToolRequest struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// CompletionResponse carries the model's reply: free text, and at most one
// tool-call descriptor.
type CompletionResponse struct {
	Content    string
	ToolCall   *ToolRequest
	StopReason string
}

// Provider is a black-box model inference backend.
type Provider interface {
	// Kind names the provider ("anthropic", "openai", "mock", ...).
	Kind() string

	// Complete performs one inference round trip.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderError is a classified provider failure. StatusCode 0 means the
// request never reached the backend (network error).
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
}

// Transient reports whether the failure is worth retrying: network errors,
// timeouts, rate limits, and backend 5xx.
func (e *ProviderError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408 || e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ── Provider registry ───────────────────────────────────────

// ProviderRegistry holds named providers so the wiring code can select one
// by configuration and tests can drop in mocks.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

func (r *ProviderRegistry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown model provider %q", kind)
	}
	return p, nil
}
