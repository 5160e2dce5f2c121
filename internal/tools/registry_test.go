package tools_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/contracts"
)

// stubBackend is a minimal in-process ToolBackend for registry tests.
type stubBackend struct {
	name   string
	schema map[string]interface{}
}

func (s *stubBackend) Name() string                        { return s.name }
func (s *stubBackend) Description() string                 { return "stub" }
func (s *stubBackend) InputSchema() map[string]interface{} { return s.schema }
func (s *stubBackend) Timeout() time.Duration              { return time.Second }
func (s *stubBackend) Invoke(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func ticketSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email":   map[string]interface{}{"type": "string"},
			"summary": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"email"},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := tools.NewRegistry()
	if err := r.Register(&stubBackend{name: "create_ticket", schema: ticketSchema()}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	backend, err := r.Get("create_ticket")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if backend.Name() != "create_ticket" {
		t.Errorf("Get().Name() = %q, want create_ticket", backend.Name())
	}

	if _, err := r.Get("missing"); !errors.Is(err, tools.ErrToolUnregistered) {
		t.Errorf("Get(missing) error = %v, want ErrToolUnregistered", err)
	}
}

func TestRegistry_Definitions(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&stubBackend{name: "create_ticket", schema: ticketSchema()})
	r.Register(&stubBackend{name: "lookup_order", schema: nil})

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len(Definitions()) = %d, want 2", len(defs))
	}
}

func TestValidateInput(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&stubBackend{name: "create_ticket", schema: ticketSchema()})

	tests := []struct {
		name    string
		input   map[string]interface{}
		wantErr bool
	}{
		{"valid", map[string]interface{}{"email": "a@b.com"}, false},
		{"valid with optional", map[string]interface{}{"email": "a@b.com", "summary": "login"}, false},
		{"missing required", map[string]interface{}{"summary": "login"}, true},
		{"wrong type", map[string]interface{}{"email": 42.0}, true},
		{"extra key passes", map[string]interface{}{"email": "a@b.com", "extra": 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateInput("create_ticket", tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInput() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookBackend_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("auth header = %q, want secret", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticketId":"T-123"}`))
	}))
	defer srv.Close()

	backend := tools.NewWebhookBackend(tools.WebhookConfig{
		Name:       "create_ticket",
		Endpoint:   srv.URL,
		AuthHeader: "X-Api-Key",
		AuthValue:  "secret",
	})

	out, err := backend.Invoke(context.Background(), map[string]interface{}{"email": "a@b.com"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out["ticketId"] != "T-123" {
		t.Errorf("output[ticketId] = %v, want T-123", out["ticketId"])
	}
}

func TestWebhookBackend_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	backend := tools.NewWebhookBackend(tools.WebhookConfig{Name: "create_ticket", Endpoint: srv.URL})
	_, err := backend.Invoke(context.Background(), nil)
	if err == nil {
		t.Fatal("Invoke() error = nil, want permanent error")
	}
	if !contracts.IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = false, want true", err)
	}
}

func TestWebhookBackend_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "flaky", http.StatusBadGateway)
	}))
	defer srv.Close()

	backend := tools.NewWebhookBackend(tools.WebhookConfig{Name: "create_ticket", Endpoint: srv.URL})
	_, err := backend.Invoke(context.Background(), nil)
	if err == nil {
		t.Fatal("Invoke() error = nil, want retryable error")
	}
	if contracts.IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = true, want false for 5xx", err)
	}
}
