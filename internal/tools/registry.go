// Package tools holds the tool schema registry and the built-in tool
// backends. The registry is the single source of truth for which tools the
// model may request and what their inputs look like; the dispatcher resolves
// backends through it at execution time.
package tools

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/pkg/contracts"
	"github.com/rs/zerolog/log"
)

var (
	ErrToolUnregistered = errors.New("tool is not registered")
	ErrToolNameEmpty    = errors.New("tool name is empty")
)

// Definition is the schema surface handed to the inference gateway.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Registry stores tool backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]contracts.ToolBackend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]contracts.ToolBackend)}
}

// Register adds or replaces a tool backend.
func (r *Registry) Register(backend contracts.ToolBackend) error {
	if backend == nil {
		return errors.New("tool backend is nil")
	}
	if backend.Name() == "" {
		return ErrToolNameEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.Name()] = backend
	log.Info().Str("tool", backend.Name()).Msg("Registered tool backend")
	return nil
}

// Get returns the backend for a tool name.
func (r *Registry) Get(name string) (contracts.ToolBackend, error) {
	if name == "" {
		return nil, ErrToolNameEmpty
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolUnregistered, name)
	}
	return backend, nil
}

// Definitions returns the schema list for the model request. Order is not
// guaranteed; callers that need ordering sort themselves.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, Definition{
			Name:        b.Name(),
			Description: b.Description(),
			InputSchema: b.InputSchema(),
		})
	}
	return out
}

// ValidateInput checks a model-proposed input against the tool's declared
// schema before the request is ever enqueued: required fields must be
// present and typed properties must match.
func (r *Registry) ValidateInput(name string, input map[string]interface{}) error {
	backend, err := r.Get(name)
	if err != nil {
		return err
	}
	return validateAgainstSchema(backend.InputSchema(), input)
}

func validateAgainstSchema(schema, input map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}

	for _, field := range requiredFields(schema["required"]) {
		if _, present := input[field]; !present {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, _ := schema["properties"].(map[string]interface{})
	for key, value := range input {
		propSchema, ok := properties[key].(map[string]interface{})
		if !ok {
			continue
		}
		expected, _ := propSchema["type"].(string)
		if expected == "" {
			continue
		}
		if !matchesType(expected, value) {
			return fmt.Errorf("argument %q must be %q", key, expected)
		}
	}
	return nil
}

func requiredFields(raw interface{}) []string {
	switch value := raw.(type) {
	case []string:
		return value
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if field, ok := item.(string); ok {
				out = append(out, field)
			}
		}
		return out
	default:
		return nil
	}
}

func matchesType(expected string, value interface{}) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}
