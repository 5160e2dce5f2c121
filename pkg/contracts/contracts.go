// Package contracts defines the pluggable service interfaces for the Parley
// orchestrator.
//
// The OSS repo ships concrete implementations (webhook tool backend, log and
// webhook event sinks, Anthropic/OpenAI model providers). Deployments can
// provide their own implementations and register them in the wiring code
// without touching the orchestration core.
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in pkg/
// so external wiring code can reference it without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Tool backends ───────────────────────────────────────────

// ToolBackend executes one kind of side-effecting action on behalf of the
// model. The dispatcher treats it as a black box: input in, output out,
// bounded by Timeout. Implementations must be safe for concurrent use.
type ToolBackend interface {
	// Name is the tool identifier the model requests it by.
	Name() string

	// Description is surfaced to the model alongside the schema.
	Description() string

	// InputSchema is the JSON-schema shape of the tool input.
	InputSchema() map[string]interface{}

	// Timeout bounds one invocation attempt.
	Timeout() time.Duration

	// Invoke performs the side effect. A plain error is retryable; wrap
	// with Permanent to tell the dispatcher not to retry.
	Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// permanentError marks a tool failure as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps a tool error so the dispatcher resolves the action as
// failed immediately instead of burning retry attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ── Event sinks ─────────────────────────────────────────────

// EventSink receives lifecycle events. Sinks must tolerate being called
// concurrently; a failing sink is logged and skipped, never surfaced to the
// turn that produced the event.
type EventSink interface {
	// Kind names the sink for logs ("log", "webhook", ...).
	Kind() string

	// Publish delivers one event.
	Publish(ctx context.Context, event models.Event) error
}
