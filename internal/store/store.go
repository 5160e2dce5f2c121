// Package store provides the storage interfaces and implementations for the
// Parley orchestrator. The in-memory store (with JSON snapshot persistence)
// serves local development and tests; the GORM store persists to SQLite or
// PostgreSQL for production.
package store

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

// Store is the primary storage interface. Orchestrator and dispatcher code
// depend on this interface, making it easy to swap between in-memory (tests)
// and database-backed (production) implementations.
type Store interface {
	SessionStore
	LedgerStore
	QueueStore
	DeadLetterStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore owns Session and Message persistence. Sessions are
// single-writer per turn: AppendMessage acts as an optimistic lock by
// rejecting duplicate turn sequences.
type SessionStore interface {
	// LoadSession returns the session with its full ordered transcript.
	// A missing session is not an error: an empty session is returned.
	LoadSession(ctx context.Context, sessionID string) (*models.Session, error)

	// AppendMessage durably appends one message. It fails with
	// *ConflictError if a message with the same TurnSeq already exists.
	// Every successful append bumps the session's LastActivity.
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error

	// UpdateContext merges the given values into the session context.
	// New keys overwrite, all others are preserved.
	UpdateContext(ctx context.Context, sessionID string, values map[string]interface{}) error

	// PersistSession flushes buffered writes for backends that buffer.
	// Both shipped implementations write through, so this is a no-op hook.
	PersistSession(ctx context.Context, sessionID string) error
}

// ── Idempotency Ledger ──────────────────────────────────────

// LedgerStore owns action admission and resolution. It is the single source
// of mutual exclusion for side effects: BeginAction is an atomic
// check-and-set, so two workers racing on the same ActionID can never both
// be admitted. This is what turns the queue's at-least-once delivery into an
// exactly-once effect.
type LedgerStore interface {
	// BeginAction asks for the exclusive right to execute the action.
	BeginAction(ctx context.Context, req models.ActionRequest) (models.Admission, error)

	// ResolveAction transitions an in-flight record to resolved. It fails
	// with *StateError when no prior BeginAction admitted the caller or the
	// record already resolved: resolved records are immutable.
	ResolveAction(ctx context.Context, result models.ActionResult) error

	// GetActionResult returns the resolved result, or nil if the action is
	// unknown or still in flight.
	GetActionResult(ctx context.Context, actionID string) (*models.ActionResult, error)
}

// ── Action Queue ────────────────────────────────────────────

// QueueStore is the durable at-least-once action queue. A dequeued delivery
// is leased; unacked deliveries become visible again once the lease expires,
// which is where redeliveries come from. Effect deduplication is the
// ledger's job, not the queue's.
type QueueStore interface {
	// EnqueueAction appends a request to the queue.
	EnqueueAction(ctx context.Context, req models.ActionRequest) error

	// DequeueAction leases the next visible delivery, or returns nil when
	// the queue is empty. Workers poll.
	DequeueAction(ctx context.Context) (*models.QueuedAction, error)

	// AckAction removes a delivery after the worker finished with it.
	AckAction(ctx context.Context, deliveryID string) error
}

// ── Dead Letters ────────────────────────────────────────────

// DeadLetterStore keeps actions that exhausted their retry budget for
// manual inspection and replay.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ConflictError signals a turn-sequence write race: another writer appended
// a message with the same TurnSeq first. The losing turn must be rejected,
// not retried by the core.
type ConflictError struct {
	SessionID string
	TurnSeq   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: message with turn_seq %d already exists", e.SessionID, e.TurnSeq)
}

// StateError signals a ledger protocol violation, e.g. resolving an action
// that was never admitted or re-resolving an immutable record.
type StateError struct {
	ActionID string
	Reason   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("action %s: %s", e.ActionID, e.Reason)
}
