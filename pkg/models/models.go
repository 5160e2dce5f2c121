// Package models defines the core data model for the Parley orchestrator:
// sessions, messages, action requests/results, idempotency records, and the
// lifecycle event payloads published to downstream consumers.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ── Messages ────────────────────────────────────────────────

// Role identifies the author of a message within a session.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Message is one entry in a session transcript. Messages are immutable once
// appended; TurnSeq orders them strictly within a session.
type Message struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	TurnSeq   int64     `json:"turn_seq" db:"turn_seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Action carries the structured tool payload for Role == RoleTool.
	Action *ActionResult `json:"action,omitempty"`
}

// NewMessage creates a message with a fresh ID and UTC timestamp.
func NewMessage(sessionID string, role Role, content string, turnSeq int64) Message {
	return Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		TurnSeq:   turnSeq,
		CreatedAt: time.Now().UTC(),
	}
}

// ── Sessions ────────────────────────────────────────────────

// Session holds the state of one conversation. It is created implicitly on
// the first inbound message for a new session ID and is only ever mutated by
// the orchestrator. The core never deletes sessions; lifecycle and archival
// belong to external systems.
type Session struct {
	ID           string                 `json:"id" db:"id"`
	Messages     []Message              `json:"messages,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	LastActivity time.Time              `json:"last_activity" db:"last_activity"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

// NewSession returns an empty session for the given ID.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Context:      make(map[string]interface{}),
		Metadata:     make(map[string]interface{}),
		LastActivity: now,
		CreatedAt:    now,
	}
}

// MaxTurnSeq returns the highest TurnSeq present, or 0 for an empty session.
func (s *Session) MaxTurnSeq() int64 {
	var max int64
	for _, m := range s.Messages {
		if m.TurnSeq > max {
			max = m.TurnSeq
		}
	}
	return max
}

// NextTurnSeq returns the TurnSeq a newly appended message must carry.
func (s *Session) NextTurnSeq() int64 {
	return s.MaxTurnSeq() + 1
}

// ── Actions ─────────────────────────────────────────────────

// ActionRequest describes one side-effecting tool call requested by the
// model. The ActionID is deterministic over the request content, so a
// re-generated request for the same logical effect carries the same ID.
type ActionRequest struct {
	ActionID  string                 `json:"action_id" db:"action_id"`
	ToolName  string                 `json:"tool_name" db:"tool_name"`
	Input     map[string]interface{} `json:"input,omitempty"`
	SessionID string                 `json:"session_id" db:"session_id"`
	TurnSeq   int64                  `json:"turn_seq" db:"turn_seq"`
}

// actionIDNamespace scopes the UUIDv5 derivation of action IDs.
var actionIDNamespace = uuid.MustParse("8f3e6b2a-54d1-4c7e-9a0b-2f1d8c4e6a90")

// DeriveActionID computes the idempotency key for a tool call: a UUIDv5 over
// session ID, turn sequence, tool name, and the canonical JSON form of the
// input. encoding/json sorts map keys, so semantically equal inputs always
// hash identically.
func DeriveActionID(sessionID string, turnSeq int64, toolName string, input map[string]interface{}) string {
	canonical, err := json.Marshal(input)
	if err != nil {
		// Non-encodable inputs never reach the dispatcher; fall back to the
		// sorted key list so the derivation stays deterministic anyway.
		keys := make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		canonical, _ = json.Marshal(keys)
	}
	seed := fmt.Sprintf("%s|%d|%s|%s", sessionID, turnSeq, toolName, canonical)
	return uuid.NewSHA1(actionIDNamespace, []byte(seed)).String()
}

// ActionStatus is the terminal disposition of an action.
type ActionStatus string

const (
	// ActionSucceeded — the tool call completed and produced output.
	ActionSucceeded ActionStatus = "succeeded"
	// ActionFailed — the tool call failed with a non-retryable error.
	ActionFailed ActionStatus = "failed"
	// ActionPermanentlyFailed — retries were exhausted; the original request
	// was routed to the dead-letter store.
	ActionPermanentlyFailed ActionStatus = "permanently-failed"
)

// ActionResult is the single authoritative outcome for an ActionID. It is
// produced exactly once even when the underlying action was attempted or
// delivered multiple times.
type ActionResult struct {
	ActionID    string                 `json:"action_id" db:"action_id"`
	Status      ActionStatus           `json:"status" db:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	ErrorDetail string                 `json:"error_detail,omitempty" db:"error_detail"`
	Attempts    int                    `json:"attempts" db:"attempts"`
	CompletedAt time.Time              `json:"completed_at" db:"completed_at"`
}

// ── Idempotency ledger ──────────────────────────────────────

// AdmissionState is the outcome of a ledger begin call.
type AdmissionState string

const (
	// AdmissionGranted — the caller holds the exclusive right to execute.
	AdmissionGranted AdmissionState = "admitted"
	// AdmissionInFlight — another worker is executing; wait or poll.
	AdmissionInFlight AdmissionState = "in-flight"
	// AdmissionResolved — the action already resolved; Result is set.
	AdmissionResolved AdmissionState = "resolved"
)

// Admission is returned by the ledger when a worker asks to execute.
type Admission struct {
	State  AdmissionState
	Result *ActionResult // set when State == AdmissionResolved
}

// IdempotencyRecord is the persisted ledger entry for one ActionID.
type IdempotencyRecord struct {
	ActionID  string        `json:"action_id" db:"action_id"`
	InFlight  bool          `json:"in_flight" db:"in_flight"`
	StartedAt time.Time     `json:"started_at" db:"started_at"`
	Result    *ActionResult `json:"result,omitempty"`
}

// ── Queue & dead letters ────────────────────────────────────

// QueuedAction is one at-least-once delivery pulled from the action queue.
// DeliveryID identifies this delivery, not the action: the same ActionID may
// be delivered more than once and the ledger is what keeps the effect single.
type QueuedAction struct {
	DeliveryID string        `json:"delivery_id" db:"delivery_id"`
	Request    ActionRequest `json:"request"`
	EnqueuedAt time.Time     `json:"enqueued_at" db:"enqueued_at"`
	Deliveries int           `json:"deliveries" db:"deliveries"`
}

// DeadLetter preserves an action that exhausted its retry budget so it can
// be inspected and replayed manually. Dead letters are never dropped by the
// core.
type DeadLetter struct {
	ID        string        `json:"id" db:"id"`
	Request   ActionRequest `json:"request"`
	Reason    string        `json:"reason" db:"reason"`
	Attempts  int           `json:"attempts" db:"attempts"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// ── Turn responses ──────────────────────────────────────────

// AgentResponse is what a completed turn hands back to the ingress layer.
// StatusCode follows HTTP semantics: 200 success, 409 concurrent-turn
// conflict, 503 transient failure.
type AgentResponse struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	TurnSeq    int64  `json:"turn_seq"`
	StatusCode int    `json:"status_code"`
}

// ── Lifecycle events ────────────────────────────────────────

// EventType identifies a lifecycle event published to downstream consumers.
type EventType string

const (
	EventConversationStarted EventType = "conversation_started"
	EventActionExecuted      EventType = "action_executed"
	EventErrorOccurred       EventType = "error_occurred"
)

// Event is the schema-stable lifecycle event payload. Emission is
// fire-and-forget; no consumer failure may ever fail a turn.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	ActionID  string                 `json:"action_id,omitempty"`
	Status    string                 `json:"status,omitempty"` // action status for action_executed
	Kind      string                 `json:"kind,omitempty"`   // failure kind for error_occurred
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates an Event stamped with the current UTC time.
func NewEvent(eventType EventType, sessionID string) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}
