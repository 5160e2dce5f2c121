// Package orchestrator drives one conversational turn end to end.
//
// A turn moves through fixed phases: load the session, pick up any action
// that resolved since the last turn, append the inbound user message, then
// alternate inference and tool dispatch until the model produces a final
// response (bounded by the per-turn tool call ceiling), persist, and emit
// lifecycle events.
//
// Two invariants the phases protect:
//   - a session's transcript only ever grows, strictly ordered by turnSeq;
//     concurrent turns on one session lose with ConcurrentTurnError rather
//     than interleave
//   - an admitted action always runs to completion and its result is never
//     lost: an await timeout parks the action in the session context, and a
//     later inbound turn collects the result. Parked actions accumulate in
//     a list, so a second timeout never displaces an uncollected first
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultMaxToolCalls bounds dispatched actions per turn.
	DefaultMaxToolCalls = 5

	// DefaultAwaitTimeout is how long a turn waits for an action before
	// answering with a placeholder and parking the action.
	DefaultAwaitTimeout = 10 * time.Second

	// DefaultInferRetries is the number of retries after a transient
	// inference failure.
	DefaultInferRetries = 2
)

// Session context key for actions that outlived their turn. The value is a
// list: a turn can park a new action while an earlier one is still
// unresolved, and none may be dropped.
const ctxKeyPendingActions = "pending_actions"

// pendingAction is one parked entry awaiting collection.
type pendingAction struct {
	ActionID string
	ToolName string
}

// Canned user-facing texts. Raw provider and tool errors never reach the
// user.
const (
	apologyText    = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."
	rejectedText   = "I'm sorry, I can't help with that request."
	processingText = "I'm still working on that. Ask me again in a moment and I'll have your answer."
	exhaustedText  = "I wasn't able to complete that request. Please try rephrasing it."
)

// ConcurrentTurnError reports that another turn appended to the session
// first. The caller should retry with fresh state; nothing was persisted.
type ConcurrentTurnError struct {
	SessionID string
	TurnSeq   int64
}

func (e *ConcurrentTurnError) Error() string {
	return fmt.Sprintf("concurrent turn on session %s at seq %d", e.SessionID, e.TurnSeq)
}

// Config tunes the orchestrator. Zero values fall back to the defaults.
type Config struct {
	MaxToolCalls  int
	AwaitTimeout  time.Duration
	InferRetries  int
	RetryInterval time.Duration // initial backoff interval for inference retries
}

// Orchestrator coordinates the store, gateway, dispatcher, and emitter for
// the lifetime of a turn. It is stateless between turns; everything durable
// lives in the store.
type Orchestrator struct {
	store      store.Store
	gateway    *gateway.Gateway
	dispatcher *dispatch.Dispatcher
	registry   *tools.Registry
	emitter    *events.Emitter

	maxToolCalls  int
	awaitTimeout  time.Duration
	inferRetries  int
	retryInterval time.Duration
}

// New creates an Orchestrator. The emitter may be nil; events are then
// skipped.
func New(s store.Store, gw *gateway.Gateway, d *dispatch.Dispatcher, registry *tools.Registry, emitter *events.Emitter, cfg Config) *Orchestrator {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.InferRetries <= 0 {
		cfg.InferRetries = DefaultInferRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Orchestrator{
		store:         s,
		gateway:       gw,
		dispatcher:    d,
		registry:      registry,
		emitter:       emitter,
		maxToolCalls:  cfg.MaxToolCalls,
		awaitTimeout:  cfg.AwaitTimeout,
		inferRetries:  cfg.InferRetries,
		retryInterval: cfg.RetryInterval,
	}
}

// HandleTurn processes one inbound user message and returns the agent's
// response. StatusCode follows HTTP semantics: 200 on a completed turn, 503
// when inference is unavailable. A lost race with another turn on the same
// session returns a *ConcurrentTurnError; the ingress layer maps it to 409.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userText string) (*models.AgentResponse, error) {
	tracer := otel.Tracer("parley/orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	newSession := len(session.Messages) == 0

	// Collect results of actions that outlived their turn before the new
	// user message enters the transcript.
	if err := o.collectPendingActions(ctx, session); err != nil {
		return nil, err
	}

	userMsg := models.NewMessage(sessionID, models.RoleUser, userText, session.NextTurnSeq())
	if err := o.append(ctx, session, userMsg); err != nil {
		var conflict *ConcurrentTurnError
		if errors.As(err, &conflict) {
			span.SetStatus(codes.Error, "concurrent turn")
			return nil, err
		}
		return nil, fmt.Errorf("append user message: %w", err)
	}

	if newSession {
		o.emit(models.NewEvent(models.EventConversationStarted, sessionID))
	}

	response, err := o.runInferenceLoop(ctx, session)
	if err != nil {
		return nil, err
	}

	if err := o.store.PersistSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Persist hook failed")
	}

	span.SetAttributes(attribute.Int("turn.status", response.StatusCode))
	return response, nil
}

// runInferenceLoop alternates inference and dispatch until the model answers
// or the tool-call ceiling is reached.
func (o *Orchestrator) runInferenceLoop(ctx context.Context, session *models.Session) (*models.AgentResponse, error) {
	for calls := 0; calls < o.maxToolCalls; calls++ {
		outcome, err := o.infer(ctx, session)
		if err != nil {
			return o.failTurn(ctx, session, err)
		}

		if outcome.Final {
			return o.finishTurn(ctx, session, outcome.Text, 200)
		}

		action := outcome.Action
		if err := o.registry.ValidateInput(action.ToolName, action.Input); err != nil {
			// Feed the validation failure back as a failed tool result so the
			// model can correct itself on the next iteration.
			log.Debug().
				Err(err).
				Str("session", session.ID).
				Str("tool", action.ToolName).
				Msg("Rejected tool input before dispatch")
			invalid := &models.ActionResult{
				ActionID:    action.ActionID,
				Status:      models.ActionFailed,
				ErrorDetail: fmt.Sprintf("invalid input: %v", err),
				CompletedAt: time.Now().UTC(),
			}
			if err := o.appendToolResult(ctx, session, invalid); err != nil {
				return nil, err
			}
			continue
		}

		if err := o.dispatcher.Enqueue(ctx, *action); err != nil {
			return nil, fmt.Errorf("dispatch action %s: %w", action.ActionID, err)
		}

		result, err := o.dispatcher.AwaitResult(ctx, action.ActionID, o.awaitTimeout)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("await action %s: %w", action.ActionID, err)
		}
		if result == nil {
			// The action keeps running; park it and answer with a placeholder.
			return o.parkAction(ctx, session, action)
		}

		if err := o.appendToolResult(ctx, session, result); err != nil {
			return nil, err
		}
	}

	event := models.NewEvent(models.EventErrorOccurred, session.ID)
	event.Kind = "tool_call_limit"
	o.emit(event)
	return o.finishTurn(ctx, session, exhaustedText, 200)
}

// infer calls the gateway with bounded exponential backoff on transient
// failures. Rejections are terminal immediately.
func (o *Orchestrator) infer(ctx context.Context, session *models.Session) (*gateway.Outcome, error) {
	operation := func() (*gateway.Outcome, error) {
		outcome, err := o.gateway.Generate(ctx, session)
		if err != nil {
			if errors.Is(err, gateway.ErrRejected) {
				return nil, backoff.Permanent(err)
			}
			log.Warn().Err(err).Str("session", session.ID).Msg("Inference failed, retrying")
			return nil, err
		}
		return outcome, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.retryInterval
	return backoff.RetryWithData(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(o.inferRetries)), ctx))
}

// failTurn converts a terminal inference failure into a persisted apology.
// The transcript records what the user saw even when the model never spoke.
func (o *Orchestrator) failTurn(ctx context.Context, session *models.Session, inferErr error) (*models.AgentResponse, error) {
	text, status, kind := apologyText, 503, "inference_unavailable"
	if errors.Is(inferErr, gateway.ErrRejected) {
		text, status, kind = rejectedText, 200, "inference_rejected"
	}
	log.Error().Err(inferErr).Str("session", session.ID).Str("kind", kind).Msg("Turn failed")

	event := models.NewEvent(models.EventErrorOccurred, session.ID)
	event.Kind = kind
	o.emit(event)

	return o.finishTurn(ctx, session, text, status)
}

// parkAction persists a placeholder response and appends the running action
// to the parked list in the session context so a later turn collects its
// result. An earlier parked entry that has not resolved yet stays in the
// list.
func (o *Orchestrator) parkAction(ctx context.Context, session *models.Session, action *models.ActionRequest) (*models.AgentResponse, error) {
	parked := append(pendingFromContext(session), pendingAction{
		ActionID: action.ActionID,
		ToolName: action.ToolName,
	})
	if err := o.setPending(ctx, session, parked); err != nil {
		return nil, fmt.Errorf("park action %s: %w", action.ActionID, err)
	}
	log.Info().
		Str("session", session.ID).
		Str("action_id", action.ActionID).
		Str("tool", action.ToolName).
		Int("parked", len(parked)).
		Msg("Action still running, turn answers with placeholder")
	return o.finishTurn(ctx, session, processingText, 200)
}

// collectPendingActions folds the results of previously parked actions into
// the transcript. Unresolved actions stay parked for a later turn.
func (o *Orchestrator) collectPendingActions(ctx context.Context, session *models.Session) error {
	parked := pendingFromContext(session)
	if len(parked) == 0 {
		return nil
	}

	var remaining []pendingAction
	for _, p := range parked {
		result, err := o.store.GetActionResult(ctx, p.ActionID)
		if err != nil {
			return fmt.Errorf("poll pending action %s: %w", p.ActionID, err)
		}
		if result == nil {
			remaining = append(remaining, p)
			continue
		}
		if err := o.appendToolResult(ctx, session, result); err != nil {
			return err
		}
		log.Info().
			Str("session", session.ID).
			Str("action_id", p.ActionID).
			Str("status", string(result.Status)).
			Msg("Collected parked action result")
	}
	if len(remaining) == len(parked) {
		return nil
	}
	if err := o.setPending(ctx, session, remaining); err != nil {
		return fmt.Errorf("update parked actions: %w", err)
	}
	return nil
}

// setPending writes the parked list to the session context and mirrors it
// into the loaded session. An empty list clears the key.
func (o *Orchestrator) setPending(ctx context.Context, session *models.Session, parked []pendingAction) error {
	encoded := pendingToContext(parked)
	if err := o.store.UpdateContext(ctx, session.ID, map[string]interface{}{
		ctxKeyPendingActions: encoded,
	}); err != nil {
		return err
	}
	if encoded == nil {
		delete(session.Context, ctxKeyPendingActions)
		return nil
	}
	if session.Context == nil {
		session.Context = make(map[string]interface{})
	}
	session.Context[ctxKeyPendingActions] = encoded
	return nil
}

// pendingFromContext decodes the parked list. Entries may have round-tripped
// through JSON persistence, so types are asserted loosely.
func pendingFromContext(session *models.Session) []pendingAction {
	raw, ok := session.Context[ctxKeyPendingActions].([]interface{})
	if !ok {
		return nil
	}
	out := make([]pendingAction, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["action_id"].(string)
		tool, _ := m["tool_name"].(string)
		if id != "" {
			out = append(out, pendingAction{ActionID: id, ToolName: tool})
		}
	}
	return out
}

// pendingToContext encodes the parked list for the session context. nil
// means "delete the key" to UpdateContext.
func pendingToContext(parked []pendingAction) interface{} {
	if len(parked) == 0 {
		return nil
	}
	raw := make([]interface{}, 0, len(parked))
	for _, p := range parked {
		raw = append(raw, map[string]interface{}{
			"action_id": p.ActionID,
			"tool_name": p.ToolName,
		})
	}
	return raw
}

// finishTurn appends the agent's closing message and builds the response.
func (o *Orchestrator) finishTurn(ctx context.Context, session *models.Session, text string, status int) (*models.AgentResponse, error) {
	msg := models.NewMessage(session.ID, models.RoleAgent, text, session.NextTurnSeq())
	if err := o.append(ctx, session, msg); err != nil {
		return nil, fmt.Errorf("append agent message: %w", err)
	}
	return &models.AgentResponse{
		SessionID:  session.ID,
		Text:       text,
		TurnSeq:    msg.TurnSeq,
		StatusCode: status,
	}, nil
}

// appendToolResult records an action outcome as a transcript message.
func (o *Orchestrator) appendToolResult(ctx context.Context, session *models.Session, result *models.ActionResult) error {
	msg := models.NewMessage(session.ID, models.RoleTool, "", session.NextTurnSeq())
	msg.Action = result
	if err := o.append(ctx, session, msg); err != nil {
		return fmt.Errorf("append tool result %s: %w", result.ActionID, err)
	}
	return nil
}

// append writes the message to the store and mirrors it into the loaded
// session so subsequent phases of the turn see it. A turnSeq conflict means
// another turn won the session, no matter which phase the append belongs
// to, so it always converts to ConcurrentTurnError.
func (o *Orchestrator) append(ctx context.Context, session *models.Session, msg models.Message) error {
	if err := o.store.AppendMessage(ctx, session.ID, msg); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return &ConcurrentTurnError{SessionID: session.ID, TurnSeq: conflict.TurnSeq}
		}
		return err
	}
	session.Messages = append(session.Messages, msg)
	session.LastActivity = msg.CreatedAt
	return nil
}

func (o *Orchestrator) emit(event models.Event) {
	if o.emitter != nil {
		o.emitter.Emit(event)
	}
}
