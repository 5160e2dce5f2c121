// Package dispatch executes side-effecting actions pulled from the durable
// action queue.
//
// Delivery is at-least-once; effects are at-most-once. Every worker that
// receives a delivery first asks the idempotency ledger for admission, and
// only the single admitted worker invokes the tool. Redundant deliveries of
// an action that is already in flight or already resolved are acknowledged
// and discarded.
//
// Execution flow per delivery:
//  1. Dequeue (leases the delivery; an unacked lease redelivers later)
//  2. Ledger begin — Admitted | AlreadyInFlight | AlreadyResolved
//  3. On Admitted: invoke the tool with per-tool timeout and exponential
//     backoff retries up to the attempt ceiling
//  4. Resolve the outcome in the ledger; exhausted retries also dead-letter
//  5. Ack the delivery
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/contracts"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkers is the worker pool size when none is configured.
	DefaultWorkers = 4

	// DefaultMaxAttempts bounds invocation attempts per admitted execution.
	DefaultMaxAttempts = 3

	// DefaultPollInterval is how long an idle worker sleeps between dequeues,
	// and the granularity of AwaitResult polling.
	DefaultPollInterval = 250 * time.Millisecond
)

// Config tunes the dispatcher. Zero values fall back to the defaults above.
type Config struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
}

// Dispatcher owns the worker pool that drains the action queue.
type Dispatcher struct {
	store    store.Store
	registry *tools.Registry
	emitter  *events.Emitter

	workers      int
	maxAttempts  int
	pollInterval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Dispatcher. The emitter may be nil; action_executed events
// are then skipped.
func New(s store.Store, registry *tools.Registry, emitter *events.Emitter, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Dispatcher{
		store:        s,
		registry:     registry,
		emitter:      emitter,
		workers:      cfg.Workers,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		quit:         make(chan struct{}),
	}
}

// Start launches the worker pool. Workers run until Stop is called.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	log.Info().Int("workers", d.workers).Msg("Action dispatcher started")
}

// Stop signals the workers and waits for in-flight executions to finish.
// Admitted executions run to completion; unprocessed deliveries stay leased
// and redeliver after restart.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.quit) })
	d.wg.Wait()
	log.Info().Msg("Action dispatcher stopped")
}

// Enqueue puts an action on the durable queue for asynchronous execution.
func (d *Dispatcher) Enqueue(ctx context.Context, req models.ActionRequest) error {
	if err := d.store.EnqueueAction(ctx, req); err != nil {
		return fmt.Errorf("enqueue action %s: %w", req.ActionID, err)
	}
	log.Debug().
		Str("action_id", req.ActionID).
		Str("tool", req.ToolName).
		Str("session", req.SessionID).
		Msg("Action enqueued")
	return nil
}

// AwaitResult polls the ledger for the action's terminal result, up to
// timeout. It returns nil on timeout rather than an error: the action is
// still running and the caller may re-await or collect the result on a later
// turn. Awaiting never cancels an admitted execution.
func (d *Dispatcher) AwaitResult(ctx context.Context, actionID string, timeout time.Duration) (*models.ActionResult, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		result, err := d.store.GetActionResult(ctx, actionID)
		if err != nil {
			return nil, fmt.Errorf("poll action %s: %w", actionID, err)
		}
		if result != nil {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

// ── Worker loop ─────────────────────────────────────────────

func (d *Dispatcher) workerLoop(id int) {
	defer d.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-d.quit:
			return
		default:
		}

		delivery, err := d.store.DequeueAction(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("Dequeue failed")
			d.idle()
			continue
		}
		if delivery == nil {
			d.idle()
			continue
		}

		d.process(ctx, delivery)
	}
}

// idle sleeps one poll interval, waking early on Stop.
func (d *Dispatcher) idle() {
	select {
	case <-d.quit:
	case <-time.After(d.pollInterval):
	}
}

// process handles one delivery end to end. The delivery is acked in every
// branch except a ledger error, where leaving the lease in place redelivers
// the action later.
func (d *Dispatcher) process(ctx context.Context, delivery *models.QueuedAction) {
	req := delivery.Request

	admission, err := d.store.BeginAction(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("action_id", req.ActionID).Msg("Ledger admission failed, delivery will redeliver")
		return
	}

	switch admission.State {
	case models.AdmissionResolved, models.AdmissionInFlight:
		// Redundant delivery. The single admitted execution owns the effect.
		log.Debug().
			Str("action_id", req.ActionID).
			Str("state", string(admission.State)).
			Int("deliveries", delivery.Deliveries).
			Msg("Discarding redundant delivery")
		d.ack(ctx, delivery)
		return
	case models.AdmissionGranted:
	}

	result := d.execute(ctx, req)

	if result.Status == models.ActionPermanentlyFailed {
		dl := &models.DeadLetter{
			ID:        uuid.New().String(),
			Request:   req,
			Reason:    result.ErrorDetail,
			Attempts:  result.Attempts,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.store.CreateDeadLetter(ctx, dl); err != nil {
			log.Error().Err(err).Str("action_id", req.ActionID).Msg("Failed to persist dead letter")
		}
	}

	if err := d.store.ResolveAction(ctx, result); err != nil {
		// A StateError here means someone else resolved first; the ledger's
		// record wins and this execution's result is dropped.
		var stateErr *store.StateError
		if errors.As(err, &stateErr) {
			log.Warn().Str("action_id", req.ActionID).Str("reason", stateErr.Reason).Msg("Resolve lost to existing ledger record")
		} else {
			log.Error().Err(err).Str("action_id", req.ActionID).Msg("Failed to resolve action")
			return
		}
	}

	d.ack(ctx, delivery)

	if d.emitter != nil {
		event := models.NewEvent(models.EventActionExecuted, req.SessionID)
		event.ActionID = req.ActionID
		event.Status = string(result.Status)
		d.emitter.Emit(event)
	}

	log.Info().
		Str("action_id", req.ActionID).
		Str("tool", req.ToolName).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Msg("Action executed")
}

func (d *Dispatcher) ack(ctx context.Context, delivery *models.QueuedAction) {
	if err := d.store.AckAction(ctx, delivery.DeliveryID); err != nil {
		log.Warn().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("Failed to ack delivery")
	}
}

// ── Tool execution ──────────────────────────────────────────

// execute invokes the tool with retries and always returns a terminal
// ActionResult; it never errors, because the ledger must be resolved no
// matter what happened.
func (d *Dispatcher) execute(ctx context.Context, req models.ActionRequest) models.ActionResult {
	result := models.ActionResult{
		ActionID:    req.ActionID,
		CompletedAt: time.Now().UTC(),
	}

	backend, err := d.registry.Get(req.ToolName)
	if err != nil {
		result.Status = models.ActionFailed
		result.ErrorDetail = err.Error()
		result.Attempts = 0
		return result
	}

	attempts := 0
	operation := func() (map[string]interface{}, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, backend.Timeout())
		defer cancel()

		output, err := backend.Invoke(attemptCtx, req.Input)
		if err != nil {
			if contracts.IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			log.Warn().
				Err(err).
				Str("action_id", req.ActionID).
				Str("tool", req.ToolName).
				Int("attempt", attempts).
				Msg("Tool invocation failed, retrying")
			return nil, err
		}
		return output, nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.maxAttempts-1))
	output, err := backoff.RetryWithData(operation, backoff.WithContext(policy, ctx))

	result.Attempts = attempts
	result.CompletedAt = time.Now().UTC()

	switch {
	case err == nil:
		result.Status = models.ActionSucceeded
		result.Output = output
	case contracts.IsPermanent(err):
		result.Status = models.ActionFailed
		result.ErrorDetail = err.Error()
	default:
		result.Status = models.ActionPermanentlyFailed
		result.ErrorDetail = fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, err)
	}
	return result
}
