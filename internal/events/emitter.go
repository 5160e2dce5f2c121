// Package events publishes lifecycle events to registered sinks.
//
// Events are strictly informational: emission is fire-and-forget, a failing
// sink is logged and skipped, and no turn ever blocks on delivery. OSS ships
// the log and webhook sinks; deployments can register their own
// contracts.EventSink implementations (message queues, audit pipelines, etc.)
// in the wiring code.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/contracts"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 10 * time.Second

// Emitter fans events out to every registered sink.
type Emitter struct {
	sinks []contracts.EventSink
	mu    sync.RWMutex
	wg    sync.WaitGroup
}

// NewEmitter creates an Emitter with the given sinks.
func NewEmitter(sinks ...contracts.EventSink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Register adds a sink.
func (e *Emitter) Register(sink contracts.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
	log.Info().Str("kind", sink.Kind()).Msg("Registered event sink")
}

// Emit delivers the event to all sinks concurrently and returns immediately.
// Delivery uses a detached context so in-flight publishes survive the end of
// the turn that produced them.
func (e *Emitter) Emit(event models.Event) {
	e.mu.RLock()
	sinks := make([]contracts.EventSink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, sink := range sinks {
		e.wg.Add(1)
		go func(sink contracts.EventSink) {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := sink.Publish(ctx, event); err != nil {
				log.Warn().
					Err(err).
					Str("sink", sink.Kind()).
					Str("event", string(event.Type)).
					Str("session", event.SessionID).
					Msg("Event sink publish failed")
			}
		}(sink)
	}
}

// Drain blocks until all in-flight publishes finish. Called on shutdown.
func (e *Emitter) Drain() {
	e.wg.Wait()
}

// ── Log sink (OSS built-in) ─────────────────────────────────

// LogSink writes events to the structured log. Always registered so every
// deployment has at least one event trail.
type LogSink struct{}

func (s *LogSink) Kind() string { return "log" }

func (s *LogSink) Publish(_ context.Context, event models.Event) error {
	evt := log.Info().
		Str("event", string(event.Type)).
		Str("session", event.SessionID).
		Time("timestamp", event.Timestamp)
	if event.ActionID != "" {
		evt = evt.Str("action_id", event.ActionID)
	}
	if event.Status != "" {
		evt = evt.Str("status", event.Status)
	}
	if event.Kind != "" {
		evt = evt.Str("error_kind", event.Kind)
	}
	evt.Msg("Lifecycle event")
	return nil
}
