// Parley — a multi-turn conversational agent orchestrator.
//
// This is the main entry point for the Parley server. It provides:
//   - Session store with strictly ordered transcripts
//   - Idempotency ledger (exactly-once tool effects)
//   - Inference gateway (Anthropic / OpenAI)
//   - Durable action queue with a retrying worker pool
//   - Lifecycle events (log + signed webhook sinks)
//   - HTTP ingress for turns and inspection
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🗣️ Parley starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	if err := registerConfiguredTools(srv); err != nil {
		log.Fatal().Err(err).Msg("Failed to register tools")
	}

	srv.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop accepting requests, then drain workers,
	// events, telemetry, and the store.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown error")
		}
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🗣️ Parley is listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// registerConfiguredTools reads webhook tool declarations from PARLEY_TOOLS,
// a JSON array of tool configs:
//
//	[{"name":"create_ticket","description":"Create a support ticket",
//	  "endpoint":"https://tickets.internal/create",
//	  "input_schema":{"type":"object","required":["subject"]}}]
func registerConfiguredTools(srv *server.Server) error {
	raw := os.Getenv("PARLEY_TOOLS")
	if raw == "" {
		log.Warn().Msg("No tools configured (PARLEY_TOOLS is empty)")
		return nil
	}

	var configs []tools.WebhookConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return fmt.Errorf("parse PARLEY_TOOLS: %w", err)
	}

	for _, cfg := range configs {
		if err := srv.RegisterWebhookTool(cfg); err != nil {
			return fmt.Errorf("register tool %q: %w", cfg.Name, err)
		}
		log.Info().Str("tool", cfg.Name).Str("endpoint", cfg.Endpoint).Msg("✅ Tool registered")
	}
	return nil
}
