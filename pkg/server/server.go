// Package server provides the public entry point for initializing the
// Parley server.
//
// This package exists in pkg/ (not internal/) so embedders can compose the
// full server with their own tool backends and event sinks before serving.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/api/handlers"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/telemetry"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/contracts"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized Parley components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the session/ledger/queue store.
	Store store.Store

	// Tools is the tool registry; embedders register backends here before
	// calling Start.
	Tools *tools.Registry

	// Events is the lifecycle event emitter; embedders may register extra
	// sinks.
	Events *events.Emitter

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	dispatcher    *dispatch.Dispatcher
	telemetryStop func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryStop, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("✅ Store initialized")

	registry := tools.NewRegistry()

	emitter := events.NewEmitter(&events.LogSink{})
	if cfg.Events.WebhookURL != "" {
		emitter.Register(events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret))
	}

	provider, err := buildProvider(cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	log.Info().Str("provider", provider.Kind()).Str("model", cfg.Inference.Model).Msg("✅ Inference gateway initialized")

	gw := gateway.New(provider, registry, cfg.Inference.Model,
		gateway.WithPersona(cfg.Inference.Persona),
		gateway.WithMaxTokens(cfg.Inference.MaxTokens),
	)

	dispatcher := dispatch.New(dataStore, registry, emitter, dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		PollInterval: cfg.Dispatch.PollInterval,
	})

	orch := orchestrator.New(dataStore, gw, dispatcher, registry, emitter, orchestrator.Config{
		MaxToolCalls: cfg.Turn.MaxToolCalls,
		AwaitTimeout: cfg.Turn.AwaitTimeout,
		InferRetries: cfg.Inference.Retries,
	})

	h := handlers.New(dataStore, orch)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:       router,
		Store:         dataStore,
		Tools:         registry,
		Events:        emitter,
		Config:        cfg,
		Port:          cfg.Port,
		dispatcher:    dispatcher,
		telemetryStop: telemetryStop,
	}, nil
}

// RegisterWebhookTool declares a webhook-backed tool. Call before Start.
func (s *Server) RegisterWebhookTool(cfg tools.WebhookConfig) error {
	return s.Tools.Register(tools.NewWebhookBackend(cfg))
}

// RegisterTool adds a custom tool backend. Call before Start.
func (s *Server) RegisterTool(backend contracts.ToolBackend) error {
	return s.Tools.Register(backend)
}

// Start launches the dispatcher worker pool.
func (s *Server) Start() {
	s.dispatcher.Start()
}

// Shutdown stops the workers, drains in-flight events, flushes telemetry,
// and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.dispatcher.Stop()
	s.Events.Drain()
	if err := s.telemetryStop(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	return s.Store.Close()
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(
			store.WithSnapshotDir(cfg.DataDir),
			store.WithQueueLease(cfg.QueueLease),
		), nil
	case "sqlite", "postgres":
		return store.NewGormStore(cfg.Driver, cfg.DSN, store.WithQueueLease(cfg.QueueLease))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func buildProvider(cfg config.InferenceConfig) (gateway.Provider, error) {
	registry := gateway.NewProviderRegistry()
	registry.Register(buildAnthropic(cfg))
	registry.Register(buildOpenAI(cfg))

	provider, err := registry.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		log.Warn().Str("provider", cfg.Provider).Msg("No API key configured, inference calls will fail")
	}
	return provider, nil
}

func buildAnthropic(cfg config.InferenceConfig) *gateway.AnthropicProvider {
	opts := []gateway.AnthropicOption{
		gateway.WithAnthropicHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	}
	if cfg.Provider == "anthropic" && cfg.Endpoint != "" {
		opts = append(opts, gateway.WithAnthropicEndpoint(cfg.Endpoint))
	}
	return gateway.NewAnthropicProvider(cfg.APIKey, opts...)
}

func buildOpenAI(cfg config.InferenceConfig) *gateway.OpenAIProvider {
	opts := []gateway.OpenAIOption{
		gateway.WithOpenAIHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	}
	if cfg.Provider == "openai" && cfg.Endpoint != "" {
		opts = append(opts, gateway.WithOpenAIEndpoint(cfg.Endpoint))
	}
	return gateway.NewOpenAIProvider(cfg.APIKey, opts...)
}
