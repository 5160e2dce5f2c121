package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Parley server.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	Inference InferenceConfig
	Dispatch  DispatchConfig
	Turn      TurnConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
}

type StoreConfig struct {
	// Driver selects the backend: "memory", "sqlite", or "postgres".
	Driver string
	// DSN is the database connection string for sqlite/postgres.
	DSN string
	// DataDir is where the memory store writes its JSON snapshot.
	DataDir string
	// QueueLease is how long a dequeued delivery stays invisible before it
	// redelivers.
	QueueLease time.Duration
}

type InferenceConfig struct {
	// Provider selects the model backend: "anthropic" or "openai".
	Provider string
	Model    string
	APIKey   string
	Endpoint string
	// Persona is the fixed system prompt; empty uses the built-in default.
	Persona   string
	MaxTokens int
	// Retries after a transient provider failure.
	Retries int
}

type DispatchConfig struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
}

type TurnConfig struct {
	MaxToolCalls int
	AwaitTimeout time.Duration
}

type EventsConfig struct {
	// WebhookURL enables the webhook event sink when set.
	WebhookURL    string
	WebhookSecret string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PARLEY_PORT", 8080),
		Version: envStr("PARLEY_VERSION", "0.2.0"),
		Store: StoreConfig{
			Driver:     envStr("PARLEY_STORE_DRIVER", "memory"),
			DSN:        envStr("PARLEY_STORE_DSN", "parley.db"),
			DataDir:    envStr("PARLEY_DATA_DIR", ""),
			QueueLease: envDur("PARLEY_QUEUE_LEASE", 30*time.Second),
		},
		Inference: InferenceConfig{
			Provider:  envStr("PARLEY_PROVIDER", "anthropic"),
			Model:     envStr("PARLEY_MODEL", "claude-sonnet-4-20250514"),
			APIKey:    envStr("PARLEY_API_KEY", ""),
			Endpoint:  envStr("PARLEY_PROVIDER_ENDPOINT", ""),
			Persona:   envStr("PARLEY_PERSONA", ""),
			MaxTokens: envInt("PARLEY_MAX_TOKENS", 1024),
			Retries:   envInt("PARLEY_INFER_RETRIES", 2),
		},
		Dispatch: DispatchConfig{
			Workers:      envInt("PARLEY_WORKERS", 4),
			MaxAttempts:  envInt("PARLEY_MAX_ATTEMPTS", 3),
			PollInterval: envDur("PARLEY_POLL_INTERVAL", 250*time.Millisecond),
		},
		Turn: TurnConfig{
			MaxToolCalls: envInt("PARLEY_MAX_TOOL_CALLS", 5),
			AwaitTimeout: envDur("PARLEY_AWAIT_TIMEOUT", 10*time.Second),
		},
		Events: EventsConfig{
			WebhookURL:    envStr("PARLEY_EVENT_WEBHOOK_URL", ""),
			WebhookSecret: envStr("PARLEY_EVENT_WEBHOOK_SECRET", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "parley"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
