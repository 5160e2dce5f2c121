package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnavailable — transient backend failure. The orchestrator retries
	// with backoff, bounded.
	ErrUnavailable = errors.New("inference backend unavailable")

	// ErrRejected — content/policy rejection. Terminal for the turn; the
	// user gets a generic apology, never a raw provider error.
	ErrRejected = errors.New("inference request rejected")
)

// DefaultPersona is the fixed system prompt when none is configured.
const DefaultPersona = "You are a helpful support agent. Use the available tools when a request requires action, and answer concisely."

const defaultMaxTokens = 1024

// Outcome is the parsed result of one inference call: either the turn is
// complete (Final), or the model wants a tool invoked first (Action set,
// Text optionally carrying partial text to show alongside).
type Outcome struct {
	Final  bool
	Text   string
	Action *models.ActionRequest
}

// Gateway drives one model request/response cycle per call. It carries no
// per-session state; everything it needs arrives with the session.
type Gateway struct {
	provider  Provider
	registry  *tools.Registry
	persona   string
	model     string
	maxTokens int
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithPersona(persona string) Option {
	return func(g *Gateway) {
		if persona != "" {
			g.persona = persona
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// New creates a Gateway over the given provider and tool registry.
func New(provider Provider, registry *tools.Registry, model string, opts ...Option) *Gateway {
	g := &Gateway{
		provider:  provider,
		registry:  registry,
		persona:   DefaultPersona,
		model:     model,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Generate runs one inference cycle over the session's full ordered
// transcript. Accumulated tool results from earlier in the same turn are
// already part of the transcript, so a multi-step tool loop needs no extra
// plumbing here.
func (g *Gateway) Generate(ctx context.Context, session *models.Session) (*Outcome, error) {
	req := CompletionRequest{
		Model:     g.model,
		System:    g.persona,
		Messages:  renderTranscript(session),
		Tools:     g.registry.Definitions(),
		MaxTokens: g.maxTokens,
	}

	resp, err := g.provider.Complete(ctx, req)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	if resp.ToolCall != nil {
		turnSeq := session.MaxTurnSeq()
		action := &models.ActionRequest{
			ActionID:  models.DeriveActionID(session.ID, turnSeq, resp.ToolCall.Name, resp.ToolCall.Input),
			ToolName:  resp.ToolCall.Name,
			Input:     resp.ToolCall.Input,
			SessionID: session.ID,
			TurnSeq:   turnSeq,
		}
		log.Debug().
			Str("session", session.ID).
			Str("tool", action.ToolName).
			Str("action_id", action.ActionID).
			Msg("Model requested tool call")
		return &Outcome{Action: action, Text: resp.Content}, nil
	}

	return &Outcome{Final: true, Text: resp.Content}, nil
}

// renderTranscript maps the stored transcript into provider messages. Tool
// results are rendered as plain text so every provider can carry them.
func renderTranscript(session *models.Session) []ChatMessage {
	out := make([]ChatMessage, 0, len(session.Messages))
	for _, msg := range session.Messages {
		cm := ChatMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == models.RoleTool && msg.Action != nil {
			cm.Content = renderToolResult(msg.Action)
		}
		out = append(out, cm)
	}
	return out
}

func renderToolResult(result *models.ActionResult) string {
	if result.Status == models.ActionSucceeded {
		output, err := json.Marshal(result.Output)
		if err != nil {
			output = []byte("{}")
		}
		return fmt.Sprintf("Tool result (%s): %s", result.Status, output)
	}
	return fmt.Sprintf("Tool result (%s): %s", result.Status, result.ErrorDetail)
}

// classifyProviderError folds raw provider failures into the gateway's two
// error classes. Anything not provably a rejection is treated as transient.
func classifyProviderError(err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) && !perr.Transient() {
		return fmt.Errorf("%w: %v", ErrRejected, perr)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
