// Package handlers implements the HTTP handlers for the Parley server: the
// turn endpoint plus inspection endpoints for transcripts, action results,
// and dead letters.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
}

// New creates a new Handlers instance.
func New(s store.Store, o *orchestrator.Orchestrator) *Handlers {
	return &Handlers{Store: s, Orchestrator: o}
}

// ── Turns ───────────────────────────────────────────────────

type turnRequest struct {
	Text string `json:"text"`
}

// PostTurn handles one inbound user message:
// POST /api/v1/sessions/{sessionID}/turns
func (h *Handlers) PostTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	resp, err := h.Orchestrator.HandleTurn(r.Context(), sessionID, req.Text)
	if err != nil {
		var conflict *orchestrator.ConcurrentTurnError
		if errors.As(err, &conflict) {
			respondError(w, http.StatusConflict, "Another turn for this session is in progress. Retry with fresh state.")
			return
		}
		log.Error().Err(err).Str("session", sessionID).Msg("Turn failed")
		respondError(w, http.StatusInternalServerError, "turn failed")
		return
	}

	respondJSON(w, resp.StatusCode, resp)
}

// ── Sessions ────────────────────────────────────────────────

// GetSession returns the full session, transcript included:
// GET /api/v1/sessions/{sessionID}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.Store.LoadSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session.Messages == nil {
		session.Messages = []models.Message{}
	}
	respondJSON(w, http.StatusOK, session)
}

// GetTranscript returns just the ordered messages:
// GET /api/v1/sessions/{sessionID}/messages
func (h *Handlers) GetTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.Store.LoadSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msgs := session.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// ── Actions ─────────────────────────────────────────────────

// GetAction returns the resolved result for an action id, 404 while the
// action is unknown or still running:
// GET /api/v1/actions/{actionID}
func (h *Handlers) GetAction(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")

	result, err := h.Store.GetActionResult(r.Context(), actionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result == nil {
		respondError(w, http.StatusNotFound, "action not resolved")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Dead letters ────────────────────────────────────────────

// ListDeadLetters returns actions that exhausted their retry budget, newest
// first: GET /api/v1/deadletters?limit=N
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	letters, err := h.Store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, letters)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
