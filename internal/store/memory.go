// Package store — in-memory Store implementation.
// Used when no database is configured (local dev, tests). Supports
// file-based snapshot persistence so the ledger and queue survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultQueueLease is how long a dequeued delivery stays invisible before
// it is redelivered to another worker.
const DefaultQueueLease = 30 * time.Second

// Option overrides an environment-derived construction default.
type Option func(*storeOptions)

type storeOptions struct {
	dataDir    *string
	queueLease time.Duration
}

// WithSnapshotDir overrides PARLEY_DATA_DIR for the memory store. An empty
// dir disables snapshot persistence. The GORM store ignores it.
func WithSnapshotDir(dir string) Option {
	return func(o *storeOptions) { o.dataDir = &dir }
}

// WithQueueLease overrides PARLEY_QUEUE_LEASE. Non-positive values are
// ignored.
func WithQueueLease(lease time.Duration) Option {
	return func(o *storeOptions) {
		if lease > 0 {
			o.queueLease = lease
		}
	}
}

// resolveOptions seeds defaults from the environment, then applies explicit
// overrides.
func resolveOptions(opts []Option) storeOptions {
	resolved := storeOptions{queueLease: DefaultQueueLease}
	if leaseStr := os.Getenv("PARLEY_QUEUE_LEASE"); leaseStr != "" {
		if parsed, err := time.ParseDuration(leaseStr); err == nil {
			resolved.queueLease = parsed
		} else {
			log.Warn().Str("value", leaseStr).Msg("Invalid PARLEY_QUEUE_LEASE, using default 30s")
		}
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	return resolved
}

// queueItem wraps a queued action with its lease state.
type queueItem struct {
	Action      models.QueuedAction `json:"action"`
	LeasedUntil time.Time           `json:"leased_until"`
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions    map[string]*models.Session           `json:"sessions"`
	Ledger      map[string]*models.IdempotencyRecord `json:"ledger"`
	Queue       []*queueItem                         `json:"queue"`
	DeadLetters []*models.DeadLetter                 `json:"dead_letters"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session           // key: session ID
	ledger      map[string]*models.IdempotencyRecord // key: action ID
	queue       []*queueItem                         // FIFO with lease-based redelivery
	deadLetters []*models.DeadLetter                 // append-only

	queueLease time.Duration

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the background saver to stop
}

// NewMemoryStore creates a new in-memory store.
// Defaults come from PARLEY_DATA_DIR and PARLEY_QUEUE_LEASE; Options
// override them. With no data dir the store is purely in-memory.
func NewMemoryStore(opts ...Option) *MemoryStore {
	resolved := resolveOptions(opts)

	m := &MemoryStore{
		sessions:    make(map[string]*models.Session),
		ledger:      make(map[string]*models.IdempotencyRecord),
		queue:       make([]*queueItem, 0),
		deadLetters: make([]*models.DeadLetter, 0),
		queueLease:  resolved.queueLease,
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	dataDir := os.Getenv("PARLEY_DATA_DIR")
	if resolved.dataDir != nil {
		dataDir = *resolved.dataDir
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	return m
}

// ── Session Store ───────────────────────────────────────────

// LoadSession returns a deep copy so callers can mutate freely while
// concurrent turns read the stored state.
func (m *MemoryStore) LoadSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return models.NewSession(sessionID), nil
	}
	return cloneSession(sess), nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = models.NewSession(sessionID)
		m.sessions[sessionID] = sess
	}
	for _, existing := range sess.Messages {
		if existing.TurnSeq == msg.TurnSeq {
			return &ConflictError{SessionID: sessionID, TurnSeq: msg.TurnSeq}
		}
	}
	msg.SessionID = sessionID
	sess.Messages = append(sess.Messages, msg)
	sess.LastActivity = time.Now().UTC()

	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateContext(_ context.Context, sessionID string, values map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = models.NewSession(sessionID)
		m.sessions[sessionID] = sess
	}
	if sess.Context == nil {
		sess.Context = make(map[string]interface{}, len(values))
	}
	for k, v := range values {
		if v == nil {
			delete(sess.Context, k)
			continue
		}
		sess.Context[k] = v
	}

	m.requestSave()
	return nil
}

// PersistSession is a no-op: appends and context updates write through.
func (m *MemoryStore) PersistSession(context.Context, string) error {
	return nil
}

// ── Idempotency Ledger ──────────────────────────────────────

func (m *MemoryStore) BeginAction(_ context.Context, req models.ActionRequest) (models.Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.ledger[req.ActionID]
	if !ok {
		m.ledger[req.ActionID] = &models.IdempotencyRecord{
			ActionID:  req.ActionID,
			InFlight:  true,
			StartedAt: time.Now().UTC(),
		}
		m.requestSave()
		return models.Admission{State: models.AdmissionGranted}, nil
	}
	if rec.Result != nil {
		result := *rec.Result
		return models.Admission{State: models.AdmissionResolved, Result: &result}, nil
	}
	return models.Admission{State: models.AdmissionInFlight}, nil
}

func (m *MemoryStore) ResolveAction(_ context.Context, result models.ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.ledger[result.ActionID]
	if !ok {
		return &StateError{ActionID: result.ActionID, Reason: "resolve without begin"}
	}
	if rec.Result != nil {
		return &StateError{ActionID: result.ActionID, Reason: "already resolved"}
	}
	resolved := result
	rec.Result = &resolved
	rec.InFlight = false

	m.requestSave()
	return nil
}

func (m *MemoryStore) GetActionResult(_ context.Context, actionID string) (*models.ActionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.ledger[actionID]
	if !ok || rec.Result == nil {
		return nil, nil
	}
	result := *rec.Result
	return &result, nil
}

// ── Action Queue ────────────────────────────────────────────

func (m *MemoryStore) EnqueueAction(_ context.Context, req models.ActionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, &queueItem{
		Action: models.QueuedAction{
			DeliveryID: uuid.New().String(),
			Request:    req,
			EnqueuedAt: time.Now().UTC(),
		},
	})

	m.requestSave()
	return nil
}

func (m *MemoryStore) DequeueAction(_ context.Context) (*models.QueuedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, item := range m.queue {
		if item.LeasedUntil.After(now) {
			continue
		}
		item.LeasedUntil = now.Add(m.queueLease)
		item.Action.Deliveries++
		delivery := item.Action
		m.requestSave()
		return &delivery, nil
	}
	return nil, nil
}

func (m *MemoryStore) AckAction(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, item := range m.queue {
		if item.Action.DeliveryID == deliveryID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "queued action", Key: deliveryID}
}

// ── Dead Letters ────────────────────────────────────────────

func (m *MemoryStore) CreateDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	stored := *dl
	m.deadLetters = append(m.deadLetters, &stored)

	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.deadLetters) {
		limit = len(m.deadLetters)
	}
	// Newest first
	out := make([]models.DeadLetter, 0, limit)
	for i := len(m.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.deadLetters[i])
	}
	return out, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshotPath != "" {
		close(m.doneCh)
		m.saveSnapshot()
	}
	return nil
}

// ── Snapshot persistence ────────────────────────────────────

// requestSave debounces snapshot writes: many mutations in a burst produce
// a single file write. Callers must hold m.mu.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(100 * time.Millisecond) // coalesce bursts
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:    m.sessions,
		Ledger:      m.ledger,
		Queue:       m.queue,
		DeadLetters: m.deadLetters,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Warn().Err(err).Str("path", tmp).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot rename failed")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot read failed")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot corrupt, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Ledger != nil {
		m.ledger = snap.Ledger
	}
	if snap.Queue != nil {
		m.queue = snap.Queue
	}
	if snap.DeadLetters != nil {
		m.deadLetters = snap.DeadLetters
	}

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("ledger", len(m.ledger)).
		Int("queued", len(m.queue)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

// cloneSession deep-copies a session so readers never alias stored state.
func cloneSession(s *models.Session) *models.Session {
	out := &models.Session{
		ID:           s.ID,
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
	}
	out.Messages = make([]models.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i := range out.Messages {
		if out.Messages[i].Action != nil {
			action := *out.Messages[i].Action
			out.Messages[i].Action = &action
		}
	}
	out.Context = make(map[string]interface{}, len(s.Context))
	for k, v := range s.Context {
		out.Context[k] = v
	}
	out.Metadata = make(map[string]interface{}, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}
