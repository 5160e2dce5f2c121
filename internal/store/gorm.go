// Package store — GORM-backed Store implementation.
// SQLite (pure-Go driver) covers single-node deployments and integration
// tests; PostgreSQL covers production. Both share the same row mapping.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore implements Store on a relational database.
type GormStore struct {
	db         *gorm.DB
	queueLease time.Duration
}

// OpenGorm opens a database handle for the given driver ("sqlite" or
// "postgres"). For sqlite the DSN is a file path and parent directories are
// created as needed.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

// NewGormStore opens the database, runs migrations, and returns a ready
// store.
func NewGormStore(driver, dsn string, opts ...Option) (*GormStore, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	s := &GormStore{db: db, queueLease: resolveOptions(opts).queueLease}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &messageRow{}, &ledgerRow{}, &queueRow{}, &deadLetterRow{})
}

// ── Session Store ───────────────────────────────────────────

func (s *GormStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewSession(sessionID), nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess := &models.Session{
		ID:           row.ID,
		Context:      unmarshalMap(row.ContextJSON),
		Metadata:     unmarshalMap(row.MetadataJSON),
		LastActivity: row.LastActivity,
		CreatedAt:    row.CreatedAt,
	}

	var msgRows []messageRow
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_seq ASC").
		Find(&msgRows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	sess.Messages = make([]models.Message, 0, len(msgRows))
	for _, mr := range msgRows {
		sess.Messages = append(sess.Messages, mr.toModel())
	}
	return sess, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	msg.SessionID = sessionID
	row, err := messageRowFromModel(sessionID, msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureSession(tx, sessionID); err != nil {
			return err
		}

		// The unique (session_id, turn_seq) index is the optimistic lock:
		// the losing writer of a turn race inserts zero rows.
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("append message: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConflictError{SessionID: sessionID, TurnSeq: msg.TurnSeq}
		}

		return tx.Model(&sessionRow{}).
			Where("id = ?", sessionID).
			Update("last_activity", time.Now().UTC()).Error
	})
}

func (s *GormStore) UpdateContext(ctx context.Context, sessionID string, values map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureSession(tx, sessionID); err != nil {
			return err
		}

		// No row lock: sessions are single-writer per turn, so the
		// read-merge-write below never races with itself.
		var row sessionRow
		if err := tx.Where("id = ?", sessionID).Take(&row).Error; err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		merged := unmarshalMap(row.ContextJSON)
		for k, v := range values {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		return tx.Model(&sessionRow{}).
			Where("id = ?", sessionID).
			Update("context_json", marshalMap(merged)).Error
	})
}

// PersistSession is a no-op: every write above is already transactional.
func (s *GormStore) PersistSession(context.Context, string) error {
	return nil
}

func (s *GormStore) ensureSession(tx *gorm.DB, sessionID string) error {
	now := time.Now().UTC()
	row := sessionRow{ID: sessionID, LastActivity: now, CreatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// ── Idempotency Ledger ──────────────────────────────────────

// BeginAction relies on the primary key for its check-and-set: the insert
// either claims the action or collides with the worker that already did.
func (s *GormStore) BeginAction(ctx context.Context, req models.ActionRequest) (models.Admission, error) {
	row := ledgerRow{
		ActionID:  req.ActionID,
		InFlight:  true,
		StartedAt: time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return models.Admission{}, fmt.Errorf("begin action: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return models.Admission{State: models.AdmissionGranted}, nil
	}

	var existing ledgerRow
	if err := s.db.WithContext(ctx).Where("action_id = ?", req.ActionID).Take(&existing).Error; err != nil {
		return models.Admission{}, fmt.Errorf("read ledger: %w", err)
	}
	if existing.ResultJSON != "" {
		var result models.ActionResult
		if err := json.Unmarshal([]byte(existing.ResultJSON), &result); err != nil {
			return models.Admission{}, fmt.Errorf("decode ledger result: %w", err)
		}
		return models.Admission{State: models.AdmissionResolved, Result: &result}, nil
	}
	return models.Admission{State: models.AdmissionInFlight}, nil
}

func (s *GormStore) ResolveAction(ctx context.Context, result models.ActionResult) error {
	data, err := json.Marshal(&result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("action_id = ? AND in_flight = ? AND result_json = ''", result.ActionID, true).
		Updates(map[string]interface{}{
			"in_flight":   false,
			"result_json": string(data),
		})
	if res.Error != nil {
		return fmt.Errorf("resolve action: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing ledgerRow
		err := s.db.WithContext(ctx).Where("action_id = ?", result.ActionID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &StateError{ActionID: result.ActionID, Reason: "resolve without begin"}
		}
		return &StateError{ActionID: result.ActionID, Reason: "already resolved"}
	}
	return nil
}

func (s *GormStore) GetActionResult(ctx context.Context, actionID string) (*models.ActionResult, error) {
	var row ledgerRow
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	if row.ResultJSON == "" {
		return nil, nil
	}
	var result models.ActionResult
	if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("decode ledger result: %w", err)
	}
	return &result, nil
}

// ── Action Queue ────────────────────────────────────────────

func (s *GormStore) EnqueueAction(ctx context.Context, req models.ActionRequest) error {
	data, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	row := queueRow{
		DeliveryID:  uuid.New().String(),
		RequestJSON: string(data),
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("enqueue action: %w", err)
	}
	return nil
}

func (s *GormStore) DequeueAction(ctx context.Context) (*models.QueuedAction, error) {
	var out *models.QueuedAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var row queueRow
		err := tx.
			Where("leased_until IS NULL OR leased_until <= ?", now).
			Order("enqueued_at ASC").
			Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		// Guarded lease update: if another worker leased this delivery
		// between the read and the write, zero rows change and the caller
		// simply polls again. Works on SQLite, which has no SKIP LOCKED.
		row.LeasedUntil = now.Add(s.queueLease)
		row.Deliveries++
		res := tx.Model(&queueRow{}).
			Where("delivery_id = ? AND (leased_until IS NULL OR leased_until <= ?)", row.DeliveryID, now).
			Updates(map[string]interface{}{
				"leased_until": row.LeasedUntil,
				"deliveries":   row.Deliveries,
			})
		if res.Error != nil {
			return fmt.Errorf("lease delivery: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var req models.ActionRequest
		if err := json.Unmarshal([]byte(row.RequestJSON), &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		out = &models.QueuedAction{
			DeliveryID: row.DeliveryID,
			Request:    req,
			EnqueuedAt: row.EnqueuedAt,
			Deliveries: row.Deliveries,
		}
		return nil
	})
	return out, err
}

func (s *GormStore) AckAction(ctx context.Context, deliveryID string) error {
	res := s.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).Delete(&queueRow{})
	if res.Error != nil {
		return fmt.Errorf("ack delivery: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ErrNotFound{Entity: "queued action", Key: deliveryID}
	}
	return nil
}

// ── Dead Letters ────────────────────────────────────────────

func (s *GormStore) CreateDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&dl.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	row := deadLetterRow{
		ID:          dl.ID,
		RequestJSON: string(data),
		Reason:      dl.Reason,
		Attempts:    dl.Attempts,
		CreatedAt:   dl.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create dead letter: %w", err)
	}
	return nil
}

func (s *GormStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deadLetterRow
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]models.DeadLetter, 0, len(rows))
	for _, row := range rows {
		dl := models.DeadLetter{
			ID:        row.ID,
			Reason:    row.Reason,
			Attempts:  row.Attempts,
			CreatedAt: row.CreatedAt,
		}
		_ = json.Unmarshal([]byte(row.RequestJSON), &dl.Request)
		out = append(out, dl)
	}
	return out, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
