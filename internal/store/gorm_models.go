package store

import (
	"encoding/json"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

type sessionRow struct {
	ID           string    `gorm:"primaryKey;size:191"`
	ContextJSON  string    `gorm:"type:text"`
	MetadataJSON string    `gorm:"type:text"`
	LastActivity time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string { return "sessions" }

type messageRow struct {
	ID         string    `gorm:"primaryKey;size:191"`
	SessionID  string    `gorm:"size:191;not null;uniqueIndex:idx_session_turn,priority:1"`
	TurnSeq    int64     `gorm:"not null;uniqueIndex:idx_session_turn,priority:2"`
	Role       string    `gorm:"size:32;not null"`
	Content    string    `gorm:"type:text"`
	ActionJSON string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

type ledgerRow struct {
	ActionID   string    `gorm:"primaryKey;size:191"`
	InFlight   bool      `gorm:"not null"`
	StartedAt  time.Time `gorm:"not null"`
	ResultJSON string    `gorm:"type:text"` // empty until resolved
}

func (ledgerRow) TableName() string { return "action_ledger" }

type queueRow struct {
	DeliveryID  string    `gorm:"primaryKey;size:191"`
	RequestJSON string    `gorm:"type:text;not null"`
	EnqueuedAt  time.Time `gorm:"not null;index"`
	LeasedUntil time.Time `gorm:"index"`
	Deliveries  int       `gorm:"not null"`
}

func (queueRow) TableName() string { return "action_queue" }

type deadLetterRow struct {
	ID          string    `gorm:"primaryKey;size:191"`
	RequestJSON string    `gorm:"type:text;not null"`
	Reason      string    `gorm:"type:text"`
	Attempts    int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (deadLetterRow) TableName() string { return "dead_letters" }

// ── Row ↔ model conversion ──────────────────────────────────

func messageRowFromModel(sessionID string, msg models.Message) (messageRow, error) {
	row := messageRow{
		ID:        msg.ID,
		SessionID: sessionID,
		TurnSeq:   msg.TurnSeq,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Action != nil {
		data, err := json.Marshal(msg.Action)
		if err != nil {
			return messageRow{}, err
		}
		row.ActionJSON = string(data)
	}
	return row, nil
}

func (r messageRow) toModel() models.Message {
	msg := models.Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		TurnSeq:   r.TurnSeq,
		Role:      models.Role(r.Role),
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
	if r.ActionJSON != "" {
		var action models.ActionResult
		if err := json.Unmarshal([]byte(r.ActionJSON), &action); err == nil {
			msg.Action = &action
		}
	}
	return msg
}

func unmarshalMap(raw string) map[string]interface{} {
	out := make(map[string]interface{})
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func marshalMap(m map[string]interface{}) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
