package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.db")
	s, err := store.NewGormStore("sqlite", path)
	if err != nil {
		t.Fatalf("NewGormStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenGormInvalidDriver(t *testing.T) {
	if _, err := store.OpenGorm("invalid", "x"); err == nil {
		t.Fatalf("expected invalid driver error")
	}
}

func TestOpenGormSQLiteCreatesParentDirectory(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "path", "parley.db")

	s, err := store.NewGormStore("sqlite", dbPath)
	if err != nil {
		t.Fatalf("NewGormStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
}

func TestGormSessionRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if err := s.AppendMessage(ctx, "s1", models.NewMessage("s1", models.RoleUser, "I can't log in", 1)); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	agent := models.NewMessage("s1", models.RoleAgent, "Can you share your email?", 2)
	if err := s.AppendMessage(ctx, "s1", agent); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := s.UpdateContext(ctx, "s1", map[string]interface{}{"stage": "triage"}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}

	sess, err := s.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(sess.Messages))
	}
	if sess.Messages[1].Role != models.RoleAgent {
		t.Errorf("Messages[1].Role = %q, want agent", sess.Messages[1].Role)
	}
	if sess.Context["stage"] != "triage" {
		t.Errorf("Context[stage] = %v, want triage", sess.Context["stage"])
	}
}

func TestGormAppendMessage_DuplicateTurnSeqConflicts(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if err := s.AppendMessage(ctx, "s1", models.NewMessage("s1", models.RoleUser, "one", 1)); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	err := s.AppendMessage(ctx, "s1", models.NewMessage("s1", models.RoleUser, "two", 1))
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("AppendMessage() error = %v, want *ConflictError", err)
	}
}

func TestGormToolMessagePreservesAction(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	msg := models.NewMessage("s1", models.RoleTool, "create_ticket succeeded", 3)
	msg.Action = &models.ActionResult{
		ActionID: "a1",
		Status:   models.ActionSucceeded,
		Output:   map[string]interface{}{"ticketId": "T-123"},
	}
	if err := s.AppendMessage(ctx, "s1", msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	sess, _ := s.LoadSession(ctx, "s1")
	if len(sess.Messages) != 1 || sess.Messages[0].Action == nil {
		t.Fatalf("tool message action not preserved: %+v", sess.Messages)
	}
	if sess.Messages[0].Action.Output["ticketId"] != "T-123" {
		t.Errorf("Action.Output[ticketId] = %v, want T-123", sess.Messages[0].Action.Output["ticketId"])
	}
}

func TestGormLedgerCheckAndSet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	req := models.ActionRequest{ActionID: "a1", ToolName: "create_ticket"}

	adm, err := s.BeginAction(ctx, req)
	if err != nil {
		t.Fatalf("BeginAction() error = %v", err)
	}
	if adm.State != models.AdmissionGranted {
		t.Fatalf("first BeginAction().State = %q, want granted", adm.State)
	}

	adm, err = s.BeginAction(ctx, req)
	if err != nil {
		t.Fatalf("second BeginAction() error = %v", err)
	}
	if adm.State != models.AdmissionInFlight {
		t.Fatalf("second BeginAction().State = %q, want in-flight", adm.State)
	}

	result := models.ActionResult{ActionID: "a1", Status: models.ActionSucceeded, Attempts: 1}
	if err := s.ResolveAction(ctx, result); err != nil {
		t.Fatalf("ResolveAction() error = %v", err)
	}

	var stateErr *store.StateError
	if err := s.ResolveAction(ctx, result); !errors.As(err, &stateErr) {
		t.Fatalf("re-ResolveAction() error = %v, want *StateError", err)
	}

	adm, err = s.BeginAction(ctx, req)
	if err != nil {
		t.Fatalf("third BeginAction() error = %v", err)
	}
	if adm.State != models.AdmissionResolved || adm.Result == nil {
		t.Fatalf("third BeginAction() = %+v, want resolved with result", adm)
	}
}

func TestGormQueueLeaseAndAck(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if err := s.EnqueueAction(ctx, models.ActionRequest{ActionID: "a1", ToolName: "create_ticket"}); err != nil {
		t.Fatalf("EnqueueAction() error = %v", err)
	}

	delivery, err := s.DequeueAction(ctx)
	if err != nil {
		t.Fatalf("DequeueAction() error = %v", err)
	}
	if delivery == nil || delivery.Request.ActionID != "a1" {
		t.Fatalf("DequeueAction() = %+v, want delivery of a1", delivery)
	}

	leased, err := s.DequeueAction(ctx)
	if err != nil {
		t.Fatalf("DequeueAction() error = %v", err)
	}
	if leased != nil {
		t.Errorf("DequeueAction() while leased = %+v, want nil", leased)
	}

	if err := s.AckAction(ctx, delivery.DeliveryID); err != nil {
		t.Fatalf("AckAction() error = %v", err)
	}
	var notFound *store.ErrNotFound
	if err := s.AckAction(ctx, delivery.DeliveryID); !errors.As(err, &notFound) {
		t.Fatalf("double AckAction() error = %v, want *ErrNotFound", err)
	}
}

func TestGormDeadLetters(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	dl := &models.DeadLetter{
		Request:  models.ActionRequest{ActionID: "a1", ToolName: "create_ticket"},
		Reason:   "retries exhausted",
		Attempts: 3,
	}
	if err := s.CreateDeadLetter(ctx, dl); err != nil {
		t.Fatalf("CreateDeadLetter() error = %v", err)
	}

	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("len(letters) = %d, want 1", len(letters))
	}
	if letters[0].Request.ToolName != "create_ticket" {
		t.Errorf("dead letter tool = %q, want create_ticket", letters[0].Request.ToolName)
	}
}
