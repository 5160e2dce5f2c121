package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/dispatch"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// scriptProvider returns pre-scripted completions in order. Transient and
// rejection failures are scripted as errors.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
}

type scriptStep struct {
	resp gateway.CompletionResponse
	err  error
}

func (p *scriptProvider) Kind() string { return "script" }

func (p *scriptProvider) Complete(_ context.Context, _ gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		return &gateway.CompletionResponse{Content: "script exhausted"}, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	resp := step.resp
	return &resp, nil
}

func say(text string) scriptStep {
	return scriptStep{resp: gateway.CompletionResponse{Content: text, StopReason: "end_turn"}}
}

func callTool(name string, input map[string]interface{}) scriptStep {
	return scriptStep{resp: gateway.CompletionResponse{
		ToolCall:   &gateway.ToolRequest{Name: name, Input: input},
		StopReason: "tool_use",
	}}
}

// ticketBackend is a create_ticket stub. Invocations block on gate when set.
type ticketBackend struct {
	mu       sync.Mutex
	invoked  int
	gate     chan struct{}
	required []string
}

func (b *ticketBackend) Name() string        { return "create_ticket" }
func (b *ticketBackend) Description() string { return "Create a support ticket" }

func (b *ticketBackend) InputSchema() map[string]interface{} {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"subject": map[string]interface{}{"type": "string"},
			"email":   map[string]interface{}{"type": "string"},
		},
	}
	if len(b.required) > 0 {
		schema["required"] = b.required
	}
	return schema
}

func (b *ticketBackend) Timeout() time.Duration { return 2 * time.Second }

func (b *ticketBackend) Invoke(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	b.invoked++
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]interface{}{"ticketId": "T-123"}, nil
}

func (b *ticketBackend) invocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invoked
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Kind() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(t models.EventType) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store   store.Store
	orch    *orchestrator.Orchestrator
	sink    *recordingSink
	emitter *events.Emitter
	backend *ticketBackend
}

func newHarness(t *testing.T, provider gateway.Provider, backend *ticketBackend, cfg orchestrator.Config) *harness {
	t.Helper()
	t.Setenv("PARLEY_DATA_DIR", "")

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return newHarnessWithStore(t, s, provider, backend, cfg)
}

func newHarnessWithStore(t *testing.T, s store.Store, provider gateway.Provider, backend *ticketBackend, cfg orchestrator.Config) *harness {
	t.Helper()

	registry := tools.NewRegistry()
	if backend != nil {
		if err := registry.Register(backend); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	sink := &recordingSink{}
	emitter := events.NewEmitter(sink)

	d := dispatch.New(s, registry, emitter, dispatch.Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	d.Start()
	t.Cleanup(d.Stop)

	gw := gateway.New(provider, registry, "test-model")

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	return &harness{
		store:   s,
		orch:    orchestrator.New(s, gw, d, registry, emitter, cfg),
		sink:    sink,
		emitter: emitter,
		backend: backend,
	}
}

func (h *harness) transcript(t *testing.T, sessionID string) []models.Message {
	t.Helper()
	session, err := h.store.LoadSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	return session.Messages
}

func TestHandleTurnSimpleAnswer(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{say("Have you tried resetting your password?")}}
	h := newHarness(t, provider, &ticketBackend{}, orchestrator.Config{})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "I can't log in")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Text != "Have you tried resetting your password?" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.TurnSeq != 2 {
		t.Errorf("turn seq = %d, want 2", resp.TurnSeq)
	}

	msgs := h.transcript(t, "sess-1")
	if len(msgs) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].TurnSeq != 1 {
		t.Errorf("first message = %s/%d, want user/1", msgs[0].Role, msgs[0].TurnSeq)
	}
	if msgs[1].Role != models.RoleAgent || msgs[1].TurnSeq != 2 {
		t.Errorf("second message = %s/%d, want agent/2", msgs[1].Role, msgs[1].TurnSeq)
	}

	h.emitter.Drain()
	if got := h.sink.ofType(models.EventConversationStarted); len(got) != 1 {
		t.Errorf("conversation_started events = %d, want 1", len(got))
	}
}

func TestHandleTurnToolFlow(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		callTool("create_ticket", map[string]interface{}{"subject": "login issue", "email": "jo@example.com"}),
		say("Your ticket T-123 has been created."),
	}}
	backend := &ticketBackend{}
	h := newHarness(t, provider, backend, orchestrator.Config{})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "My email is jo@example.com, please open a ticket")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Text != "Your ticket T-123 has been created." {
		t.Errorf("text = %q", resp.Text)
	}
	if backend.invocations() != 1 {
		t.Errorf("tool invocations = %d, want 1", backend.invocations())
	}

	msgs := h.transcript(t, "sess-1")
	if len(msgs) != 3 {
		t.Fatalf("transcript = %d messages, want user/tool/agent", len(msgs))
	}
	toolMsg := msgs[1]
	if toolMsg.Role != models.RoleTool || toolMsg.Action == nil {
		t.Fatalf("second message = %s, want tool message with result", toolMsg.Role)
	}
	if toolMsg.Action.Status != models.ActionSucceeded {
		t.Errorf("tool status = %s, want succeeded", toolMsg.Action.Status)
	}
	if toolMsg.Action.Output["ticketId"] != "T-123" {
		t.Errorf("tool output = %v", toolMsg.Action.Output)
	}

	h.emitter.Drain()
	if got := h.sink.ofType(models.EventActionExecuted); len(got) != 1 {
		t.Errorf("action_executed events = %d, want 1", len(got))
	}
}

// TestHandleTurnSupportConversation walks the full multi-turn support flow:
// a plain-answer turn followed by a tool-dispatching turn on one session.
func TestHandleTurnSupportConversation(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		say("Have you tried resetting your password? If that fails, share your email and I'll open a ticket."),
		callTool("create_ticket", map[string]interface{}{"subject": "login issue", "email": "jo@example.com"}),
		say("Your ticket T-123 has been created."),
	}}
	h := newHarness(t, provider, &ticketBackend{}, orchestrator.Config{})
	ctx := context.Background()

	first, err := h.orch.HandleTurn(ctx, "sess-sup", "I can't log in to my account")
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if first.StatusCode != 200 {
		t.Fatalf("turn 1 status = %d", first.StatusCode)
	}

	second, err := h.orch.HandleTurn(ctx, "sess-sup", "Reset didn't work. My email is jo@example.com")
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if second.Text != "Your ticket T-123 has been created." {
		t.Errorf("turn 2 text = %q", second.Text)
	}

	msgs := h.transcript(t, "sess-sup")
	if len(msgs) != 5 {
		t.Fatalf("transcript = %d messages, want 5", len(msgs))
	}
	for i, msg := range msgs {
		if msg.TurnSeq != int64(i+1) {
			t.Errorf("message %d seq = %d, want %d", i, msg.TurnSeq, i+1)
		}
	}

	h.emitter.Drain()
	if got := h.sink.ofType(models.EventConversationStarted); len(got) != 1 {
		t.Errorf("conversation_started events = %d, want 1 for the whole session", len(got))
	}
}

// barrierStore holds every completed LoadSession until two callers have
// loaded, so both turns observe the same transcript head and compute the
// same next turnSeq.
type barrierStore struct {
	store.Store
	barrier sync.WaitGroup
}

func (s *barrierStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.Store.LoadSession(ctx, sessionID)
	s.barrier.Done()
	s.barrier.Wait()
	return sess, err
}

func TestHandleTurnConcurrentConflict(t *testing.T) {
	t.Setenv("PARLEY_DATA_DIR", "")
	inner := store.NewMemoryStore()
	t.Cleanup(func() { inner.Close() })
	bs := &barrierStore{Store: inner}
	bs.barrier.Add(2)

	provider := &scriptProvider{steps: []scriptStep{say("first answer"), say("second answer")}}
	h := newHarnessWithStore(t, bs, provider, &ticketBackend{}, orchestrator.Config{})

	type turnOutcome struct {
		resp *models.AgentResponse
		err  error
	}
	results := make(chan turnOutcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := h.orch.HandleTurn(context.Background(), "sess-race", "hello")
			results <- turnOutcome{resp, err}
		}()
	}

	var conflicts, successes int
	for i := 0; i < 2; i++ {
		outcome := <-results
		var conflict *orchestrator.ConcurrentTurnError
		switch {
		case outcome.err == nil && outcome.resp.StatusCode == 200:
			successes++
		case errors.As(outcome.err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected outcome: resp=%+v err=%v", outcome.resp, outcome.err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes/conflicts = %d/%d, want 1/1", successes, conflicts)
	}
}

func TestHandleTurnInferenceExhaustion(t *testing.T) {
	transient := &gateway.ProviderError{Provider: "script", StatusCode: 503, Message: "overloaded"}
	provider := &scriptProvider{steps: []scriptStep{
		{err: transient}, {err: transient}, {err: transient},
	}}
	h := newHarness(t, provider, &ticketBackend{}, orchestrator.Config{InferRetries: 2, RetryInterval: time.Millisecond})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "hello")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	// The turn still terminated and persisted: user message plus apology.
	msgs := h.transcript(t, "sess-1")
	if len(msgs) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(msgs))
	}
	if msgs[1].Role != models.RoleAgent || msgs[1].Content != resp.Text {
		t.Errorf("apology not persisted: %+v", msgs[1])
	}

	h.emitter.Drain()
	errs := h.sink.ofType(models.EventErrorOccurred)
	if len(errs) != 1 || errs[0].Kind != "inference_unavailable" {
		t.Errorf("error events = %+v, want one inference_unavailable", errs)
	}
}

func TestHandleTurnRejection(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{err: &gateway.ProviderError{Provider: "script", StatusCode: 400, Type: "invalid_request_error", Message: "blocked"}},
	}}
	h := newHarness(t, provider, &ticketBackend{}, orchestrator.Config{RetryInterval: time.Millisecond})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "do something disallowed")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200 for a rejection", resp.StatusCode)
	}

	h.emitter.Drain()
	errs := h.sink.ofType(models.EventErrorOccurred)
	if len(errs) != 1 || errs[0].Kind != "inference_rejected" {
		t.Errorf("error events = %+v, want one inference_rejected", errs)
	}
}

func TestHandleTurnInvalidToolInputFedBack(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		callTool("create_ticket", map[string]interface{}{"email": "jo@example.com"}), // missing subject
		say("I need a subject for the ticket. What should it say?"),
	}}
	backend := &ticketBackend{required: []string{"subject"}}
	h := newHarness(t, provider, backend, orchestrator.Config{})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "open a ticket")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if backend.invocations() != 0 {
		t.Errorf("tool invocations = %d, want 0 for invalid input", backend.invocations())
	}

	msgs := h.transcript(t, "sess-1")
	if len(msgs) != 3 {
		t.Fatalf("transcript = %d messages, want user/tool-failure/agent", len(msgs))
	}
	if msgs[1].Role != models.RoleTool || msgs[1].Action == nil || msgs[1].Action.Status != models.ActionFailed {
		t.Errorf("validation failure not recorded as failed tool message: %+v", msgs[1])
	}
}

func TestHandleTurnToolCallLimit(t *testing.T) {
	// The model keeps asking for tools and never answers.
	loop := make([]scriptStep, 0, 4)
	for i := 0; i < 4; i++ {
		loop = append(loop, callTool("create_ticket", map[string]interface{}{"subject": "again"}))
	}
	provider := &scriptProvider{steps: loop}
	h := newHarness(t, provider, &ticketBackend{}, orchestrator.Config{MaxToolCalls: 2})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "hello")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	h.emitter.Drain()
	errs := h.sink.ofType(models.EventErrorOccurred)
	if len(errs) != 1 || errs[0].Kind != "tool_call_limit" {
		t.Errorf("error events = %+v, want one tool_call_limit", errs)
	}
}

func TestHandleTurnAwaitTimeoutParksAction(t *testing.T) {
	gate := make(chan struct{})
	backend := &ticketBackend{gate: gate}
	provider := &scriptProvider{steps: []scriptStep{
		callTool("create_ticket", map[string]interface{}{"subject": "slow one"}),
		say("Your ticket T-123 has been created."),
	}}
	h := newHarness(t, provider, backend, orchestrator.Config{AwaitTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	// Turn 1: the action outlives the await window; the turn answers with a
	// placeholder and parks the action.
	first, err := h.orch.HandleTurn(ctx, "sess-1", "open a ticket")
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if first.StatusCode != 200 {
		t.Errorf("turn 1 status = %d", first.StatusCode)
	}
	session, err := h.store.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	parked := parkedActionIDs(t, session)
	if len(parked) != 1 {
		t.Fatalf("parked actions = %d, want 1", len(parked))
	}
	actionID := parked[0]

	// The timed-out await did not abort the execution; releasing the gate
	// lets it resolve.
	close(gate)
	waitForResult(t, h.store, actionID)

	// Turn 2 collects the parked result before the new user message.
	second, err := h.orch.HandleTurn(ctx, "sess-1", "any news?")
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if second.Text != "Your ticket T-123 has been created." {
		t.Errorf("turn 2 text = %q", second.Text)
	}

	session, err = h.store.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if _, ok := session.Context["pending_actions"]; ok {
		t.Error("parked actions not cleared after collection")
	}

	var toolMsgs int
	for _, msg := range session.Messages {
		if msg.Role == models.RoleTool {
			toolMsgs++
			if msg.Action.Output["ticketId"] != "T-123" {
				t.Errorf("tool result = %v", msg.Action.Output)
			}
		}
	}
	if toolMsgs != 1 {
		t.Errorf("tool messages = %d, want 1", toolMsgs)
	}
}

// TestHandleTurnBackToBackTimeoutsKeepAllParked parks a second action while
// the first is still unresolved; neither result may be lost.
func TestHandleTurnBackToBackTimeoutsKeepAllParked(t *testing.T) {
	gate := make(chan struct{})
	backend := &ticketBackend{gate: gate}
	provider := &scriptProvider{steps: []scriptStep{
		callTool("create_ticket", map[string]interface{}{"subject": "first"}),
		callTool("create_ticket", map[string]interface{}{"subject": "second"}),
		say("Both tickets are filed."),
	}}
	h := newHarness(t, provider, backend, orchestrator.Config{AwaitTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	if _, err := h.orch.HandleTurn(ctx, "sess-1", "open a ticket"); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if _, err := h.orch.HandleTurn(ctx, "sess-1", "open another one"); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}

	session, err := h.store.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	parked := parkedActionIDs(t, session)
	if len(parked) != 2 {
		t.Fatalf("parked actions = %d, want 2 after back-to-back timeouts", len(parked))
	}

	close(gate)
	for _, actionID := range parked {
		waitForResult(t, h.store, actionID)
	}

	// Turn 3 collects both parked results before the new user message.
	third, err := h.orch.HandleTurn(ctx, "sess-1", "any news?")
	if err != nil {
		t.Fatalf("turn 3 error = %v", err)
	}
	if third.Text != "Both tickets are filed." {
		t.Errorf("turn 3 text = %q", third.Text)
	}

	session, err = h.store.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if _, ok := session.Context["pending_actions"]; ok {
		t.Error("parked actions not cleared after collection")
	}
	var toolMsgs int
	for _, msg := range session.Messages {
		if msg.Role == models.RoleTool {
			toolMsgs++
		}
	}
	if toolMsgs != 2 {
		t.Errorf("tool messages = %d, want one per parked action", toolMsgs)
	}
}

// agentConflictStore injects a turn-sequence race on the closing agent
// append, after the user message already landed.
type agentConflictStore struct {
	store.Store
}

func (s *agentConflictStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	if msg.Role == models.RoleAgent {
		return &store.ConflictError{SessionID: sessionID, TurnSeq: msg.TurnSeq}
	}
	return s.Store.AppendMessage(ctx, sessionID, msg)
}

func TestHandleTurnMidTurnConflict(t *testing.T) {
	t.Setenv("PARLEY_DATA_DIR", "")
	inner := store.NewMemoryStore()
	t.Cleanup(func() { inner.Close() })

	provider := &scriptProvider{steps: []scriptStep{say("too late")}}
	h := newHarnessWithStore(t, &agentConflictStore{Store: inner}, provider, &ticketBackend{}, orchestrator.Config{})

	resp, err := h.orch.HandleTurn(context.Background(), "sess-1", "hello")
	var conflict *orchestrator.ConcurrentTurnError
	if !errors.As(err, &conflict) {
		t.Fatalf("HandleTurn() error = %v, want *ConcurrentTurnError", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil on a lost race", resp)
	}
}

// parkedActionIDs reads the parked-action list from the session context.
func parkedActionIDs(t *testing.T, session *models.Session) []string {
	t.Helper()
	raw, ok := session.Context["pending_actions"].([]interface{})
	if !ok {
		return nil
	}
	var ids []string
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			t.Fatalf("parked entry = %T, want map", entry)
		}
		id, _ := m["action_id"].(string)
		if id == "" {
			t.Fatalf("parked entry missing action_id: %v", m)
		}
		ids = append(ids, id)
	}
	return ids
}

func waitForResult(t *testing.T, s store.Store, actionID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		result, err := s.GetActionResult(context.Background(), actionID)
		if err != nil {
			t.Fatalf("GetActionResult() error = %v", err)
		}
		if result != nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("action did not resolve in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
