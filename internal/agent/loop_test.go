package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/pkg/models"
)

// scriptedProvider replays one chunk script per Complete call, in order.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]*Chunk
	calls   int
	lastReq *CompletionRequest
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []ModelInfo { return nil }

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	p.mu.Lock()
	p.lastReq = req
	if p.calls >= len(p.scripts) {
		p.mu.Unlock()
		return nil, errors.New("scripted: no more responses")
	}
	script := p.scripts[p.calls]
	p.calls++
	p.mu.Unlock()

	out := make(chan *Chunk)
	go func() {
		defer close(out)
		for _, c := range script {
			out <- c
		}
	}()
	return out, nil
}

// blockingProvider streams one delta then holds the stream open until the
// context is cancelled.
type blockingProvider struct {
	streaming chan struct{}
}

func (p *blockingProvider) Name() string        { return "blocking" }
func (p *blockingProvider) Models() []ModelInfo { return nil }
func (p *blockingProvider) Complete(ctx context.Context, _ *CompletionRequest) (<-chan *Chunk, error) {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		out <- &Chunk{Text: "partial answer"}
		close(p.streaming)
		<-ctx.Done()
		out <- &Chunk{Err: ctx.Err()}
	}()
	return out, nil
}

type loopFixture struct {
	loop *Loop
	mgr  *sessions.Manager
	rec  *eventRecorder
	reg  *Registry
}

func newLoopFixture(t *testing.T, provider Provider, cfg LoopConfig) *loopFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := sessions.NewManager(sessions.NewMemoryStore(), nil, logger, "test-model")
	t.Cleanup(mgr.Close)

	reg := NewRegistry()
	reg.MustRegister(Definition{
		Name:     "echo",
		Category: CategoryEssential,
		Args:     &echoArgs{},
		Handler: func(_ context.Context, _ string, args json.RawMessage) (string, error) {
			var a echoArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			return "echoed " + a.Message, nil
		},
	})

	rec := &eventRecorder{}
	metrics := observability.NewMetrics()
	exec := NewExecutor(reg, rec, metrics, logger)
	loop := NewLoop(provider, exec, reg, mgr, rec, metrics, logger, cfg)
	return &loopFixture{loop: loop, mgr: mgr, rec: rec, reg: reg}
}

func (f *loopFixture) createSession(t *testing.T) *models.Session {
	t.Helper()
	sess, err := f.mgr.Create(context.Background(), "s1", "test-model", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (f *loopFixture) eventTypes() []models.StreamEventType {
	events := f.rec.snapshot()
	out := make([]models.StreamEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunTurnPlainText(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*Chunk{
		{
			{Text: "A 4-bit "},
			{Text: "counter."},
			{Done: true, InputTokens: 10, OutputTokens: 5},
		},
	}}
	f := newLoopFixture(t, provider, LoopConfig{SystemPrompt: "you design hardware"})
	f.createSession(t)

	result, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "s1", "make a counter")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "A 4-bit counter." {
		t.Fatalf("text = %q", result.Text)
	}
	if result.Iterations != 1 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", result.Usage)
	}

	// The system prompt and user message reached the provider.
	if provider.lastReq.System != "you design hardware" {
		t.Fatalf("system = %q", provider.lastReq.System)
	}
	last := provider.lastReq.Messages[len(provider.lastReq.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "make a counter" {
		t.Fatalf("last message = %+v", last)
	}

	// Transcript: user turn then assistant turn.
	history, err := f.mgr.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Fatalf("history roles = %v, %v", history[0].Role, history[1].Role)
	}
	if history[1].Content != "A 4-bit counter." {
		t.Fatalf("assistant content = %q", history[1].Content)
	}

	types := f.eventTypes()
	if types[0] != models.EventTurnStart || types[len(types)-1] != models.EventTurnDone {
		t.Fatalf("event envelope = %v", types)
	}
}

func TestRunTurnToolRoundTrip(t *testing.T) {
	call := &models.ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"message":"hello"}`)}
	provider := &scriptedProvider{scripts: [][]*Chunk{
		{
			{Text: "Let me check."},
			{ToolCall: call},
			{Done: true, InputTokens: 8, OutputTokens: 4},
		},
		{
			{Text: "The tool said hello."},
			{Done: true, InputTokens: 12, OutputTokens: 6},
		},
	}}
	f := newLoopFixture(t, provider, LoopConfig{})
	f.createSession(t)

	result, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "s1", "run echo")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "The tool said hello." {
		t.Fatalf("text = %q", result.Text)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d", result.Iterations)
	}
	// Usage accumulates across iterations.
	if result.Usage.InputTokens != 20 || result.Usage.OutputTokens != 10 {
		t.Fatalf("usage = %+v", result.Usage)
	}

	// The second request carries the assistant call and the tool result.
	msgs := provider.lastReq.Messages
	var sawCall, sawResult bool
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "c1" {
			sawCall = true
		}
		if m.Role == models.RoleTool && len(m.ToolResults) == 1 && m.ToolResults[0].Content == "echoed hello" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("tool exchange missing from follow-up request: call=%v result=%v", sawCall, sawResult)
	}

	// Transcript: user, assistant(+call), tool, assistant.
	history, err := f.mgr.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(history) != len(wantRoles) {
		t.Fatalf("history length = %d", len(history))
	}
	for i, role := range wantRoles {
		if history[i].Role != role {
			t.Fatalf("history[%d].Role = %v, want %v", i, history[i].Role, role)
		}
	}
	if len(history[1].ToolCalls) != 1 || len(history[2].ToolResults) != 1 {
		t.Fatal("tool call and result not persisted together")
	}

	types := f.eventTypes()
	var sawToolCall, sawToolResult bool
	for _, typ := range types {
		switch typ {
		case models.EventToolCall:
			sawToolCall = true
		case models.EventToolResult:
			sawToolResult = true
		}
	}
	if !sawToolCall || !sawToolResult {
		t.Fatalf("tool events missing: %v", types)
	}
}

func TestRunTurnStepBudget(t *testing.T) {
	call := &models.ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{"message":"again"}`)}
	loopScript := []*Chunk{{ToolCall: call}, {Done: true}}
	provider := &scriptedProvider{scripts: [][]*Chunk{loopScript, loopScript, loopScript}}
	f := newLoopFixture(t, provider, LoopConfig{MaxIterations: 2})
	f.createSession(t)

	_, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "s1", "loop forever")
	if !core.IsKind(err, core.KindStepBudget) {
		t.Fatalf("expected step_budget_exhausted, got %v", err)
	}

	types := f.eventTypes()
	last := types[len(types)-1]
	if last != models.EventTurnError {
		t.Fatalf("terminal event = %v", last)
	}
	events := f.rec.snapshot()
	if events[len(events)-1].Error.Code != string(core.KindStepBudget) {
		t.Fatalf("error code = %q", events[len(events)-1].Error.Code)
	}

	// Both iterations persisted their call/result pairs before the budget hit.
	history, err := f.mgr.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 { // user + 2x(assistant, tool)
		t.Fatalf("history length = %d", len(history))
	}
}

func TestRunTurnStreamError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*Chunk{
		{
			{Text: "starting"},
			{Err: errors.New("scripted: upstream hiccup")},
		},
	}}
	f := newLoopFixture(t, provider, LoopConfig{})
	f.createSession(t)

	_, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "s1", "hi")
	if err == nil || !strings.Contains(err.Error(), "upstream hiccup") {
		t.Fatalf("err = %v", err)
	}

	types := f.eventTypes()
	if types[len(types)-1] != models.EventTurnError {
		t.Fatalf("terminal event = %v", types)
	}
}

func TestRunTurnCancellation(t *testing.T) {
	provider := &blockingProvider{streaming: make(chan struct{})}
	f := newLoopFixture(t, provider, LoopConfig{})
	f.createSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.loop.RunTurn(ctx, models.TransportWebSocket, "s1", "design something")
		done <- err
	}()

	<-provider.streaming
	cancel()

	select {
	case err := <-done:
		if !core.IsKind(err, core.KindCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not return after cancellation")
	}

	// The aborted turn leaves a stop marker carrying the partial text.
	history, err := f.mgr.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant {
		t.Fatalf("last turn role = %v", last.Role)
	}
	if !strings.HasSuffix(last.Content, "[Stopped]") {
		t.Fatalf("last turn content = %q", last.Content)
	}
	if !strings.Contains(last.Content, "partial answer") {
		t.Fatalf("partial text dropped: %q", last.Content)
	}

	types := f.eventTypes()
	if types[len(types)-1] != models.EventTurnError {
		t.Fatalf("terminal event = %v", types)
	}
}

func TestRunTurnUnknownSession(t *testing.T) {
	provider := &scriptedProvider{}
	f := newLoopFixture(t, provider, LoopConfig{})

	_, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "ghost", "hi")
	if !core.IsKind(err, core.KindSessionNotFound) {
		t.Fatalf("expected session_not_found, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatal("provider should not be called for a missing session")
	}
}

func TestRunTurnUsageEstimateFallback(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*Chunk{
		{
			{Text: "twelve bytes"},
			{Done: true}, // backend reported no usage
		},
	}}
	f := newLoopFixture(t, provider, LoopConfig{})
	f.createSession(t)

	result, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "s1", "estimate me")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Usage.InputTokens == 0 || result.Usage.OutputTokens == 0 {
		t.Fatalf("expected estimated usage, got %+v", result.Usage)
	}
	if want := sessions.EstimateTokens("twelve bytes"); result.Usage.OutputTokens != want {
		t.Fatalf("output tokens = %d, want %d", result.Usage.OutputTokens, want)
	}
}

func TestRunTurnSerializedPerSession(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*Chunk{
		{{Text: "one"}, {Done: true}},
		{{Text: "two"}, {Done: true}},
	}}
	f := newLoopFixture(t, provider, LoopConfig{})
	f.createSession(t)

	if _, err := f.loop.RunTurn(context.Background(), models.TransportWebSocket, "s1", "first"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := f.loop.RunTurn(context.Background(), models.TransportREST, "s1", "second"); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	history, err := f.mgr.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// user, assistant, user, assistant in strict order.
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[1].Content != "one" || history[3].Content != "two" {
		t.Fatalf("turn order scrambled: %q then %q", history[1].Content, history[3].Content)
	}
}
