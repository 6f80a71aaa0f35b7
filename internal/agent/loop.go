package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"log/slog"

	"github.com/fabworks/rtlagent/internal/bus"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/pkg/models"
)

const (
	// historyWindow bounds how many transcript turns are replayed to the
	// model at the start of a turn.
	historyWindow = 200

	// maxResponseTextSize caps the accumulated assistant text of a single
	// model response.
	maxResponseTextSize = 4 << 20

	// maxToolCallsPerIteration caps how many calls one response may request.
	maxToolCallsPerIteration = 64

	// stoppedMarker is appended as the assistant's reply when the user
	// aborts a turn mid-stream.
	stoppedMarker = "[Stopped]"
)

// LoopConfig bounds one agent turn.
type LoopConfig struct {
	MaxIterations int
	MaxTokens     int
	TurnTimeout   time.Duration
	SystemPrompt  string
}

func (c *LoopConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 40
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 10 * time.Minute
	}
}

// Loop drives one agent turn: stream the model, run the tools it asks
// for, feed results back, repeat until the model answers in plain text
// or a budget runs out.
//
// A turn moves through three phases per iteration: stream the response
// and collect tool calls, execute the calls in emission order, then
// continue with the results appended to the transcript. Turns on the
// same session are serialized by the session manager's turn lock; turns
// on different sessions run concurrently.
type Loop struct {
	provider Provider
	executor *Executor
	registry *Registry
	sessions *sessions.Manager
	sink     bus.Sink
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      LoopConfig
}

// NewLoop wires a loop over the provider, executor, and session manager.
func NewLoop(provider Provider, executor *Executor, registry *Registry, mgr *sessions.Manager, sink bus.Sink, metrics *observability.Metrics, logger *slog.Logger, cfg LoopConfig) *Loop {
	cfg.applyDefaults()
	if sink == nil {
		sink = bus.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		executor: executor,
		registry: registry,
		sessions: mgr,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// TurnResult summarizes a finished turn for callers that wait for the
// whole reply instead of following the event stream.
type TurnResult struct {
	Text       string           `json:"text"`
	Iterations int              `json:"iterations"`
	Usage      models.TurnUsage `json:"usage"`
}

// RunTurn executes one user turn to completion under the session's turn
// lock. Stream events are published as the turn progresses; the returned
// result carries the final assistant text and the turn's token tally.
//
// Exactly one turn.done or turn.error closes the event stream for the
// turn, including on cancellation and persistence failure.
func (l *Loop) RunTurn(ctx context.Context, transport models.TransportTag, sessionID, userMessage string) (*TurnResult, error) {
	sess, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	var result *TurnResult
	err = l.sessions.WithTurnLock(turnCtx, sessionID, "turn:"+string(transport), func(ctx context.Context) error {
		var runErr error
		result, runErr = l.run(ctx, transport, sess, userMessage)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type turnState struct {
	messages   []Message
	text       string
	toolCalls  []models.ToolCall
	usage      models.TurnUsage
	iterations int
}

func (l *Loop) run(ctx context.Context, transport models.TransportTag, sess *models.Session, userMessage string) (*TurnResult, error) {
	sessionID := sess.ID

	userTurn := &models.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   userMessage,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.sessions.AppendTurns(ctx, sessionID, []*models.Turn{userTurn}); err != nil {
		return nil, err
	}

	history, err := l.sessions.History(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, err
	}

	state := &turnState{messages: MessagesFromTurns(history)}
	l.sink.Emit(ctx, models.NewTurnStart(sessionID))
	started := time.Now()

	result, err := l.iterate(ctx, transport, sess, state)
	if err != nil {
		return nil, l.failTurn(ctx, sessionID, state, err)
	}

	l.metrics.RecordTurn("done")
	l.logger.Info("turn complete",
		"session_id", sessionID, "iterations", state.iterations,
		"input_tokens", state.usage.InputTokens, "output_tokens", state.usage.OutputTokens,
		"elapsed", time.Since(started))
	l.sink.Emit(ctx, models.NewTurnDone(sessionID, state.usage))
	return result, nil
}

func (l *Loop) iterate(ctx context.Context, transport models.TransportTag, sess *models.Session, state *turnState) (*TurnResult, error) {
	sessionID := sess.ID

	for state.iterations < l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state.iterations++
		l.metrics.RecordLoopIteration(sess.Model)

		if err := l.streamOnce(ctx, transport, sess, state); err != nil {
			return nil, err
		}

		assistant := &models.Turn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   state.text,
			ToolCalls: state.toolCalls,
			CreatedAt: time.Now().UTC(),
		}

		if len(state.toolCalls) == 0 {
			// The closing turn and the token delta commit together so
			// history and usage counters never diverge.
			if _, err := l.sessions.CommitTurn(ctx, sessionID, []*models.Turn{assistant},
				state.usage.InputTokens, state.usage.OutputTokens, 0); err != nil {
				return nil, err
			}
			return &TurnResult{
				Text:       state.text,
				Iterations: state.iterations,
				Usage:      state.usage,
			}, nil
		}

		results := make([]models.ToolResult, 0, len(state.toolCalls))
		for _, call := range state.toolCalls {
			results = append(results, l.executor.Execute(ctx, transport, sessionID, call))
		}

		toolTurn := &models.Turn{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   time.Now().UTC(),
		}
		// The assistant turn and its tool results land together so the
		// transcript never ends on an unanswered tool call.
		if err := l.sessions.AppendTurns(ctx, sessionID, []*models.Turn{assistant, toolTurn}); err != nil {
			return nil, err
		}

		state.messages = append(state.messages,
			Message{Role: models.RoleAssistant, Content: state.text, ToolCalls: state.toolCalls},
			Message{Role: models.RoleTool, ToolResults: results},
		)
		state.text = ""
		state.toolCalls = nil
	}

	return nil, core.Errorf(core.KindStepBudget,
		"turn stopped after %d iterations without a final answer", l.cfg.MaxIterations)
}

// streamOnce performs one model call, forwarding text deltas as they
// arrive and collecting tool calls in emission order.
func (l *Loop) streamOnce(ctx context.Context, transport models.TransportTag, sess *models.Session, state *turnState) error {
	req := &CompletionRequest{
		Model:     sess.Model,
		System:    l.cfg.SystemPrompt,
		Messages:  state.messages,
		Tools:     l.registry.SchemasFor(transport, sess.ID),
		MaxTokens: l.cfg.MaxTokens,
	}

	started := time.Now()
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.metrics.RecordLLMRequest(l.provider.Name(), sess.Model, "error", time.Since(started).Seconds(), 0, 0)
		return err
	}

	var text strings.Builder
	var calls []models.ToolCall
	var in, out int64

	for chunk := range chunks {
		if chunk.Err != nil {
			l.metrics.RecordLLMRequest(l.provider.Name(), sess.Model, "error", time.Since(started).Seconds(), 0, 0)
			return chunk.Err
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > maxResponseTextSize {
				return core.Errorf(core.KindInternal,
					"model response exceeds %d bytes", maxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			l.sink.Emit(ctx, models.NewTextDelta(sess.ID, chunk.Text))
		}
		if chunk.ToolCall != nil {
			if len(calls) >= maxToolCallsPerIteration {
				return core.Errorf(core.KindInternal,
					"model requested more than %d tool calls in one response", maxToolCallsPerIteration)
			}
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			in, out = chunk.InputTokens, chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state.text = text.String()
	state.toolCalls = calls

	// Providers that do not report usage get a byte-length estimate so
	// cost accounting never silently reads zero.
	if in == 0 {
		for _, m := range state.messages {
			in += sessions.EstimateTokens(m.Content)
		}
	}
	if out == 0 {
		out = sessions.EstimateTokens(state.text)
	}
	state.usage.InputTokens += in
	state.usage.OutputTokens += out

	l.metrics.RecordLLMRequest(l.provider.Name(), sess.Model, "ok", time.Since(started).Seconds(), in, out)
	return nil
}

// failTurn closes a failed turn: classify the error, record what the
// model produced before the failure, and emit the terminal event.
func (l *Loop) failTurn(ctx context.Context, sessionID string, state *turnState, cause error) error {
	kind := core.KindOf(cause)
	if ctx.Err() != nil && kind != core.KindStepBudget {
		kind = core.KindCancelled
		cause = core.Wrap(core.KindCancelled, "turn aborted", cause)
	}

	// Persistence of the stop marker must survive the cancelled turn
	// context.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if kind == core.KindCancelled {
		content := state.text
		if content != "" {
			content += "\n\n"
		}
		content += stoppedMarker
		stopTurn := &models.Turn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := l.sessions.CommitTurn(persistCtx, sessionID, []*models.Turn{stopTurn},
			state.usage.InputTokens, state.usage.OutputTokens, 0); err != nil {
			l.logger.Warn("stop marker not persisted", "session_id", sessionID, "error", err)
		}
	} else if state.usage.InputTokens > 0 || state.usage.OutputTokens > 0 {
		if _, err := l.sessions.RecordUsage(persistCtx, sessionID,
			state.usage.InputTokens, state.usage.OutputTokens, 0); err != nil {
			l.logger.Warn("usage accounting failed", "session_id", sessionID, "error", err)
		}
	}

	l.metrics.RecordTurn(string(kind))
	l.logger.Warn("turn failed",
		"session_id", sessionID, "iterations", state.iterations,
		"kind", kind, "error", cause)
	l.sink.Emit(persistCtx, models.NewTurnError(sessionID, cause.Error(), string(kind)))
	return cause
}
