package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fabworks/rtlagent/internal/bus"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/pkg/models"
)

// maxArgsSize caps the raw argument payload accepted for one call.
const maxArgsSize = 10 << 20

// transportKey carries the calling transport through the context so
// session-scoped tools can tell which surface invoked them.
type transportKey struct{}

// WithTransport tags the context with the calling transport.
func WithTransport(ctx context.Context, tag models.TransportTag) context.Context {
	return context.WithValue(ctx, transportKey{}, tag)
}

// TransportFromContext returns the transport the call arrived on. Calls
// that did not pass through the executor report the CLI surface.
func TransportFromContext(ctx context.Context) models.TransportTag {
	if tag, ok := ctx.Value(transportKey{}).(models.TransportTag); ok {
		return tag
	}
	return models.TransportCLI
}

// Executor dispatches tool calls produced by the model or an external MCP
// client. Failures become error-status results handed back to the caller;
// the executor itself never retries and never returns a Go error.
type Executor struct {
	registry *Registry
	sink     bus.Sink
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewExecutor wires the executor to the registry and the streaming bus.
func NewExecutor(registry *Registry, sink bus.Sink, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	if sink == nil {
		sink = bus.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, sink: sink, metrics: metrics, logger: logger}
}

// Execute resolves, validates, and runs one tool call for the session.
// Every invocation publishes a tool.call and a tool.result event so
// transports can render the call live.
func (e *Executor) Execute(ctx context.Context, transport models.TransportTag, sessionID string, call models.ToolCall) models.ToolResult {
	e.sink.Emit(ctx, models.NewToolCall(sessionID, call))

	result := e.run(ctx, transport, sessionID, call)

	status := string(result.Status)
	e.metrics.RecordToolExecution(call.Name, status, result.Elapsed.Seconds())
	if result.IsError() {
		e.logger.Warn("tool call failed",
			"session_id", sessionID, "tool", call.Name, "call_id", call.ID,
			"elapsed", result.Elapsed, "error", result.Content)
	} else {
		e.logger.Debug("tool call ok",
			"session_id", sessionID, "tool", call.Name, "call_id", call.ID,
			"elapsed", result.Elapsed, "bytes", result.Bytes)
	}

	e.sink.Emit(ctx, models.NewToolResult(sessionID, result))
	return result
}

func (e *Executor) run(ctx context.Context, transport models.TransportTag, sessionID string, call models.ToolCall) models.ToolResult {
	tool, ok := e.registry.Lookup(call.Name)
	if !ok || !e.registry.FilterFor(transport, sessionID).Allows(tool) {
		e.metrics.RecordError("executor", string(core.KindToolNotVisible))
		return e.errorResult(call, core.Errorf(core.KindToolNotVisible,
			"tool %q is not available in the current filter", call.Name))
	}

	if len(call.Args) > maxArgsSize {
		e.metrics.RecordError("executor", string(core.KindBadArgs))
		return e.errorResult(call, core.Errorf(core.KindBadArgs,
			"arguments exceed %d bytes", maxArgsSize))
	}
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(tool.compiled, args); err != nil {
		e.metrics.RecordError("executor", string(core.KindBadArgs))
		return e.errorResult(call, err)
	}

	if err := ctx.Err(); err != nil {
		// The turn was aborted before this call ran. Report it as a
		// result so calls and results stay paired in the transcript.
		return e.errorResult(call, core.Wrap(core.KindCancelled, "tool call aborted", err))
	}

	runCtx := WithTransport(ctx, transport)
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, tool.Timeout)
		defer cancel()
	}

	started := time.Now()
	payload, err := invoke(runCtx, tool, sessionID, args)
	elapsed := time.Since(started)

	if err != nil {
		result := e.errorResult(call, err)
		result.Elapsed = elapsed
		return result
	}
	result := models.OKResult(call.ID, call.Name, payload)
	result.Elapsed = elapsed
	return result
}

// invoke runs the handler, converting a panic into an error so one broken
// tool cannot take down the loop.
func invoke(ctx context.Context, tool *Tool, sessionID string, args json.RawMessage) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.KindInternal, "tool %q panicked: %v", tool.Name, r)
		}
	}()
	return tool.handler(ctx, sessionID, args)
}

func (e *Executor) errorResult(call models.ToolCall, err error) models.ToolResult {
	return models.ErrorResult(call.ID, call.Name, err.Error())
}

// validateArgs checks the raw arguments against the tool's compiled
// schema, flattening validation causes into a field-by-field message.
func validateArgs(schema *jsonschema.Schema, raw json.RawMessage) error {
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return core.Wrap(core.KindBadArgs, "arguments are not valid JSON", err)
	}
	if err := schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return core.Errorf(core.KindBadArgs, "invalid arguments: %s", strings.Join(leafCauses(ve), "; "))
		}
		return core.Wrap(core.KindBadArgs, "invalid arguments", err)
	}
	return nil
}

func leafCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, leafCauses(cause)...)
	}
	return out
}
