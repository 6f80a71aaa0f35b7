package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

func wsCtx() context.Context {
	return agent.WithTransport(context.Background(), models.TransportWebSocket)
}

func TestCreateSessionActivates(t *testing.T) {
	f := newFixture(t)
	ctx := wsCtx()

	out, err := f.cat.createSession(ctx, "", args(t, createSessionArgs{SessionID: "demo", Title: "counter work"}))
	if err != nil {
		t.Fatal(err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["session_id"] != "demo" {
		t.Fatalf("result = %v", result)
	}
	if got := f.mgr.CurrentOf(models.TransportWebSocket); got != "demo" {
		t.Fatalf("active session = %q", got)
	}
	// The other transports are untouched.
	if got := f.mgr.CurrentOf(models.TransportMCP); got != "" {
		t.Fatalf("mcp active session = %q", got)
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := wsCtx()

	out, err := f.cat.listSessions(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no sessions exist yet") {
		t.Fatalf("out = %q", out)
	}

	if _, err := f.cat.createSession(ctx, "", args(t, createSessionArgs{SessionID: "a"})); err != nil {
		t.Fatal(err)
	}
	out, err = f.cat.listSessions(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"a"`) {
		t.Fatalf("out = %q", out)
	}
}

func TestSetAndGetCurrentSession(t *testing.T) {
	f := newFixture(t)
	ctx := wsCtx()

	if _, err := f.cat.createSession(ctx, "", args(t, createSessionArgs{SessionID: "a"})); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cat.createSession(ctx, "", args(t, createSessionArgs{SessionID: "b"})); err != nil {
		t.Fatal(err)
	}

	if _, err := f.cat.setActiveSession(ctx, "", args(t, sessionIDOnlyArgs{SessionID: "a"})); err != nil {
		t.Fatal(err)
	}
	out, err := f.cat.getCurrentSession(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"a"`) {
		t.Fatalf("current = %q", out)
	}
}

func TestSetActiveUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.setActiveSession(wsCtx(), "", args(t, sessionIDOnlyArgs{SessionID: "ghost"}))
	if !core.IsKind(err, core.KindSessionNotFound) {
		t.Fatalf("expected session_not_found, got %v", err)
	}
}

func TestGetCurrentSessionFallsBackToCaller(t *testing.T) {
	f := newFixture(t)
	ctx := wsCtx()
	if _, err := f.mgr.Create(context.Background(), "caller", "", ""); err != nil {
		t.Fatal(err)
	}

	out, err := f.cat.getCurrentSession(ctx, "caller", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"caller"`) {
		t.Fatalf("out = %q", out)
	}
}

func TestDeleteSessionRefusesActive(t *testing.T) {
	f := newFixture(t)
	ctx := wsCtx()
	deleteSession := f.cat.deleteSessionHandler(f.reg)

	if _, err := f.cat.createSession(ctx, "", args(t, createSessionArgs{SessionID: "a"})); err != nil {
		t.Fatal(err)
	}

	_, err := deleteSession(ctx, "", args(t, sessionIDOnlyArgs{SessionID: "a"}))
	if !core.IsKind(err, core.KindSessionConflict) {
		t.Fatalf("expected session_conflict while active, got %v", err)
	}

	f.mgr.ClearActive(models.TransportWebSocket, "a")
	if _, err := deleteSession(ctx, "", args(t, sessionIDOnlyArgs{SessionID: "a"})); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Get(context.Background(), "a"); !core.IsKind(err, core.KindSessionNotFound) {
		t.Fatalf("session still exists: %v", err)
	}
}

func TestDeleteSessionClearsFilters(t *testing.T) {
	f := newFixture(t)
	deleteSession := f.cat.deleteSessionHandler(f.reg)

	if _, err := f.mgr.Create(context.Background(), "a", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetFilter(models.TransportWebSocket, "a", agent.Filter{Mode: agent.FilterEssential}); err != nil {
		t.Fatal(err)
	}

	if _, err := deleteSession(wsCtx(), "", args(t, sessionIDOnlyArgs{SessionID: "a"})); err != nil {
		t.Fatal(err)
	}
	got := f.reg.FilterFor(models.TransportWebSocket, "a")
	if got.Mode != agent.FilterAll {
		t.Fatalf("filter survived delete: %+v", got)
	}
}

func TestConfigureToolFilter(t *testing.T) {
	f := newFixture(t)
	configure := f.cat.configureFilterHandler(f.reg)
	ctx := wsCtx()

	out, err := configure(ctx, "s1", args(t, configureFilterArgs{Mode: "essential"}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "essential") {
		t.Fatalf("out = %q", out)
	}
	// 7 essential tools + 6 always-visible session tools.
	if !strings.Contains(out, "13 tool(s)") {
		t.Fatalf("out = %q", out)
	}

	visible := f.reg.VisibleFor(models.TransportWebSocket, "s1")
	names := map[string]bool{}
	for _, tool := range visible {
		names[tool.Name] = true
	}
	if names["start_synthesis"] || !names["simulation_tool"] {
		t.Fatalf("visible = %v", names)
	}
}

func TestConfigureToolFilterCustom(t *testing.T) {
	f := newFixture(t)
	configure := f.cat.configureFilterHandler(f.reg)
	ctx := wsCtx()

	if _, err := configure(ctx, "s1", args(t, configureFilterArgs{
		Mode:       "custom",
		Categories: []string{"synthesis"},
	})); err != nil {
		t.Fatal(err)
	}
	visible := f.reg.VisibleFor(models.TransportWebSocket, "s1")
	for _, tool := range visible {
		if tool.Category != agent.CategorySynthesis && tool.Category != agent.CategorySession {
			t.Fatalf("unexpected visible tool %s (%s)", tool.Name, tool.Category)
		}
	}
}

func TestConfigureToolFilterEssentialPlusSynthesis(t *testing.T) {
	f := newFixture(t)
	configure := f.cat.configureFilterHandler(f.reg)
	ctx := wsCtx()

	if _, err := configure(ctx, "s1", args(t, configureFilterArgs{Mode: "essential"})); err != nil {
		t.Fatal(err)
	}
	filter := f.reg.FilterFor(models.TransportWebSocket, "s1")
	synth, ok := f.reg.Lookup("start_synthesis")
	if !ok {
		t.Fatal("start_synthesis not registered")
	}
	if filter.Allows(synth) {
		t.Fatal("essential mode should hide start_synthesis")
	}

	// Widening to essential + synthesis restores the synthesis tools
	// without losing the core workflow set.
	if _, err := configure(ctx, "s1", args(t, configureFilterArgs{
		Mode:       "custom",
		Categories: []string{"essential", "synthesis"},
	})); err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range f.reg.VisibleFor(models.TransportWebSocket, "s1") {
		names[tool.Name] = true
	}
	for _, want := range []string{"start_synthesis", "write_spec", "simulation_tool", "get_current_session"} {
		if !names[want] {
			t.Fatalf("%s not visible: %v", want, names)
		}
	}
	if names["waveform_tool"] || names["edit_file_tool"] {
		t.Fatalf("unexpected visible tools: %v", names)
	}
}

func TestConfigureToolFilterRejectsBadMode(t *testing.T) {
	f := newFixture(t)
	configure := f.cat.configureFilterHandler(f.reg)

	_, err := configure(wsCtx(), "s1", args(t, configureFilterArgs{Mode: "some"}))
	if !core.IsKind(err, core.KindBadArgs) {
		t.Fatalf("expected bad_args, got %v", err)
	}

	_, err = configure(wsCtx(), "s1", args(t, configureFilterArgs{Mode: "custom"}))
	if !core.IsKind(err, core.KindBadArgs) {
		t.Fatalf("custom without categories should fail, got %v", err)
	}
}
