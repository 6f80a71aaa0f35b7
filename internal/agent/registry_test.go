package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

func noopHandler(context.Context, string, json.RawMessage) (string, error) {
	return "ok", nil
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"required,description=Text to echo back"`
}

func newCatalog(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	defs := []Definition{
		{Name: "write_spec", Category: CategoryEssential, Args: &echoArgs{}, Handler: noopHandler},
		{Name: "read_spec", Category: CategoryEssential, Handler: noopHandler},
		{Name: "write_file", Category: CategoryEssential, Args: &echoArgs{}, Handler: noopHandler},
		{Name: "waveform_tool", Category: CategoryVerification, Handler: noopHandler},
		{Name: "start_synthesis", Category: CategorySynthesis, Handler: noopHandler},
		{Name: "generate_report_tool", Category: CategoryReporting, Handler: noopHandler},
		{Name: "get_current_session", Category: CategorySession, Handler: noopHandler},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	return r
}

func toolNames(tools []*Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name)
	}
	return out
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "write_file", Category: CategoryEssential, Handler: noopHandler}
	if err := r.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegisterRejectsMissingHandler(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{Name: "broken", Category: CategoryEssential})
	if !core.IsKind(err, core.KindBadArgs) {
		t.Fatalf("expected bad_args, got %v", err)
	}
}

func TestLookupAndOrder(t *testing.T) {
	r := newCatalog(t)

	if _, ok := r.Lookup("write_spec"); !ok {
		t.Fatal("write_spec not found")
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("unexpected tool found")
	}

	names := toolNames(r.All())
	if names[0] != "write_spec" || names[len(names)-1] != "get_current_session" {
		t.Fatalf("registration order not preserved: %v", names)
	}
}

func TestEssentialFilter(t *testing.T) {
	r := newCatalog(t)
	visible := toolNames(r.Visible(Filter{Mode: FilterEssential}))

	want := map[string]bool{
		"write_spec":          true,
		"read_spec":           true,
		"write_file":          true,
		"get_current_session": true, // session tools always visible
	}
	if len(visible) != len(want) {
		t.Fatalf("visible = %v", visible)
	}
	for _, name := range visible {
		if !want[name] {
			t.Fatalf("unexpected visible tool %q", name)
		}
	}
}

func TestCustomFilterByCategory(t *testing.T) {
	r := newCatalog(t)
	visible := toolNames(r.Visible(Filter{Mode: FilterCustom, Categories: []Category{CategorySynthesis}}))

	if len(visible) != 2 {
		t.Fatalf("visible = %v", visible)
	}
	if visible[0] != "start_synthesis" || visible[1] != "get_current_session" {
		t.Fatalf("visible = %v", visible)
	}
}

func TestCustomFilterEssentialPlusSynthesis(t *testing.T) {
	r := newCatalog(t)

	if err := r.SetFilter(models.TransportWebSocket, "s1", Filter{
		Mode:       FilterCustom,
		Categories: []Category{CategoryEssential, CategorySynthesis},
	}); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	visible := toolNames(r.VisibleFor(models.TransportWebSocket, "s1"))
	want := []string{"write_spec", "read_spec", "write_file", "start_synthesis", "get_current_session"}
	if len(visible) != len(want) {
		t.Fatalf("visible = %v", visible)
	}
	for i, name := range want {
		if visible[i] != name {
			t.Fatalf("visible = %v, want %v", visible, want)
		}
	}
}

func TestCustomFilterAcceptsFullVocabulary(t *testing.T) {
	// Every category tag is addressable in custom mode, including ones no
	// registered tool currently carries.
	r := newCatalog(t)
	for _, c := range []Category{
		CategoryEssential, CategoryVerification, CategorySynthesis,
		CategoryEditing, CategoryReporting, CategorySession, CategoryOther,
	} {
		if err := r.SetFilter(models.TransportMCP, "", Filter{Mode: FilterCustom, Categories: []Category{c}}); err != nil {
			t.Fatalf("category %q rejected: %v", c, err)
		}
	}
}

func TestSetFilterValidation(t *testing.T) {
	r := newCatalog(t)

	cases := []struct {
		name string
		f    Filter
	}{
		{"unknown mode", Filter{Mode: "sometimes"}},
		{"custom without categories", Filter{Mode: FilterCustom}},
		{"custom with unknown category", Filter{Mode: FilterCustom, Categories: []Category{"nope"}}},
		{"essential with categories", Filter{Mode: FilterEssential, Categories: []Category{CategoryEssential}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.SetFilter(models.TransportMCP, "", tc.f); !core.IsKind(err, core.KindBadArgs) {
				t.Fatalf("expected bad_args, got %v", err)
			}
		})
	}
}

func TestFilterPrecedence(t *testing.T) {
	r := newCatalog(t)

	if err := r.SetFilter(models.TransportMCP, "", Filter{Mode: FilterEssential}); err != nil {
		t.Fatalf("transport default: %v", err)
	}
	if err := r.SetFilter(models.TransportMCP, "s1", Filter{Mode: FilterCustom, Categories: []Category{CategoryReporting}}); err != nil {
		t.Fatalf("session filter: %v", err)
	}

	// Session-scoped entry wins for s1.
	if got := r.FilterFor(models.TransportMCP, "s1").Mode; got != FilterCustom {
		t.Fatalf("s1 mode = %v", got)
	}
	// Other sessions fall back to the transport default.
	if got := r.FilterFor(models.TransportMCP, "s2").Mode; got != FilterEssential {
		t.Fatalf("s2 mode = %v", got)
	}
	// Other transports see everything.
	if got := r.FilterFor(models.TransportWebSocket, "s1").Mode; got != FilterAll {
		t.Fatalf("websocket mode = %v", got)
	}

	r.ClearSessionFilters("s1")
	if got := r.FilterFor(models.TransportMCP, "s1").Mode; got != FilterEssential {
		t.Fatalf("after clear, s1 mode = %v", got)
	}
}

func TestSchemaGeneration(t *testing.T) {
	r := newCatalog(t)

	tool, ok := r.Lookup("write_spec")
	if !ok {
		t.Fatal("write_spec not found")
	}
	schema := string(tool.Schema)
	if !strings.Contains(schema, `"message"`) {
		t.Fatalf("schema missing property: %s", schema)
	}
	if !strings.Contains(schema, `"required"`) {
		t.Fatalf("schema missing required list: %s", schema)
	}

	// Tools without an args struct bind the empty object schema.
	noArgs, _ := r.Lookup("read_spec")
	if string(noArgs.Schema) != string(emptyObjectSchema) {
		t.Fatalf("no-arg schema = %s", noArgs.Schema)
	}
}

func TestSchemasMatchVisible(t *testing.T) {
	r := newCatalog(t)
	f := Filter{Mode: FilterEssential}

	schemas := r.Schemas(f)
	visible := r.Visible(f)
	if len(schemas) != len(visible) {
		t.Fatalf("schemas %d != visible %d", len(schemas), len(visible))
	}
	for i := range schemas {
		if schemas[i].Name != visible[i].Name {
			t.Fatalf("schema order diverges at %d: %s vs %s", i, schemas[i].Name, visible[i].Name)
		}
	}
}
