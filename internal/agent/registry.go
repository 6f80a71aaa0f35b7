package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

// Category groups tools for the custom filter mode and the MCP listing.
type Category string

const (
	// CategoryEssential is the minimum-workflow subset: spec create/read,
	// file write/read, listing, linter, simulator. Essential mode shows
	// exactly these.
	CategoryEssential    Category = "essential"
	CategoryVerification Category = "verification"
	CategorySynthesis    Category = "synthesis"
	CategoryEditing      Category = "editing"
	CategoryReporting    Category = "reporting"
	// CategorySession tools stay visible in every filter mode.
	CategorySession Category = "session"
	CategoryOther   Category = "other"
)

// knownCategories is the full category vocabulary custom filters may name,
// whether or not a registered tool currently carries the tag.
var knownCategories = map[Category]bool{
	CategoryEssential:    true,
	CategoryVerification: true,
	CategorySynthesis:    true,
	CategoryEditing:      true,
	CategoryReporting:    true,
	CategorySession:      true,
	CategoryOther:        true,
}

// FilterMode selects which slice of the catalog a transport exposes.
type FilterMode string

const (
	FilterAll       FilterMode = "all"
	FilterEssential FilterMode = "essential"
	FilterCustom    FilterMode = "custom"
)

// Filter is one visibility selection. The zero value means all tools.
type Filter struct {
	Mode       FilterMode `json:"mode"`
	Categories []Category `json:"categories,omitempty"`
}

// Allows reports whether the filter exposes the tool. Session tools are
// always visible.
func (f Filter) Allows(t *Tool) bool {
	if t.Category == CategorySession {
		return true
	}
	switch f.Mode {
	case FilterEssential:
		return t.Category == CategoryEssential
	case FilterCustom:
		for _, c := range f.Categories {
			if c == t.Category {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Handler executes one tool call for one session and returns the text
// payload handed back to the model.
type Handler func(ctx context.Context, sessionID string, args json.RawMessage) (string, error)

// Definition declares one tool for registration. Args is a pointer to the
// typed argument struct the schema is generated from; nil declares a tool
// without arguments.
type Definition struct {
	Name        string
	Description string
	Category    Category
	Args        any
	// Timeout bounds one invocation; zero leaves the turn budget in charge.
	Timeout time.Duration
	Handler Handler
}

// Tool is a registered catalog entry with its generated schema and
// compiled validator.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Schema      json.RawMessage
	Timeout     time.Duration

	handler  Handler
	compiled *jsonschema.Schema
}

const maxToolNameLength = 256

// emptyObjectSchema binds tools that take no arguments.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type filterKey struct {
	transport models.TransportTag
	session   string
}

// Registry is the single declaration point for every callable tool. It
// serves three views: handler lookup by name, schema export for model
// binding and MCP listing, and filtered visibility per transport and
// session.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	order   []string
	filters map[filterKey]Filter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		filters: make(map[filterKey]Filter),
	}
}

// Register adds one tool, generating its argument schema and compiling
// the validator. Duplicate names are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return core.E(core.KindBadArgs, "tool name is empty")
	}
	if len(def.Name) > maxToolNameLength {
		return core.Errorf(core.KindBadArgs, "tool name exceeds %d characters", maxToolNameLength)
	}
	if def.Handler == nil {
		return core.Errorf(core.KindBadArgs, "tool %q has no handler", def.Name)
	}

	schema := emptyObjectSchema
	if def.Args != nil {
		raw, err := generateSchema(def.Args)
		if err != nil {
			return core.Wrap(core.KindInternal, fmt.Sprintf("generate schema for %q", def.Name), err)
		}
		schema = raw
	}
	compiled, err := compileSchema(def.Name, schema)
	if err != nil {
		return core.Wrap(core.KindInternal, fmt.Sprintf("compile schema for %q", def.Name), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return core.Errorf(core.KindSessionConflict, "tool %q already registered", def.Name)
	}
	r.tools[def.Name] = &Tool{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		Schema:      schema,
		Timeout:     def.Timeout,
		handler:     def.Handler,
		compiled:    compiled,
	}
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister panics on registration failure. Catalog construction runs
// at startup where a bad declaration is a programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every tool in registration order.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Visible returns the tools the filter exposes, in registration order.
func (r *Registry) Visible(f Filter) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, name := range r.order {
		if t := r.tools[name]; f.Allows(t) {
			out = append(out, t)
		}
	}
	return out
}

// Schemas exports the filtered catalog in the canonical shape consumed by
// both model tool binding and MCP list_tools.
func (r *Registry) Schemas(f Filter) []ToolSchema {
	tools := r.Visible(f)
	out := make([]ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			InputSchema: t.Schema,
		})
	}
	return out
}

// Categories returns the sorted set of categories present in the catalog.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[Category]bool)
	for _, t := range r.tools {
		seen[t.Category] = true
	}
	out := make([]Category, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetFilter installs a visibility filter. An empty sessionID sets the
// transport-wide default; a session-scoped entry overrides it.
func (r *Registry) SetFilter(transport models.TransportTag, sessionID string, f Filter) error {
	switch f.Mode {
	case FilterAll, FilterEssential:
		if len(f.Categories) > 0 {
			return core.Errorf(core.KindBadArgs, "mode %q does not take categories", f.Mode)
		}
	case FilterCustom:
		if len(f.Categories) == 0 {
			return core.E(core.KindBadArgs, "custom mode requires at least one category")
		}
		for _, c := range f.Categories {
			if !knownCategories[c] {
				return core.Errorf(core.KindBadArgs, "unknown tool category %q", c)
			}
		}
	default:
		return core.Errorf(core.KindBadArgs, "unknown filter mode %q", f.Mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[filterKey{transport, sessionID}] = f
	return nil
}

// FilterFor resolves the effective filter: the session-scoped entry if
// present, else the transport default, else all tools.
func (r *Registry) FilterFor(transport models.TransportTag, sessionID string) Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.filters[filterKey{transport, sessionID}]; ok {
		return f
	}
	if f, ok := r.filters[filterKey{transport, ""}]; ok {
		return f
	}
	return Filter{Mode: FilterAll}
}

// ClearSessionFilters drops every session-scoped filter for the given
// session, across transports. Called when the session is deleted.
func (r *Registry) ClearSessionFilters(sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.filters {
		if k.session == sessionID {
			delete(r.filters, k)
		}
	}
}

// VisibleFor and SchemasFor apply the effective filter for one surface.
func (r *Registry) VisibleFor(transport models.TransportTag, sessionID string) []*Tool {
	return r.Visible(r.FilterFor(transport, sessionID))
}

func (r *Registry) SchemasFor(transport models.TransportTag, sessionID string) []ToolSchema {
	return r.Schemas(r.FilterFor(transport, sessionID))
}

// generateSchema reflects the argument struct into a self-contained JSON
// schema with inlined definitions.
func generateSchema(args any) (json.RawMessage, error) {
	reflector := invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := reflector.Reflect(args)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// compileSchema prepares the validator used on every invocation.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
