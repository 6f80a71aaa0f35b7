package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// specSuffix is the workspace naming convention for design specs.
const specSuffix = "_spec.yaml"

// defaultTechNode is the process the synthesis flow targets out of the box.
const defaultTechNode = "SkyWater 130HD"

// Port is one pin of the design interface. Width is either a bit count
// or a parameter range expression such as "WIDTH-1:0"; a zero Width is
// a single-bit port.
type Port struct {
	Name        string `json:"name" yaml:"name"`
	Direction   string `json:"direction" yaml:"direction" jsonschema:"enum=input,enum=output,enum=inout"`
	Type        string `json:"type,omitempty" yaml:"type"`
	Width       any    `json:"width,omitempty" yaml:"width,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DesignSpec is the canonical design specification. It round-trips
// through the workspace YAML layout `{module_name: {fields...}}`.
type DesignSpec struct {
	ModuleName            string
	Description           string
	TechNode              string
	ClockPeriodNS         float64
	Ports                 []Port
	Parameters            map[string]any
	ModuleSignature       string
	BehavioralDescription string
	SampleIO              map[string]any
	CreatedAt             string
}

// specDoc is the inner YAML body, keyed by module name at the top level.
type specDoc struct {
	Description           string         `yaml:"description"`
	TechNode              string         `yaml:"tech_node"`
	ClockPeriod           string         `yaml:"clock_period"`
	Ports                 []Port         `yaml:"ports"`
	Parameters            map[string]any `yaml:"parameters,omitempty"`
	ModuleSignature       string         `yaml:"module_signature,omitempty"`
	BehavioralDescription string         `yaml:"behavioral_description,omitempty"`
	SampleIO              map[string]any `yaml:"sample_io,omitempty"`
	SampleUsage           map[string]any `yaml:"sample_usage,omitempty"`
	CreatedAt             string         `yaml:"created_at,omitempty"`
}

// Filename returns the workspace name the spec is saved under.
func (s *DesignSpec) Filename() string {
	return s.ModuleName + specSuffix
}

// YAML renders the spec in the canonical single-module layout.
func (s *DesignSpec) YAML() ([]byte, error) {
	ports := make([]Port, len(s.Ports))
	for i, p := range s.Ports {
		p.Width = normalizeWidth(p.Width)
		if p.Type == "" {
			p.Type = "logic"
		}
		ports[i] = p
	}
	doc := specDoc{
		Description:           s.Description,
		TechNode:              s.TechNode,
		ClockPeriod:           fmt.Sprintf("%gns", s.ClockPeriodNS),
		Ports:                 ports,
		Parameters:            s.Parameters,
		ModuleSignature:       s.ModuleSignature,
		BehavioralDescription: s.BehavioralDescription,
		SampleIO:              s.SampleIO,
		CreatedAt:             s.CreatedAt,
	}
	return yaml.Marshal(map[string]specDoc{s.ModuleName: doc})
}

// ParseSpecYAML decodes the single-module YAML layout.
func ParseSpecYAML(data []byte) (*DesignSpec, error) {
	var raw map[string]specDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, core.Wrap(core.KindBadArgs, "parse spec YAML", err)
	}
	if len(raw) == 0 {
		return nil, core.E(core.KindBadArgs, "spec file is empty")
	}
	if len(raw) > 1 {
		return nil, core.Errorf(core.KindBadArgs, "spec file must contain exactly one module, found %d", len(raw))
	}
	for name, doc := range raw {
		period, err := parseClockPeriod(doc.ClockPeriod)
		if err != nil {
			return nil, err
		}
		tech := doc.TechNode
		if tech == "" {
			tech = defaultTechNode
		}
		sample := doc.SampleIO
		if sample == nil {
			sample = doc.SampleUsage
		}
		ports := doc.Ports
		for i := range ports {
			if ports[i].Type == "" {
				ports[i].Type = "logic"
			}
			if ports[i].Direction == "" {
				ports[i].Direction = "input"
			}
			ports[i].Width = normalizeWidth(ports[i].Width)
		}
		return &DesignSpec{
			ModuleName:            name,
			Description:           doc.Description,
			TechNode:              tech,
			ClockPeriodNS:         period,
			Ports:                 ports,
			Parameters:            doc.Parameters,
			ModuleSignature:       doc.ModuleSignature,
			BehavioralDescription: doc.BehavioralDescription,
			SampleIO:              sample,
			CreatedAt:             doc.CreatedAt,
		}, nil
	}
	panic("unreachable")
}

// parseClockPeriod accepts "10ns", "1.1ns", or a bare number. An empty
// value defaults to 10 ns.
func parseClockPeriod(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 10.0, nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "ns"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, core.Errorf(core.KindBadArgs, "invalid clock_period %q", s)
	}
	return v, nil
}

// normalizeWidth maps YAML/JSON width values onto an int bit count or a
// range expression string. Widths of one bit collapse to nil.
func normalizeWidth(w any) any {
	switch v := w.(type) {
	case nil:
		return nil
	case int:
		if v > 1 {
			return v
		}
		return nil
	case int64:
		if v > 1 {
			return int(v)
		}
		return nil
	case float64:
		if n := int(v); float64(n) == v {
			if n > 1 {
				return n
			}
			return nil
		}
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return v
	default:
		return w
	}
}

// widthBrackets renders the vector range for a port declaration, empty
// for single-bit ports.
func widthBrackets(w any) string {
	switch v := w.(type) {
	case int:
		if v > 1 {
			return fmt.Sprintf("[%d:0] ", v-1)
		}
	case string:
		return fmt.Sprintf("[%s] ", v)
	}
	return ""
}

// Validate checks the spec and returns hard errors and advisory
// warnings separately. A spec with errors is not written.
func (s *DesignSpec) Validate() (errs, warnings []string) {
	if s.ModuleName == "" {
		errs = append(errs, "module name is required")
	} else if !unicode.IsLetter(rune(s.ModuleName[0])) {
		errs = append(errs, "module name must start with a letter")
	}
	if s.Description == "" {
		warnings = append(warnings, "description is empty")
	}

	if len(s.Ports) == 0 {
		errs = append(errs, "at least one port is required")
	} else {
		seen := make(map[string]bool)
		hasClock := false
		for _, p := range s.Ports {
			switch {
			case p.Name == "":
				errs = append(errs, "port name cannot be empty")
			case seen[p.Name]:
				errs = append(errs, "duplicate port name: "+p.Name)
			default:
				seen[p.Name] = true
			}
			switch p.Direction {
			case "input", "output", "inout":
			default:
				errs = append(errs, fmt.Sprintf("invalid port direction for %s: %s", p.Name, p.Direction))
			}
			if lower := strings.ToLower(p.Name); lower == "clk" || lower == "clock" {
				hasClock = true
			}
		}
		if !hasClock {
			warnings = append(warnings, "no clock port detected (expected 'clk' or 'clock')")
		}
	}

	if s.ClockPeriodNS <= 0 {
		errs = append(errs, "clock period must be positive")
	} else if s.ClockPeriodNS < 1 {
		warnings = append(warnings, fmt.Sprintf("very aggressive clock period: %gns", s.ClockPeriodNS))
	}
	return errs, warnings
}

// Signature returns the Verilog module header, either the one pinned in
// the spec or one generated from parameters and ports.
func (s *DesignSpec) Signature() string {
	if s.ModuleSignature != "" {
		return s.ModuleSignature
	}

	paramStr := ""
	if len(s.Parameters) > 0 {
		keys := make([]string, 0, len(s.Parameters))
		for k := range s.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]string, len(keys))
		for i, k := range keys {
			params[i] = fmt.Sprintf("parameter %s = %v", k, s.Parameters[k])
		}
		paramStr = fmt.Sprintf(" #(\n    %s\n)", strings.Join(params, ",\n    "))
	}

	lines := make([]string, len(s.Ports))
	for i, p := range s.Ports {
		typ := p.Type
		if typ == "" {
			typ = "logic"
		}
		lines[i] = fmt.Sprintf("    %s %s %s%s", p.Direction, typ, widthBrackets(p.Width), p.Name)
	}
	return fmt.Sprintf("module %s%s (\n%s\n);", s.ModuleName, paramStr, strings.Join(lines, ",\n"))
}

// ClockPort returns the input the clock constraint binds to.
func (s *DesignSpec) ClockPort() string {
	for _, p := range s.Ports {
		lower := strings.ToLower(p.Name)
		if p.Direction == "input" && (lower == "clk" || lower == "clock" || lower == "clk_i") {
			return p.Name
		}
	}
	return "clk"
}

// SDC generates the timing constraint for the spec's clock.
func (s *DesignSpec) SDC() string {
	return fmt.Sprintf("create_clock -period %g [get_ports %s]", s.ClockPeriodNS, s.ClockPort())
}

// Prompt renders the spec as design requirements for the model.
func (s *DesignSpec) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Design a Verilog module named `%s`.\n", s.ModuleName)
	fmt.Fprintf(&b, "\n**Description**: %s\n", s.Description)
	fmt.Fprintf(&b, "\n**Target Technology**: %s\n", s.TechNode)
	fmt.Fprintf(&b, "\n**Clock Period**: %gns\n", s.ClockPeriodNS)

	if len(s.Parameters) > 0 {
		keys := make([]string, 0, len(s.Parameters))
		for k := range s.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, s.Parameters[k])
		}
		fmt.Fprintf(&b, "\n**Parameters**: %s\n", strings.Join(parts, ", "))
	}

	b.WriteString("\n**Ports**:\n")
	for _, p := range s.Ports {
		desc := ""
		if p.Description != "" {
			desc = " - " + p.Description
		}
		fmt.Fprintf(&b, "  - `%s %s %s%s`%s\n", p.Direction, p.Type, widthBrackets(p.Width), p.Name, desc)
	}

	if s.ModuleSignature != "" {
		fmt.Fprintf(&b, "\n**Required Module Signature** (MUST match exactly):\n```verilog\n%s\n```\n", s.ModuleSignature)
	}
	if s.BehavioralDescription != "" {
		fmt.Fprintf(&b, "\n**Behavioral Requirements**:\n%s\n", s.BehavioralDescription)
	}
	if len(s.SampleIO) > 0 {
		fmt.Fprintf(&b, "\n**Sample I/O for verification**: %v\n", s.SampleIO)
	}
	return b.String()
}

// latestSpec finds the most recently modified spec file in the session
// workspace.
func (c *catalog) latestSpec(sessionID string) (*workspace.Entry, error) {
	entries, err := c.ws.List(sessionID, "")
	if err != nil {
		return nil, err
	}
	var newest *workspace.Entry
	for i := range entries {
		e := &entries[i]
		if !strings.HasSuffix(e.Path, specSuffix) && e.Path != "spec.yaml" {
			continue
		}
		if newest == nil || e.ModTime.After(newest.ModTime) {
			newest = e
		}
	}
	if newest == nil {
		return nil, core.E(core.KindNotFound, "no spec file in the workspace; create one with write_spec")
	}
	return newest, nil
}

// loadSpec reads and parses one spec file by workspace-relative path.
func (c *catalog) loadSpec(sessionID, rel string) (*DesignSpec, error) {
	p, err := c.ws.Path(sessionID, rel)
	if err != nil {
		return nil, err
	}
	data, err := c.ws.ReadFile(sessionID, p)
	if err != nil {
		return nil, err
	}
	return ParseSpecYAML(data)
}

type writeSpecArgs struct {
	ModuleName            string         `json:"module_name" jsonschema:"description=Verilog module name"`
	Description           string         `json:"description" jsonschema:"description=What the module does"`
	TechNode              string         `json:"tech_node,omitempty" jsonschema:"description=Target process,default=SkyWater 130HD"`
	ClockPeriodNS         float64        `json:"clock_period_ns,omitempty" jsonschema:"description=Target clock period in nanoseconds,default=10"`
	Ports                 []Port         `json:"ports" jsonschema:"description=Module interface ports"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	ModuleSignature       string         `json:"module_signature,omitempty" jsonschema:"description=Exact Verilog header the RTL must use"`
	BehavioralDescription string         `json:"behavioral_description,omitempty"`
	SampleIO              map[string]any `json:"sample_io,omitempty" jsonschema:"description=Example stimulus/response pairs"`
}

type loadSpecArgs struct {
	Path string `json:"path" jsonschema:"description=Workspace-relative path of the YAML file to import"`
}

func (c *catalog) specDefinitions() []agent.Definition {
	return []agent.Definition{
		{
			Name:        "write_spec",
			Category:    agent.CategoryEssential,
			Description: "Create or replace the YAML design specification. Validates ports and timing, then writes <module>_spec.yaml and <module>.sdc.",
			Args:        &writeSpecArgs{},
			Handler:     c.writeSpec,
		},
		{
			Name:        "read_spec",
			Category:    agent.CategoryEssential,
			Description: "Return the current design specification YAML.",
			Handler:     c.readSpec,
		},
		{
			Name:        "load_yaml_spec_file",
			Category:    agent.CategoryEditing,
			Description: "Import an external YAML spec file from the workspace, validate it, and save it under the canonical <module>_spec.yaml name.",
			Args:        &loadSpecArgs{},
			Handler:     c.loadYAMLSpecFile,
		},
	}
}

func (c *catalog) writeSpec(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args writeSpecArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	spec := &DesignSpec{
		ModuleName:            args.ModuleName,
		Description:           args.Description,
		TechNode:              args.TechNode,
		ClockPeriodNS:         args.ClockPeriodNS,
		Ports:                 args.Ports,
		Parameters:            args.Parameters,
		ModuleSignature:       args.ModuleSignature,
		BehavioralDescription: args.BehavioralDescription,
		SampleIO:              args.SampleIO,
		CreatedAt:             time.Now().Format(time.RFC3339),
	}
	if spec.TechNode == "" {
		spec.TechNode = defaultTechNode
	}
	if spec.ClockPeriodNS == 0 {
		spec.ClockPeriodNS = 10.0
	}
	return c.saveSpec(sessionID, spec)
}

func (c *catalog) saveSpec(sessionID string, spec *DesignSpec) (string, error) {
	errs, warnings := spec.Validate()
	if len(errs) > 0 {
		return "", core.Errorf(core.KindBadArgs, "spec validation failed: %s", strings.Join(errs, "; "))
	}

	data, err := spec.YAML()
	if err != nil {
		return "", core.Wrap(core.KindInternal, "render spec YAML", err)
	}
	p, err := c.ws.Path(sessionID, spec.Filename())
	if err != nil {
		return "", err
	}
	if err := c.ws.WriteFile(sessionID, p, data, workspace.WriteReplace); err != nil {
		return "", err
	}

	sdcName := spec.ModuleName + ".sdc"
	sp, err := c.ws.Path(sessionID, sdcName)
	if err != nil {
		return "", err
	}
	if err := c.ws.WriteFile(sessionID, sp, []byte(spec.SDC()+"\n"), workspace.WriteReplace); err != nil {
		return "", err
	}

	return renderJSON(map[string]any{
		"filename":         spec.Filename(),
		"sdc_filename":     sdcName,
		"module_signature": spec.Signature(),
		"warnings":         warnings,
	})
}

func (c *catalog) readSpec(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	entry, err := c.latestSpec(sessionID)
	if err != nil {
		return "", err
	}
	p, err := c.ws.Path(sessionID, entry.Path)
	if err != nil {
		return "", err
	}
	data, err := c.ws.ReadFile(sessionID, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *catalog) loadYAMLSpecFile(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args loadSpecArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	spec, err := c.loadSpec(sessionID, args.Path)
	if err != nil {
		return "", err
	}
	if spec.CreatedAt == "" {
		spec.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return c.saveSpec(sessionID, spec)
}
