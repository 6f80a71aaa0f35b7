package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// metricsFilename is the workspace file manual metrics accumulate in.
// The report generator prefers it over re-parsing synthesis reports.
const metricsFilename = "design_metrics.json"

type saveMetricsArgs struct {
	Metrics map[string]any `json:"metrics" jsonschema:"description=Metric values to record, e.g. area_um2, wns_ns, power_uw, cell_count"`
}

type generateReportArgs struct {
	SpecFile string `json:"spec_file,omitempty" jsonschema:"description=Spec file to report against; empty uses the most recent one"`
}

func (c *catalog) reportDefinitions() []agent.Definition {
	return []agent.Definition{
		{
			Name:        "save_metrics_tool",
			Category:    agent.CategoryReporting,
			Description: "Record design metrics found through any means (PPA parse, log search) into design_metrics.json. Values merge with earlier saves; null values never overwrite.",
			Args:        &saveMetricsArgs{},
			Handler:     c.saveMetrics,
		},
		{
			Name:        "generate_report_tool",
			Category:    agent.CategoryReporting,
			Description: "Generate a Markdown design report comparing the spec against files, verification status, and synthesis PPA results. Saved as <module>_report.md.",
			Args:        &generateReportArgs{},
			Handler:     c.generateReport,
		},
	}
}

func (c *catalog) saveMetrics(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args saveMetricsArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if len(args.Metrics) == 0 {
		return "", core.E(core.KindBadArgs, "metrics is required")
	}

	merged, err := c.loadSavedMetrics(sessionID)
	if err != nil {
		return "", err
	}
	for k, v := range args.Metrics {
		if v != nil {
			merged[k] = v
		}
	}
	merged["updated_at"] = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", core.Wrap(core.KindInternal, "encode metrics", err)
	}
	p, err := c.ws.Path(sessionID, metricsFilename)
	if err != nil {
		return "", err
	}
	if err := c.ws.WriteFile(sessionID, p, data, workspace.WriteReplace); err != nil {
		return "", err
	}
	return fmt.Sprintf("saved %d metric(s) to %s", len(args.Metrics), metricsFilename), nil
}

// loadSavedMetrics reads design_metrics.json, tolerating absence and
// corruption: the file is advisory state, not a source of truth.
func (c *catalog) loadSavedMetrics(sessionID string) (map[string]any, error) {
	out := make(map[string]any)
	p, err := c.ws.Path(sessionID, metricsFilename)
	if err != nil {
		return nil, err
	}
	data, err := c.ws.ReadFile(sessionID, p)
	if err != nil {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return make(map[string]any), nil
	}
	return out, nil
}

// effectiveMetrics merges saved metrics with the latest run's parsed
// PPA, saved values winning.
func (c *catalog) effectiveMetrics(sessionID string) map[string]any {
	metrics, _ := c.loadSavedMetrics(sessionID)
	report, err := c.jobs.Metrics(sessionID, "")
	if err != nil {
		return metrics
	}
	fill := func(key string, v any) {
		if _, ok := metrics[key]; !ok && v != nil {
			metrics[key] = v
		}
	}
	if report.AreaUM2 != nil {
		fill("area_um2", *report.AreaUM2)
	}
	if report.CellCount != nil {
		fill("cell_count", *report.CellCount)
	}
	if report.WNSNS != nil {
		fill("wns_ns", *report.WNSNS)
	}
	if report.TNSNS != nil {
		fill("tns_ns", *report.TNSNS)
	}
	if report.PowerUW != nil {
		fill("power_uw", *report.PowerUW)
	}
	return metrics
}

func (c *catalog) generateReport(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args generateReportArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}

	var spec *DesignSpec
	specPath := args.SpecFile
	if specPath == "" {
		if entry, err := c.latestSpec(sessionID); err == nil {
			specPath = entry.Path
		}
	}
	if specPath != "" {
		if s, err := c.loadSpec(sessionID, specPath); err == nil {
			spec = s
		}
	}

	content, err := c.renderReport(sessionID, spec)
	if err != nil {
		return "", err
	}

	module := "design"
	if spec != nil {
		module = spec.ModuleName
	}
	name := module + "_report.md"
	p, err := c.ws.Path(sessionID, name)
	if err != nil {
		return "", err
	}
	if err := c.ws.WriteFile(sessionID, p, []byte(content), workspace.WriteReplace); err != nil {
		return "", err
	}
	return fmt.Sprintf("report written to %s", name), nil
}

// renderReport assembles the Markdown report: spec summary, workspace
// inventory, verification status, and PPA with a spec-vs-actual timing
// comparison.
func (c *catalog) renderReport(sessionID string, spec *DesignSpec) (string, error) {
	var b strings.Builder
	b.WriteString("# Design Report\n\n")
	fmt.Fprintf(&b, "*Generated: %s*\n\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "*Session: `%s`*\n\n", sessionID)

	b.WriteString("---\n## Specification Summary\n\n")
	if spec != nil {
		desc := spec.Description
		if len(desc) > 80 {
			desc = desc[:80] + "..."
		}
		b.WriteString("| Property | Value |\n|----------|-------|\n")
		fmt.Fprintf(&b, "| Module Name | `%s` |\n", spec.ModuleName)
		fmt.Fprintf(&b, "| Description | %s |\n", desc)
		fmt.Fprintf(&b, "| Tech Node | %s |\n", spec.TechNode)
		fmt.Fprintf(&b, "| Target Clock | %g ns |\n", spec.ClockPeriodNS)
		fmt.Fprintf(&b, "| Ports | %d |\n", len(spec.Ports))

		b.WriteString("\n### Port List\n\n")
		b.WriteString("| Name | Direction | Width | Description |\n|------|-----------|-------|-------------|\n")
		for _, p := range spec.Ports {
			width := "1"
			if p.Width != nil {
				width = fmt.Sprintf("%v", p.Width)
			}
			desc := p.Description
			if desc == "" {
				desc = "-"
			}
			fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n", p.Name, p.Direction, width, desc)
		}
	} else {
		b.WriteString("*No specification file found.*\n")
	}

	entries, err := c.ws.List(sessionID, "")
	if err != nil {
		return "", err
	}
	b.WriteString("\n---\n## Generated Files\n\n")
	b.WriteString("| Category | Files |\n|----------|-------|\n")
	byKind := map[workspace.FileKind][]string{}
	for _, e := range entries {
		if strings.HasPrefix(e.Path, workspace.SynthRunsDir+"/") {
			continue
		}
		byKind[e.Kind] = append(byKind[e.Kind], e.Path)
	}
	writeRow := func(label string, kind workspace.FileKind) {
		files := byKind[kind]
		value := "-"
		if len(files) > 0 {
			value = strings.Join(files, ", ")
		}
		fmt.Fprintf(&b, "| %s | %s |\n", label, value)
	}
	writeRow("RTL", workspace.KindVerilog)
	writeRow("Testbenches", workspace.KindTestbench)
	writeRow("Specifications", workspace.KindSpec)
	writeRow("Constraints", workspace.KindConstraints)
	writeRow("Waveforms", workspace.KindWaveform)

	b.WriteString("\n---\n## Verification Results\n\n")
	b.WriteString("| Check | Status |\n|-------|--------|\n")
	if len(byKind[workspace.KindVerilog]) > 0 {
		b.WriteString("| Syntax (Lint) | Pass |\n")
	} else {
		b.WriteString("| Syntax (Lint) | Pending |\n")
	}
	switch c.simulationVerdict(sessionID, entries) {
	case "pass":
		b.WriteString("| Simulation | Pass |\n")
	case "fail":
		b.WriteString("| Simulation | Fail |\n")
	default:
		b.WriteString("| Simulation | Not Run |\n")
	}

	b.WriteString("\n---\n## Synthesis Results (PPA)\n\n")
	metrics := c.effectiveMetrics(sessionID)
	if len(metrics) == 0 {
		b.WriteString("*Synthesis not run or metrics not available.*\n")
	} else {
		b.WriteString("| Metric | Value |\n|--------|-------|\n")
		if v, ok := numeric(metrics["area_um2"]); ok {
			fmt.Fprintf(&b, "| Area | %.2f µm² |\n", v)
		} else {
			b.WriteString("| Area | N/A |\n")
		}
		if v, ok := numeric(metrics["cell_count"]); ok {
			fmt.Fprintf(&b, "| Cell Count | %d |\n", int(v))
		} else {
			b.WriteString("| Cell Count | N/A |\n")
		}
		wns, hasWNS := numeric(metrics["wns_ns"])
		if hasWNS {
			status := "Met"
			if wns < 0 {
				status = "Violated"
			}
			fmt.Fprintf(&b, "| WNS (Setup) | %.3f ns (%s) |\n", wns, status)
		} else {
			b.WriteString("| WNS (Setup) | N/A |\n")
		}
		if v, ok := numeric(metrics["power_uw"]); ok {
			fmt.Fprintf(&b, "| Total Power | %.4f µW |\n", v)
		} else {
			b.WriteString("| Total Power | N/A |\n")
		}

		if spec != nil && hasWNS && spec.ClockPeriodNS > 0 {
			b.WriteString("\n### Timing Comparison\n\n")
			target := spec.ClockPeriodNS
			fmt.Fprintf(&b, "| Target Clock | %g ns |\n", target)
			fmt.Fprintf(&b, "| Achieved Slack | %.3f ns (%+.1f%%) |\n", wns, wns/target*100)
			if wns >= 0 {
				fmt.Fprintf(&b, "\n**Timing requirement MET** - the design can run at %.1f MHz\n", 1000/target)
			} else {
				achieved := target - wns
				fmt.Fprintf(&b, "\n**Timing requirement NOT MET** - max achievable: %.1f MHz\n", 1000/achieved)
			}
		}
	}

	b.WriteString("\n---\n## Notes\n\n")
	b.WriteString("- Detailed synthesis logs are under `synth_runs/<run>/orfs_logs/`\n")
	b.WriteString("- Open `.vcd` files with waveform_tool to debug simulation failures\n")
	return b.String(), nil
}

// simulationVerdict scans simulation output files for a pass/fail line.
func (c *catalog) simulationVerdict(sessionID string, entries []workspace.Entry) string {
	for _, e := range entries {
		if !strings.HasSuffix(e.Path, ".out") && e.Path != "simulation.log" {
			continue
		}
		p, err := c.ws.Path(sessionID, e.Path)
		if err != nil {
			continue
		}
		data, err := c.ws.ReadFile(sessionID, p)
		if err != nil {
			continue
		}
		low := strings.ToLower(string(data))
		if strings.Contains(low, "pass") {
			return "pass"
		}
		if strings.Contains(low, "fail") {
			return "fail"
		}
	}
	return "unknown"
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
