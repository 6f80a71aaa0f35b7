package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fabworks/rtlagent/internal/core"
)

func TestSaveMetricsMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.cat.saveMetrics(ctx, "s1", args(t, saveMetricsArgs{
		Metrics: map[string]any{"area_um2": 1234.56, "wns_ns": -0.45},
	})); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cat.saveMetrics(ctx, "s1", args(t, saveMetricsArgs{
		Metrics: map[string]any{"wns_ns": 0.12, "power_uw": 354.0, "cell_count": nil},
	})); err != nil {
		t.Fatal(err)
	}

	var saved map[string]any
	if err := json.Unmarshal([]byte(f.read(t, metricsFilename)), &saved); err != nil {
		t.Fatal(err)
	}
	if saved["area_um2"] != 1234.56 {
		t.Fatalf("area lost on merge: %v", saved["area_um2"])
	}
	if saved["wns_ns"] != 0.12 {
		t.Fatalf("wns not updated: %v", saved["wns_ns"])
	}
	if saved["power_uw"] != 354.0 {
		t.Fatalf("power = %v", saved["power_uw"])
	}
	// Null values never overwrite; the key is simply absent.
	if _, ok := saved["cell_count"]; ok {
		t.Fatal("nil metric should not be recorded")
	}
	if _, ok := saved["updated_at"]; !ok {
		t.Fatal("updated_at missing")
	}
}

func TestSaveMetricsRequiresValues(t *testing.T) {
	f := newFixture(t)
	_, err := f.cat.saveMetrics(context.Background(), "s1", args(t, saveMetricsArgs{}))
	if !core.IsKind(err, core.KindBadArgs) {
		t.Fatalf("expected bad_args, got %v", err)
	}
}

func TestSaveMetricsToleratesCorruptFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, metricsFilename, "{not json")

	if _, err := f.cat.saveMetrics(context.Background(), "s1", args(t, saveMetricsArgs{
		Metrics: map[string]any{"area_um2": 10.0},
	})); err != nil {
		t.Fatal(err)
	}
	var saved map[string]any
	if err := json.Unmarshal([]byte(f.read(t, metricsFilename)), &saved); err != nil {
		t.Fatal(err)
	}
	if saved["area_um2"] != 10.0 {
		t.Fatalf("saved = %v", saved)
	}
}

func TestGenerateReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := counterSpec()
	data, err := spec.YAML()
	if err != nil {
		t.Fatal(err)
	}
	f.write(t, "counter_spec.yaml", string(data))
	f.write(t, "counter.v", "module counter; endmodule")
	f.write(t, "counter_tb.v", "module tb; endmodule")
	f.write(t, "simulation.log", "TEST PASSED")

	if _, err := f.cat.saveMetrics(ctx, "s1", args(t, saveMetricsArgs{
		Metrics: map[string]any{"area_um2": 1234.56, "wns_ns": 0.25, "power_uw": 354.0, "cell_count": 814},
	})); err != nil {
		t.Fatal(err)
	}

	out, err := f.cat.generateReport(ctx, "s1", args(t, generateReportArgs{}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "counter_report.md") {
		t.Fatalf("out = %q", out)
	}

	report := f.read(t, "counter_report.md")
	for _, want := range []string{
		"# Design Report",
		"| Module Name | `counter` |",
		"| Target Clock | 10 ns |",
		"| `count` | output | 4 |",
		"counter.v",
		"counter_tb.v",
		"| Simulation | Pass |",
		"| Area | 1234.56 µm² |",
		"| WNS (Setup) | 0.250 ns (Met) |",
		"| Cell Count | 814 |",
		"Timing requirement MET",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestGenerateReportWithoutSpec(t *testing.T) {
	f := newFixture(t)
	out, err := f.cat.generateReport(context.Background(), "s1", args(t, generateReportArgs{}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "design_report.md") {
		t.Fatalf("out = %q", out)
	}
	report := f.read(t, "design_report.md")
	if !strings.Contains(report, "No specification file found") {
		t.Fatalf("report:\n%s", report)
	}
	if !strings.Contains(report, "Synthesis not run or metrics not available") {
		t.Fatalf("report:\n%s", report)
	}
}

func TestGenerateReportTimingViolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := counterSpec()
	data, _ := spec.YAML()
	f.write(t, "counter_spec.yaml", string(data))
	if _, err := f.cat.saveMetrics(ctx, "s1", args(t, saveMetricsArgs{
		Metrics: map[string]any{"wns_ns": -1.5},
	})); err != nil {
		t.Fatal(err)
	}

	if _, err := f.cat.generateReport(ctx, "s1", args(t, generateReportArgs{})); err != nil {
		t.Fatal(err)
	}
	report := f.read(t, "counter_report.md")
	if !strings.Contains(report, "Timing requirement NOT MET") {
		t.Fatalf("report:\n%s", report)
	}
	if !strings.Contains(report, "(Violated)") {
		t.Fatalf("report:\n%s", report)
	}
}
