package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 1.5, 200, 80)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 0.5, 100, 20)
	m.RecordToolExecution("linter_tool", "ok", 0.1)
	m.RecordLoopIteration("claude-sonnet-4-5")
	m.RecordTurn("done")
	m.RecordJobStage("route")
	m.RecordJobState("succeeded")
	m.JobStarted()
	m.JobStarted()
	m.JobFinished()
	m.RecordHTTPRequest("GET", "/api/health", "200", 0.002)
	m.RecordError("executor", "bad_args")

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"llm requests", testutil.ToFloat64(m.LLMRequests.WithLabelValues("anthropic", "claude-sonnet-4-5", "success")), 2},
		{"input tokens", testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "claude-sonnet-4-5", "input")), 300},
		{"output tokens", testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "claude-sonnet-4-5", "output")), 100},
		{"tool executions", testutil.ToFloat64(m.ToolExecutions.WithLabelValues("linter_tool", "ok")), 1},
		{"loop iterations", testutil.ToFloat64(m.LoopIterations.WithLabelValues("claude-sonnet-4-5")), 1},
		{"turns", testutil.ToFloat64(m.TurnsTotal.WithLabelValues("done")), 1},
		{"stage transitions", testutil.ToFloat64(m.JobStageTransitions.WithLabelValues("route")), 1},
		{"job states", testutil.ToFloat64(m.JobsByState.WithLabelValues("succeeded")), 1},
		{"jobs running", testutil.ToFloat64(m.JobsRunning), 1},
		{"http requests", testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/health", "200")), 1},
		{"errors", testutil.ToFloat64(m.Errors.WithLabelValues("executor", "bad_args")), 1},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordLLMRequest("p", "m", "success", 1, 1, 1)
	m.RecordToolExecution("t", "ok", 1)
	m.RecordLoopIteration("m")
	m.RecordTurn("done")
	m.RecordJobStage("synth")
	m.RecordJobState("failed")
	m.JobStarted()
	m.JobFinished()
	m.RecordHTTPRequest("GET", "/", "200", 0)
	m.RecordError("c", "k")
	m.ObserveBus(func() uint64 { return 0 }, func() int { return 0 })
	if m.Registry() == nil {
		t.Error("Registry() = nil, want empty registry")
	}
}

func TestObserveBusCollectors(t *testing.T) {
	m := NewMetrics()
	drops := uint64(7)
	subs := 3
	m.ObserveBus(func() uint64 { return drops }, func() int { return subs })

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]float64{}
	for _, fam := range families {
		switch fam.GetName() {
		case "rtlagent_bus_dropped_events_total":
			found[fam.GetName()] = fam.GetMetric()[0].GetCounter().GetValue()
		case "rtlagent_bus_subscribers":
			found[fam.GetName()] = fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if found["rtlagent_bus_dropped_events_total"] != 7 {
		t.Errorf("dropped events = %v, want 7", found["rtlagent_bus_dropped_events_total"])
	}
	if found["rtlagent_bus_subscribers"] != 3 {
		t.Errorf("subscribers = %v, want 3", found["rtlagent_bus_subscribers"])
	}
}
