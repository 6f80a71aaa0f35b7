package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fabworks/rtlagent/internal/config"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/runner"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// fakeFlow stands in for the docker invocation. It writes a log line so
// progress tracking has something to see, then runs its exec func.
type fakeFlow struct {
	calls int32
	exec  func(ctx context.Context, req FlowRequest) (*runner.Result, error)
}

func (f *fakeFlow) RunFlow(ctx context.Context, req FlowRequest) (*runner.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	log := filepath.Join(req.RunDir, logsDir, "1_1_yosys.log")
	_ = os.WriteFile(log, []byte("Executing synth pass\n"), 0o644)
	if f.exec != nil {
		return f.exec(ctx, req)
	}
	return &runner.Result{ExitCode: 0}, nil
}

func succeedingFlow() *fakeFlow {
	return &fakeFlow{}
}

func newTestSupervisor(t *testing.T, flow FlowRunner, mutate func(*config.SynthesisConfig)) (*Supervisor, *workspace.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.NewStore(t.TempDir(), 16<<20, logger)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	if err := ws.EnsureSession("s1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	cfg := config.Default().Synthesis
	cfg.PollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	sup := NewSupervisor(ws, flow, cfg, observability.NewMetrics(), logger)
	t.Cleanup(sup.Close)
	return sup, ws
}

func writeRTL(t *testing.T, ws *workspace.Store, name, content string) {
	t.Helper()
	p, err := ws.Path("s1", name)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteFile("s1", p, []byte(content), workspace.WriteReplace); err != nil {
		t.Fatal(err)
	}
}

func defaultParams() StartParams {
	return StartParams{
		TopModule:     "counter",
		VerilogFiles:  []string{"counter.v"},
		ClockPeriodNS: 10,
	}
}

func TestStartAndSucceed(t *testing.T) {
	sup, ws := newTestSupervisor(t, succeedingFlow(), nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.RunID != "synth_0001" {
		t.Fatalf("run id = %q", job.RunID)
	}

	status, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != StateSucceeded {
		t.Fatalf("state = %v (error %q)", status.State, status.Error)
	}
	if status.Stage != "final" {
		t.Fatalf("stage = %q", status.Stage)
	}

	// The run directory carries the recipe the container consumed.
	runDir := filepath.Join(ws.SessionDir("s1"), workspace.SynthRunsDir, job.RunID)
	configMK, err := os.ReadFile(filepath.Join(runDir, configFile))
	if err != nil {
		t.Fatalf("config.mk: %v", err)
	}
	for _, want := range []string{
		"export DESIGN_NAME = counter",
		"export PLATFORM = sky130hd",
		"export VERILOG_FILES = /workspace/inputs/counter.v",
		"export SDC_FILE = /workspace/constraints.sdc",
	} {
		if !strings.Contains(string(configMK), want) {
			t.Fatalf("config.mk missing %q:\n%s", want, configMK)
		}
	}
	sdc, err := os.ReadFile(filepath.Join(runDir, sdcFile))
	if err != nil {
		t.Fatalf("constraints.sdc: %v", err)
	}
	if !strings.Contains(string(sdc), "create_clock -period 10") {
		t.Fatalf("sdc = %s", sdc)
	}
	if _, err := os.Stat(filepath.Join(runDir, inputsDir, "counter.v")); err != nil {
		t.Fatalf("input not copied: %v", err)
	}

	meta := readRunMeta(runDir)
	if meta == nil || meta.Status != string(StateSucceeded) {
		t.Fatalf("run meta = %+v", meta)
	}

	// LATEST points at the run.
	latest, err := os.ReadFile(filepath.Join(ws.SessionDir("s1"), workspace.SynthRunsDir, latestFile))
	if err != nil || string(latest) != job.RunID {
		t.Fatalf("LATEST = %q, err %v", latest, err)
	}
}

func TestStartRejectsSecondJob(t *testing.T) {
	block := make(chan struct{})
	flow := &fakeFlow{exec: func(ctx context.Context, _ FlowRequest) (*runner.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &runner.Result{ExitCode: 0}, nil
	}}
	sup, ws := newTestSupervisor(t, flow, nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}

	_, err = sup.Start(context.Background(), "s1", defaultParams())
	if !core.IsKind(err, core.KindJobConflict) {
		t.Fatalf("expected job_conflict, got %v", err)
	}

	close(block)
	if _, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// After the first job finishes, a new one may start.
	if _, err := sup.Start(context.Background(), "s1", defaultParams()); err != nil {
		t.Fatalf("Start after finish: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	sup, _ := newTestSupervisor(t, succeedingFlow(), nil)

	cases := []struct {
		name   string
		params StartParams
	}{
		{"missing top module", StartParams{VerilogFiles: []string{"a.v"}}},
		{"missing files", StartParams{TopModule: "counter"}},
		{"bad override", StartParams{TopModule: "counter", VerilogFiles: []string{"a.v"}, Override: "force"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := sup.Start(context.Background(), "s1", tc.params); !core.IsKind(err, core.KindBadArgs) {
				t.Fatalf("expected bad_args, got %v", err)
			}
		})
	}
}

func TestStartMissingInputFails(t *testing.T) {
	sup, _ := newTestSupervisor(t, succeedingFlow(), nil)

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	status, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != StateFailed {
		t.Fatalf("state = %v", status.State)
	}
}

func TestFlowFailureIsFailed(t *testing.T) {
	flow := &fakeFlow{exec: func(context.Context, FlowRequest) (*runner.Result, error) {
		return &runner.Result{ExitCode: 2, Stderr: "make: *** [synth] Error 2"}, nil
	}}
	sup, ws := newTestSupervisor(t, flow, nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	status, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != StateFailed {
		t.Fatalf("state = %v", status.State)
	}
	if status.Error == "" {
		t.Fatal("expected error detail")
	}
}

func TestCancelKillsJob(t *testing.T) {
	flow := &fakeFlow{exec: func(ctx context.Context, _ FlowRequest) (*runner.Result, error) {
		<-ctx.Done()
		return &runner.Result{ExitCode: -1}, ctx.Err()
	}}
	sup, ws := newTestSupervisor(t, flow, nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the worker a moment to enter the flow.
	waitFor(t, func() bool { return atomic.LoadInt32(&flow.calls) == 1 })

	if err := sup.Cancel("s1", job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	status, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.State != StateCancelled {
		t.Fatalf("state = %v", status.State)
	}

	// A second cancel reports the conflict.
	if err := sup.Cancel("s1", job.ID); !core.IsKind(err, core.KindJobConflict) {
		t.Fatalf("expected job_conflict, got %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	sup, _ := newTestSupervisor(t, succeedingFlow(), nil)
	if err := sup.Cancel("s1", "job_missing"); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStuckDetectionAndRestart(t *testing.T) {
	block := make(chan struct{})
	flow := &fakeFlow{exec: func(ctx context.Context, _ FlowRequest) (*runner.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &runner.Result{ExitCode: 0}, ctx.Err()
	}}
	sup, ws := newTestSupervisor(t, flow, func(cfg *config.SynthesisConfig) {
		cfg.StuckAfter = 50 * time.Millisecond
	})
	defer close(block)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&flow.calls) == 1 })

	// No new log output past the threshold: the job reports stuck.
	waitFor(t, func() bool {
		status, err := sup.Status("s1", job.ID)
		return err == nil && status.State == StateStuck
	})

	// Plain restart is still a conflict; restart-stuck takes the slot.
	if _, err := sup.Start(context.Background(), "s1", defaultParams()); !core.IsKind(err, core.KindJobConflict) {
		t.Fatalf("expected job_conflict, got %v", err)
	}
	params := defaultParams()
	params.Override = OverrideRestartStuck
	replacement, err := sup.Start(context.Background(), "s1", params)
	if err != nil {
		t.Fatalf("restart-stuck: %v", err)
	}
	if replacement.RunID == job.RunID {
		t.Fatal("replacement reused the run directory")
	}
}

func TestMetricsFromRun(t *testing.T) {
	sup, ws := newTestSupervisor(t, succeedingFlow(), nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	runDir := filepath.Join(ws.SessionDir("s1"), workspace.SynthRunsDir, job.RunID)
	writeRunFixture(t, runDir)

	// Empty run id resolves through LATEST.
	report, err := sup.Metrics("s1", "")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if report.RunID != job.RunID {
		t.Fatalf("run id = %q", report.RunID)
	}
	if !report.Complete {
		t.Fatalf("missing = %v", report.Missing)
	}
	if report.TopModule != "counter" {
		t.Fatalf("top module = %q", report.TopModule)
	}

	if _, err := sup.Metrics("s1", "synth_9999"); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStatusRecoversFromIndex(t *testing.T) {
	sup, ws := newTestSupervisor(t, succeedingFlow(), nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// A fresh supervisor has no in-core record but finds the run index.
	fresh := NewSupervisor(ws, succeedingFlow(), config.Default().Synthesis, observability.NewMetrics(), nil)
	defer fresh.Close()

	status, err := fresh.Status("s1", job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.RunID != job.RunID || status.State != StateSucceeded {
		t.Fatalf("recovered status = %+v", status)
	}

	if _, err := fresh.Status("s1", "job_unknown"); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRunIDsAreSequential(t *testing.T) {
	sup, ws := newTestSupervisor(t, succeedingFlow(), nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	for i, want := range []string{"synth_0001", "synth_0002", "synth_0003"} {
		job, err := sup.Start(context.Background(), "s1", defaultParams())
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		if job.RunID != want {
			t.Fatalf("run id %d = %q, want %q", i, job.RunID, want)
		}
		if _, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

func TestPrune(t *testing.T) {
	sup, ws := newTestSupervisor(t, succeedingFlow(), nil)
	writeRTL(t, ws, "counter.v", "module counter; endmodule\n")

	job, err := sup.Start(context.Background(), "s1", defaultParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sup.Wait(context.Background(), "s1", job.ID, 5*time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if pruned := sup.Prune(time.Hour); pruned != 0 {
		t.Fatalf("fresh job pruned: %d", pruned)
	}
	if pruned := sup.Prune(0); pruned != 1 {
		t.Fatalf("pruned = %d", pruned)
	}
	if got := len(sup.List()); got != 0 {
		t.Fatalf("jobs left = %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
