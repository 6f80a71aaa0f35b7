package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/fabworks/rtlagent/internal/config"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/runner"
	"github.com/fabworks/rtlagent/internal/workspace"
)

const statusLogTailLines = 40

// FlowRequest describes one container invocation of the physical-design
// flow. RunDir is mounted into the container at /workspace.
type FlowRequest struct {
	RunDir      string
	HardTimeout time.Duration
}

// FlowRunner executes the flow for one run. The production implementation
// shells out to docker; tests substitute their own.
type FlowRunner interface {
	RunFlow(ctx context.Context, req FlowRequest) (*runner.Result, error)
}

// DockerFlow runs the ORFS image through the subprocess runner.
type DockerFlow struct {
	Runner *runner.Runner
	Image  string
}

func (d *DockerFlow) RunFlow(ctx context.Context, req FlowRequest) (*runner.Result, error) {
	args := []string{
		"run", "--rm",
		"-v", req.RunDir + ":/workspace",
		"-v", filepath.Join(req.RunDir, resultsDir) + ":/OpenROAD-flow-scripts/flow/results",
		"-v", filepath.Join(req.RunDir, logsDir) + ":/OpenROAD-flow-scripts/flow/logs",
		"-v", filepath.Join(req.RunDir, reportsDir) + ":/OpenROAD-flow-scripts/flow/reports",
		"-w", "/OpenROAD-flow-scripts/flow",
		d.Image,
		"bash", "-c", "make -B DESIGN_CONFIG=/workspace/config.mk",
	}
	return d.Runner.Run(ctx, runner.Spec{
		Command:     "docker",
		Args:        args,
		Dir:         req.RunDir,
		HardTimeout: req.HardTimeout,
	})
}

// liveJob is the in-process state of a running job: its cancel handle and
// the progress clock the stuck detector reads.
type liveJob struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	lastProgress time.Time
	stage        string
}

func (j *liveJob) progressed(stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastProgress = time.Now()
	if stage != "" && stage != "unknown" {
		j.stage = stage
	}
}

func (j *liveJob) snapshot() (time.Time, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastProgress, j.stage
}

// Supervisor owns synthesis jobs: one non-terminal job per session,
// background execution under a concurrency cap, progress tracking, and
// PPA extraction from finished runs.
type Supervisor struct {
	ws      *workspace.Store
	flow    FlowRunner
	cfg     config.SynthesisConfig
	metrics *observability.Metrics
	logger  *slog.Logger

	store *memoryStore
	sem   chan struct{}

	mu   sync.Mutex
	live map[string]*liveJob

	wg sync.WaitGroup
}

// NewSupervisor wires a supervisor over the workspace and flow runner.
func NewSupervisor(ws *workspace.Store, flow FlowRunner, cfg config.SynthesisConfig, metrics *observability.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Supervisor{
		ws:      ws,
		flow:    flow,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "jobs"),
		store:   newMemoryStore(),
		sem:     make(chan struct{}, maxConcurrent),
		live:    make(map[string]*liveJob),
	}
}

// Close cancels all live jobs and waits for their workers to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, lj := range s.live {
		lj.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Start validates the request, allocates the run directory, and launches
// the background worker. It returns as soon as the job is queued.
func (s *Supervisor) Start(ctx context.Context, sessionID string, params StartParams) (*Job, error) {
	if params.TopModule == "" {
		return nil, core.Errorf(core.KindBadArgs, "top_module is required")
	}
	if len(params.VerilogFiles) == 0 {
		return nil, core.Errorf(core.KindBadArgs, "at least one verilog file is required")
	}
	if params.ClockPeriodNS <= 0 {
		params.ClockPeriodNS = 10.0
	}
	switch params.Override {
	case "", OverrideRestartStuck:
	default:
		return nil, core.Errorf(core.KindBadArgs, "unknown override %q", params.Override)
	}

	// The conflict check and the insert happen under one lock so two
	// concurrent starts cannot both pass.
	s.mu.Lock()
	if existing, ok := s.store.nonTerminalFor(sessionID); ok {
		stuck := s.isStuckLocked(existing)
		if params.Override != OverrideRestartStuck || !stuck {
			s.mu.Unlock()
			return nil, core.Errorf(core.KindJobConflict,
				"session %q already has job %s in state %s", sessionID, existing.ID, existing.State)
		}
		s.logger.Info("restarting stuck job", "session_id", sessionID, "job_id", existing.ID)
		if lj := s.live[existing.ID]; lj != nil {
			lj.cancel()
		}
	}

	layout := layoutFor(s.ws.SessionDir(sessionID))
	runID, err := layout.nextRunID()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	job := &Job{
		ID:        "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		RunID:     runID,
		SessionID: sessionID,
		State:     StateQueued,
		TopModule: params.TopModule,
		Platform:  s.cfg.Platform,
		CreatedAt: time.Now().UTC(),
	}
	s.store.put(job)

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lj := &liveJob{cancel: cancel, done: make(chan struct{}), lastProgress: time.Now(), stage: "unknown"}
	s.live[job.ID] = lj
	s.mu.Unlock()

	s.metrics.RecordJobState(string(StateQueued))
	s.wg.Add(1)
	go s.runJob(jobCtx, job, lj, layout, params)

	s.logger.Info("synthesis job queued",
		"session_id", sessionID, "job_id", job.ID, "run_id", runID, "top_module", params.TopModule)
	clone := *job
	return &clone, nil
}

// Status reports the job's current state, inferred stage, progress age,
// and log tail. Unknown job ids are recovered from the on-disk index when
// possible.
func (s *Supervisor) Status(sessionID, jobID string) (*Status, error) {
	layout := layoutFor(s.ws.SessionDir(sessionID))

	job, ok := s.store.get(jobID)
	if !ok {
		return s.recoverStatus(layout, jobID)
	}

	runDir := layout.runDir(job.RunID)
	tail := logTail(runDir, statusLogTailLines)
	state := job.State
	stage := inferStage(tail, s.stages())
	var progressAge time.Duration

	s.mu.Lock()
	lj := s.live[jobID]
	s.mu.Unlock()
	if lj != nil && state == StateRunning {
		last, liveStage := lj.snapshot()
		progressAge = time.Since(last)
		if liveStage != "" && liveStage != "unknown" {
			stage = liveStage
		}
		if progressAge > s.stuckAfter() {
			state = StateStuck
		}
	}
	if state.Terminal() {
		stage = "final"
	}

	st := &Status{
		JobID:       job.ID,
		RunID:       job.RunID,
		State:       state,
		Stage:       stage,
		ProgressAge: progressAge,
		LogTail:     tail,
		Artifacts:   countArtifacts(runDir),
		Error:       job.Error,
	}
	if !job.StartedAt.IsZero() {
		end := job.FinishedAt
		if end.IsZero() {
			end = time.Now()
		}
		st.Elapsed = end.Sub(job.StartedAt)
	}
	return st, nil
}

// Wait blocks until the job reaches a terminal state or upTo elapses,
// then returns the current status either way.
func (s *Supervisor) Wait(ctx context.Context, sessionID, jobID string, upTo time.Duration) (*Status, error) {
	s.mu.Lock()
	lj := s.live[jobID]
	s.mu.Unlock()

	if lj != nil {
		if upTo <= 0 {
			upTo = s.hardTimeout()
		}
		timer := time.NewTimer(upTo)
		defer timer.Stop()
		select {
		case <-lj.done:
		case <-timer.C:
		case <-ctx.Done():
			return nil, core.Wrap(core.KindCancelled, "wait aborted", ctx.Err())
		}
	}
	return s.Status(sessionID, jobID)
}

// Cancel stops a job. The worker's subprocess tree is killed through
// context cancellation; the terminal state lands when the worker exits.
func (s *Supervisor) Cancel(sessionID, jobID string) error {
	job, ok := s.store.get(jobID)
	if !ok {
		return core.Errorf(core.KindNotFound, "job %q not found", jobID)
	}
	if job.State.Terminal() {
		return core.Errorf(core.KindJobConflict, "job %s already %s", jobID, job.State)
	}

	s.mu.Lock()
	lj := s.live[jobID]
	s.mu.Unlock()
	if lj != nil {
		lj.cancel()
	}
	s.logger.Info("synthesis job cancel requested", "session_id", sessionID, "job_id", jobID)
	return nil
}

// Metrics extracts the PPA report for a run. An empty runID means the
// latest run.
func (s *Supervisor) Metrics(sessionID, runID string) (*Report, error) {
	layout := layoutFor(s.ws.SessionDir(sessionID))
	runDir, err := layout.resolveRunDir(runID)
	if err != nil {
		return nil, err
	}
	return parsePPA(runDir), nil
}

// Netlist returns the synthesized netlist path of a run, for
// post-synthesis simulation. Empty runID means the latest run.
func (s *Supervisor) Netlist(sessionID, runID, topModule string) (string, error) {
	layout := layoutFor(s.ws.SessionDir(sessionID))
	runDir, err := layout.resolveRunDir(runID)
	if err != nil {
		return "", err
	}
	path := findNetlist(runDir, topModule)
	if path == "" {
		return "", core.Errorf(core.KindNotFound, "no synthesized netlist in run %q", filepath.Base(runDir))
	}
	return path, nil
}

// ResolveRunDir maps a run id (or "" for latest) to its directory.
func (s *Supervisor) ResolveRunDir(sessionID, runID string) (string, error) {
	return layoutFor(s.ws.SessionDir(sessionID)).resolveRunDir(runID)
}

// List returns all known jobs, oldest first.
func (s *Supervisor) List() []*Job { return s.store.list() }

// Prune drops terminal job records older than maxAge.
func (s *Supervisor) Prune(maxAge time.Duration) int {
	return s.store.prune(maxAge)
}

// recoverStatus serves a status poll for a job this process no longer
// holds, from the run directory the index remembers.
func (s *Supervisor) recoverStatus(layout runLayout, jobID string) (*Status, error) {
	runID, ok := layout.findJob(jobID)
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "job %q not found", jobID)
	}
	runDir := layout.runDir(runID)
	meta := readRunMeta(runDir)

	state := StateFailed
	errMsg := "job state lost; recovered from run index"
	if meta != nil {
		state = State(meta.Status)
		errMsg = meta.Error
		if !state.Terminal() {
			// The process that ran it is gone.
			state = StateFailed
			errMsg = "supervising process exited before the run finished"
		}
	}
	return &Status{
		JobID:     jobID,
		RunID:     runID,
		State:     state,
		Stage:     "final",
		LogTail:   logTail(runDir, statusLogTailLines),
		Artifacts: countArtifacts(runDir),
		Error:     errMsg,
	}, nil
}

func (s *Supervisor) isStuckLocked(job *Job) bool {
	lj := s.live[job.ID]
	if lj == nil || job.State != StateRunning {
		return false
	}
	last, _ := lj.snapshot()
	return time.Since(last) > s.stuckAfter()
}

// runJob is the background worker for one job.
func (s *Supervisor) runJob(ctx context.Context, job *Job, lj *liveJob, layout runLayout, params StartParams) {
	defer s.wg.Done()
	defer close(lj.done)
	defer func() {
		s.mu.Lock()
		delete(s.live, job.ID)
		s.mu.Unlock()
	}()

	// Queued until a concurrency slot frees up.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finishJob(job, layout, StateCancelled, "cancelled while queued", nil)
		return
	}
	defer func() { <-s.sem }()

	start := time.Now()
	s.store.update(job.ID, func(j *Job) {
		j.State = StateRunning
		j.StartedAt = start.UTC()
	})
	job.State = StateRunning
	job.StartedAt = start.UTC()
	lj.progressed("")
	s.metrics.JobStarted()
	s.metrics.RecordJobState(string(StateRunning))
	defer s.metrics.JobFinished()

	runDir := layout.runDir(job.RunID)
	meta := &runMeta{
		RunID:         job.RunID,
		JobID:         job.ID,
		SessionID:     job.SessionID,
		Status:        string(StateRunning),
		TopModule:     job.TopModule,
		Platform:      job.Platform,
		ClockPeriodNS: params.ClockPeriodNS,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
	}

	inputNames, err := s.prepareRun(runDir, job, params, meta)
	if err != nil {
		s.finishJob(job, layout, StateFailed, err.Error(), meta)
		return
	}
	meta.InputFiles = inputNames

	watcherDone := s.watchProgress(ctx, runDir, lj)

	result, runErr := s.flow.RunFlow(ctx, FlowRequest{
		RunDir:      runDir,
		HardTimeout: s.hardTimeout(),
	})
	close(watcherDone)

	if result != nil {
		meta.ExitCode = result.ExitCode
		meta.StdoutTail = tailString(result.Stdout, 1200)
		meta.StderrTail = tailString(result.Stderr, 1200)
	}
	meta.ElapsedSec = time.Since(start).Seconds()

	switch {
	case ctx.Err() != nil:
		s.finishJob(job, layout, StateCancelled, "cancelled", meta)
	case runErr != nil:
		s.finishJob(job, layout, StateFailed, runErr.Error(), meta)
	case result.ExitCode != 0:
		s.finishJob(job, layout, StateFailed,
			fmt.Sprintf("flow exited with status %d", result.ExitCode), meta)
	default:
		s.finishJob(job, layout, StateSucceeded, "", meta)
	}
}

// prepareRun builds the run directory: copied inputs, constraints,
// config.mk, and the initial run_meta.json.
func (s *Supervisor) prepareRun(runDir string, job *Job, params StartParams, meta *runMeta) ([]string, error) {
	if err := prepareRunDir(runDir); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(params.VerilogFiles))
	for _, rel := range params.VerilogFiles {
		p, err := s.ws.Path(job.SessionID, rel)
		if err != nil {
			return nil, err
		}
		data, err := s.ws.ReadFile(job.SessionID, p)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(rel)
		if err := os.WriteFile(filepath.Join(runDir, inputsDir, name), data, 0o644); err != nil {
			return nil, core.Wrap(core.KindPersistence, "copy input "+name, err)
		}
		names = append(names, name)
	}

	if err := writeSDC(runDir, params.SDC, params.ClockPeriodNS, "clk"); err != nil {
		return nil, err
	}
	util := params.Utilization
	if util <= 0 {
		util = s.cfg.Utilization
	}
	aspect := params.AspectRatio
	if aspect <= 0 {
		aspect = s.cfg.AspectRatio
	}
	margin := params.CoreMargin
	if margin <= 0 {
		margin = s.cfg.CoreMargin
	}
	if err := writeConfigMK(runDir, job.TopModule, s.cfg.Platform, names,
		util, aspect, margin); err != nil {
		return nil, err
	}
	return names, writeRunMeta(runDir, meta)
}

// watchProgress refreshes the job's progress clock from filesystem events
// on the logs tree, with a poll fallback for filesystems fsnotify cannot
// watch. Returns a channel the caller closes to stop the watcher.
func (s *Supervisor) watchProgress(ctx context.Context, runDir string, lj *liveJob) chan struct{} {
	stop := make(chan struct{})
	logsRoot := filepath.Join(runDir, logsDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("log watcher unavailable; polling only", "error", err)
		watcher = nil
	} else if err := watcher.Add(logsRoot); err != nil {
		s.logger.Debug("cannot watch logs directory", "dir", logsRoot, "error", err)
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	lastSeen := ""
	var lastMod time.Time
	check := func() {
		path := newestLogFile(runDir)
		if path == "" {
			return
		}
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if path != lastSeen || info.ModTime().After(lastMod) {
			lastSeen, lastMod = path, info.ModTime()
			lj.progressed(inferStageFromFile(path, s.stages(), s.metrics))
		}
	}

	go func() {
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				// New stage directories appear as the flow advances.
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = watcher.Add(ev.Name)
					}
				}
				check()
			case <-ticker.C:
				check()
			}
		}
	}()
	return stop
}

// finishJob records the terminal state in the store, the run metadata,
// and the shared index.
func (s *Supervisor) finishJob(job *Job, layout runLayout, state State, errMsg string, meta *runMeta) {
	now := time.Now().UTC()
	s.store.update(job.ID, func(j *Job) {
		j.State = state
		j.Error = errMsg
		j.FinishedAt = now
	})
	s.metrics.RecordJobState(string(state))

	if meta != nil {
		meta.Status = string(state)
		meta.Error = errMsg
		meta.FinishedAt = now.Format(time.RFC3339)
		if err := writeRunMeta(layout.runDir(job.RunID), meta); err != nil {
			s.logger.Warn("run metadata not persisted", "run_id", job.RunID, "error", err)
		}
	}
	if err := layout.appendIndex(job.RunID, job.ID, string(state)); err != nil {
		s.logger.Warn("run index not updated", "run_id", job.RunID, "error", err)
	}

	level := slog.LevelInfo
	if state == StateFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "synthesis job finished",
		"session_id", job.SessionID, "job_id", job.ID, "run_id", job.RunID,
		"state", state, "error", errMsg)
}

func (s *Supervisor) stages() []string {
	if len(s.cfg.Stages) > 0 {
		return s.cfg.Stages
	}
	return config.DefaultStages()
}

func (s *Supervisor) stuckAfter() time.Duration {
	if s.cfg.StuckAfter > 0 {
		return s.cfg.StuckAfter
	}
	return 5 * time.Minute
}

func (s *Supervisor) hardTimeout() time.Duration {
	if s.cfg.HardTimeout > 0 {
		return s.cfg.HardTimeout
	}
	return 30 * time.Minute
}

// inferStageFromFile reads the tail of one log file and infers the stage,
// recording the transition metric when the stage is recognizable.
func inferStageFromFile(path string, stages []string, metrics *observability.Metrics) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	const tailBytes = 8 << 10
	if info, err := f.Stat(); err == nil && info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	stage := inferStage(strings.Split(string(data), "\n"), stages)
	if stage != "unknown" {
		metrics.RecordJobStage(stage)
	}
	return stage
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
