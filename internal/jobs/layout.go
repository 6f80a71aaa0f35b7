package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// On-disk layout of one synthesis run, rooted under the session
// workspace:
//
//	synth_runs/
//	  index.json          all runs and jobs, newest entries last
//	  LATEST              run id of the most recent run
//	  synth_0001/
//	    run_meta.json     the run's persistent record
//	    config.mk         ORFS design config
//	    constraints.sdc
//	    inputs/           copied RTL sources
//	    orfs_results/     container results mount
//	    orfs_logs/        container logs mount
//	    orfs_reports/     container reports mount
const (
	indexFile   = "index.json"
	latestFile  = "LATEST"
	runMetaFile = "run_meta.json"
	configFile  = "config.mk"
	sdcFile     = "constraints.sdc"

	inputsDir  = "inputs"
	resultsDir = "orfs_results"
	logsDir    = "orfs_logs"
	reportsDir = "orfs_reports"
)

var runIDPattern = regexp.MustCompile(`^synth_(\d{4})$`)

// runMeta is the persistent record inside a run directory. It is what
// survives a process restart.
type runMeta struct {
	RunID         string   `json:"run_id"`
	JobID         string   `json:"job_id"`
	SessionID     string   `json:"session_id"`
	Status        string   `json:"status"`
	TopModule     string   `json:"top_module"`
	Platform      string   `json:"platform"`
	InputFiles    []string `json:"input_files"`
	ClockPeriodNS float64  `json:"clock_period_ns"`
	CreatedAt     string   `json:"created_at"`
	FinishedAt    string   `json:"finished_at,omitempty"`
	ElapsedSec    float64  `json:"elapsed_sec,omitempty"`
	ExitCode      int      `json:"exit_code"`
	Error         string   `json:"error,omitempty"`
	StdoutTail    string   `json:"stdout_tail,omitempty"`
	StderrTail    string   `json:"stderr_tail,omitempty"`
}

type indexEntry struct {
	RunID     string `json:"run_id"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

type runIndex struct {
	Runs []indexEntry `json:"runs"`
	Jobs []indexEntry `json:"jobs"`
}

// runLayout resolves paths within one session's runs tree.
type runLayout struct {
	root string // <workspace>/synth_runs
}

func layoutFor(sessionDir string) runLayout {
	return runLayout{root: filepath.Join(sessionDir, workspace.SynthRunsDir)}
}

func (l runLayout) runDir(runID string) string { return filepath.Join(l.root, runID) }
func (l runLayout) indexPath() string          { return filepath.Join(l.root, indexFile) }
func (l runLayout) latestPath() string         { return filepath.Join(l.root, latestFile) }

// nextRunID scans existing run directories and allocates the next
// sequential id.
func (l runLayout) nextRunID() (string, error) {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return "", core.Wrap(core.KindInternal, "create runs directory", err)
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "scan runs directory", err)
	}
	max := 0
	for _, e := range entries {
		m := runIDPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("synth_%04d", max+1), nil
}

// resolveRunDir maps a run id to its directory; an empty id means the run
// recorded in LATEST.
func (l runLayout) resolveRunDir(runID string) (string, error) {
	if runID == "" {
		data, err := os.ReadFile(l.latestPath())
		if err != nil {
			return "", core.Errorf(core.KindNotFound, "no synthesis run found")
		}
		runID = strings.TrimSpace(string(data))
	}
	dir := l.runDir(runID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", core.Errorf(core.KindNotFound, "synthesis run %q not found", runID)
	}
	return dir, nil
}

func writeRunMeta(runDir string, meta *runMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return core.Wrap(core.KindInternal, "encode run metadata", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, runMetaFile), data, 0o644); err != nil {
		return core.Wrap(core.KindPersistence, "write run metadata", err)
	}
	return nil
}

// readRunMeta tolerates a missing or corrupt file: recovery degrades to
// whatever the index still knows.
func readRunMeta(runDir string) *runMeta {
	data, err := os.ReadFile(filepath.Join(runDir, runMetaFile))
	if err != nil {
		return nil
	}
	var meta runMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

func (l runLayout) loadIndex() *runIndex {
	idx := &runIndex{}
	data, err := os.ReadFile(l.indexPath())
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return &runIndex{}
	}
	return idx
}

// appendIndex upserts the run and job entries and points LATEST at the
// run.
func (l runLayout) appendIndex(runID, jobID, status string) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return core.Wrap(core.KindInternal, "create runs directory", err)
	}
	idx := l.loadIndex()
	now := time.Now().UTC().Format(time.RFC3339)

	idx.Runs = removeEntry(idx.Runs, func(e indexEntry) bool { return e.RunID == runID })
	idx.Jobs = removeEntry(idx.Jobs, func(e indexEntry) bool { return e.JobID == jobID })
	idx.Runs = append(idx.Runs, indexEntry{RunID: runID, Status: status, UpdatedAt: now})
	idx.Jobs = append(idx.Jobs, indexEntry{RunID: runID, JobID: jobID, Status: status, UpdatedAt: now})

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return core.Wrap(core.KindInternal, "encode run index", err)
	}
	if err := os.WriteFile(l.indexPath(), data, 0o644); err != nil {
		return core.Wrap(core.KindPersistence, "write run index", err)
	}
	if err := os.WriteFile(l.latestPath(), []byte(runID), 0o644); err != nil {
		return core.Wrap(core.KindPersistence, "write LATEST", err)
	}
	return nil
}

// findJob returns the run id recorded for a job id, for recovery after a
// restart.
func (l runLayout) findJob(jobID string) (string, bool) {
	for _, e := range l.loadIndex().Jobs {
		if e.JobID == jobID {
			return e.RunID, e.RunID != ""
		}
	}
	return "", false
}

func removeEntry(entries []indexEntry, match func(indexEntry) bool) []indexEntry {
	out := entries[:0]
	for _, e := range entries {
		if !match(e) {
			out = append(out, e)
		}
	}
	return out
}

// writeConfigMK emits the ORFS design config. Paths are as seen inside
// the container, where the run directory is mounted at /workspace.
func writeConfigMK(runDir, topModule, platform string, inputNames []string, utilization int, aspectRatio, coreMargin float64) error {
	files := make([]string, 0, len(inputNames))
	for _, name := range inputNames {
		files = append(files, "/workspace/"+inputsDir+"/"+name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "export DESIGN_NAME = %s\n", topModule)
	fmt.Fprintf(&b, "export PLATFORM = %s\n", platform)
	fmt.Fprintf(&b, "export VERILOG_FILES = %s\n", strings.Join(files, " "))
	fmt.Fprintf(&b, "export SDC_FILE = /workspace/%s\n", sdcFile)
	fmt.Fprintf(&b, "export CORE_UTILIZATION = %d\n", utilization)
	fmt.Fprintf(&b, "export CORE_ASPECT_RATIO = %g\n", aspectRatio)
	fmt.Fprintf(&b, "export CORE_MARGIN = %g\n", coreMargin)
	if err := os.WriteFile(filepath.Join(runDir, configFile), []byte(b.String()), 0o644); err != nil {
		return core.Wrap(core.KindPersistence, "write config.mk", err)
	}
	return nil
}

// writeSDC writes the run's constraints. An explicit SDC wins; otherwise a
// guarded default clock is generated so a missing port does not hard-fail
// the flow scripts.
func writeSDC(runDir, explicit string, clockPeriodNS float64, clockPort string) error {
	content := explicit
	if content == "" {
		if clockPort == "" {
			clockPort = "clk"
		}
		content = fmt.Sprintf(
			"set _sc_clk_ports [get_ports {%s}]\n"+
				"if {[llength $_sc_clk_ports] > 0} {\n"+
				"  create_clock -period %g $_sc_clk_ports\n"+
				"}\n",
			clockPort, clockPeriodNS)
	}
	if err := os.WriteFile(filepath.Join(runDir, sdcFile), []byte(content), 0o644); err != nil {
		return core.Wrap(core.KindPersistence, "write constraints.sdc", err)
	}
	return nil
}

// prepareRunDir creates the run directory skeleton.
func prepareRunDir(runDir string) error {
	for _, sub := range []string{"", inputsDir, resultsDir, logsDir, reportsDir} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return core.Wrap(core.KindInternal, "create run directory", err)
		}
	}
	return nil
}

// newestLogFile returns the most recently modified log or report file
// under the run's logs tree, or "" when there is none.
func newestLogFile(runDir string) string {
	type candidate struct {
		path  string
		mtime time.Time
	}
	var found []candidate
	root := filepath.Join(runDir, logsDir)
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !hasLogExt(d.Name()) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			found = append(found, candidate{path: path, mtime: info.ModTime()})
		}
		return nil
	})
	if len(found) == 0 {
		return ""
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime.After(found[j].mtime) })
	return found[0].path
}

func hasLogExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log", ".rpt", ".txt":
		return true
	}
	return false
}
