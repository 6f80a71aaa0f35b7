package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/jobs"
	"github.com/fabworks/rtlagent/internal/runner"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// searchMatchCap bounds search_logs_tool output.
const searchMatchCap = 50

// searchExts are the file types log search looks into.
var searchExts = []string{".log", ".rpt", ".txt", ".v", ".json", ".mk"}

type startSynthesisArgs struct {
	TopModule     string   `json:"top_module" jsonschema:"description=Module to synthesize"`
	Files         []string `json:"files" jsonschema:"description=Workspace-relative Verilog design files (no testbenches)"`
	ClockPeriodNS float64  `json:"clock_period_ns,omitempty" jsonschema:"description=Target clock period in nanoseconds,default=10"`
	SDCFile       string   `json:"sdc_file,omitempty" jsonschema:"description=Optional workspace-relative SDC file replacing the generated clock constraint"`
	Utilization   int      `json:"utilization,omitempty" jsonschema:"description=Core utilization percent (1-100); higher packs tighter"`
	AspectRatio   float64  `json:"aspect_ratio,omitempty" jsonschema:"description=Core height/width ratio; 1.0 is square"`
	CoreMargin    float64  `json:"core_margin,omitempty" jsonschema:"description=Margin around the core in microns"`
	Override      string   `json:"override,omitempty" jsonschema:"description=Set to restart-stuck to replace a stuck job,enum=restart-stuck"`
}

type jobIDArgs struct {
	JobID string `json:"job_id" jsonschema:"description=Job id returned by start_synthesis"`
}

type waitSynthesisArgs struct {
	JobID      string `json:"job_id" jsonschema:"description=Job id returned by start_synthesis"`
	MaxWaitSec int    `json:"max_wait_sec,omitempty" jsonschema:"description=Upper bound on the wait in seconds,default=300"`
}

type metricsArgs struct {
	RunID string `json:"run_id,omitempty" jsonschema:"description=Synthesis run id (synth_NNNN); empty means the latest run"`
}

type searchLogsArgs struct {
	Query string `json:"query" jsonschema:"description=Case-insensitive substring to search for"`
	RunID string `json:"run_id,omitempty" jsonschema:"description=Restrict the search to one synthesis run"`
}

type schematicArgs struct {
	File      string `json:"file" jsonschema:"description=Workspace-relative Verilog file"`
	TopModule string `json:"top_module" jsonschema:"description=Top-level module to draw"`
}

func (c *catalog) synthesisDefinitions() []agent.Definition {
	return []agent.Definition{
		{
			Name:        "start_synthesis",
			Category:    agent.CategorySynthesis,
			Description: "Start an asynchronous synthesis and place-and-route job with OpenROAD Flow Scripts. Returns immediately with a job id; poll with get_synthesis_job or block with wait_for_synthesis.",
			Args:        &startSynthesisArgs{},
			Handler:     c.startSynthesis,
		},
		{
			Name:        "get_synthesis_job",
			Category:    agent.CategorySynthesis,
			Description: "Poll a synthesis job: state, current flow stage, progress age, and a log tail.",
			Args:        &jobIDArgs{},
			Handler:     c.getSynthesisJob,
		},
		{
			Name:        "wait_for_synthesis",
			Category:    agent.CategorySynthesis,
			Description: "Block until a synthesis job reaches a terminal state or the wait budget elapses.",
			Args:        &waitSynthesisArgs{},
			Handler:     c.waitForSynthesis,
		},
		{
			Name:        "get_synthesis_metrics",
			Category:    agent.CategorySynthesis,
			Description: "Parse PPA metrics (WNS, TNS, area, cell count, power) from a finished synthesis run's reports.",
			Args:        &metricsArgs{},
			Handler:     c.getSynthesisMetrics,
		},
		{
			Name:        "search_logs_tool",
			Category:    agent.CategorySynthesis,
			Description: "Search synthesis logs, reports, and results for a keyword. Useful for finding errors, warnings, or specific metrics like \"slack\" or \"area\".",
			Args:        &searchLogsArgs{},
			Handler:     c.searchLogs,
		},
		{
			Name:        "schematic_tool",
			Category:    agent.CategorySynthesis,
			Description: "Generate an SVG schematic of a Verilog module via yosys and netlistsvg.",
			Args:        &schematicArgs{},
			Timeout:     2 * time.Minute,
			Handler:     c.schematic,
		},
	}
}

func (c *catalog) startSynthesis(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args startSynthesisArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if args.ClockPeriodNS == 0 {
		args.ClockPeriodNS = 10.0
	}

	sdc := ""
	if args.SDCFile != "" {
		p, err := c.ws.Path(sessionID, args.SDCFile)
		if err != nil {
			return "", err
		}
		data, err := c.ws.ReadFile(sessionID, p)
		if err != nil {
			return "", err
		}
		sdc = string(data)
	}

	job, err := c.jobs.Start(ctx, sessionID, jobs.StartParams{
		TopModule:     args.TopModule,
		VerilogFiles:  args.Files,
		ClockPeriodNS: args.ClockPeriodNS,
		SDC:           sdc,
		Utilization:   args.Utilization,
		AspectRatio:   args.AspectRatio,
		CoreMargin:    args.CoreMargin,
		Override:      args.Override,
	})
	if err != nil {
		return "", err
	}
	return renderJSON(map[string]any{
		"job_id": job.ID,
		"run_id": job.RunID,
		"state":  job.State,
		"note":   "synthesis runs in the background; poll with get_synthesis_job or block with wait_for_synthesis",
	})
}

func (c *catalog) getSynthesisJob(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args jobIDArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	status, err := c.jobs.Status(sessionID, args.JobID)
	if err != nil {
		return "", err
	}
	return renderJSON(status)
}

func (c *catalog) waitForSynthesis(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args waitSynthesisArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	wait := time.Duration(args.MaxWaitSec) * time.Second
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	status, err := c.jobs.Wait(ctx, sessionID, args.JobID, wait)
	if err != nil {
		return "", err
	}
	return renderJSON(status)
}

func (c *catalog) getSynthesisMetrics(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args metricsArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	report, err := c.jobs.Metrics(sessionID, args.RunID)
	if err != nil {
		return "", err
	}
	return renderJSON(report)
}

func (c *catalog) searchLogs(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args searchLogsArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", core.E(core.KindBadArgs, "query is required")
	}

	sessionDir := c.ws.SessionDir(sessionID)
	roots, err := c.searchRoots(sessionID, args.RunID)
	if err != nil {
		return "", err
	}

	query := strings.ToLower(args.Query)
	var matches []string
	searched := 0
	for _, root := range roots {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !hasSearchExt(d.Name()) {
				return nil
			}
			if len(matches) >= searchMatchCap {
				return fs.SkipAll
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			searched++
			rel, relErr := filepath.Rel(sessionDir, path)
			if relErr != nil {
				rel = path
			}
			for i, line := range strings.Split(string(data), "\n") {
				if strings.Contains(strings.ToLower(line), query) {
					matches = append(matches, fmt.Sprintf("File: %s | Line %d: %s",
						filepath.ToSlash(rel), i+1, strings.TrimSpace(line)))
					if len(matches) >= searchMatchCap {
						break
					}
				}
			}
			return nil
		})
		if walkErr != nil && len(matches) >= searchMatchCap {
			break
		}
	}

	if searched == 0 {
		return "No log files found to search.", nil
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No matches found for %q.", args.Query), nil
	}
	return strings.Join(matches, "\n"), nil
}

// searchRoots picks the directories log search walks: the run's output
// trees when a run id is given, otherwise the whole synth_runs subtree.
func (c *catalog) searchRoots(sessionID, runID string) ([]string, error) {
	if runID != "" {
		runDir, err := c.jobs.ResolveRunDir(sessionID, runID)
		if err != nil {
			return nil, err
		}
		return []string{
			filepath.Join(runDir, "orfs_reports"),
			filepath.Join(runDir, "orfs_logs"),
			filepath.Join(runDir, "orfs_results"),
		}, nil
	}
	return []string{filepath.Join(c.ws.SessionDir(sessionID), workspace.SynthRunsDir)}, nil
}

func hasSearchExt(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range searchExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// schematic renders the module to a yosys JSON netlist, then draws it
// with netlistsvg. Both binaries must be on PATH.
func (c *catalog) schematic(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args schematicArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if args.TopModule == "" {
		return "", core.E(core.KindBadArgs, "top_module is required")
	}
	rels, err := c.resolveAll(sessionID, []string{args.File})
	if err != nil {
		return "", err
	}

	dir := c.ws.SessionDir(sessionID)
	jsonName := args.TopModule + "_schematic.json"
	svgName := args.TopModule + "_schematic.svg"

	script := fmt.Sprintf("read_verilog -sv %s; hierarchy -top %s; proc; opt_clean; write_json %s",
		rels[0], args.TopModule, jsonName)
	yres, err := c.run.Run(ctx, runner.Spec{
		Command:     "yosys",
		Args:        []string{"-q", "-p", script},
		Dir:         dir,
		SoftTimeout: time.Minute,
	})
	if err != nil {
		return "", err
	}
	if yres.ExitCode != 0 {
		return "", core.Errorf(core.KindJobFailed, "yosys failed:\n%s", yres.Stderr)
	}

	nres, err := c.run.Run(ctx, runner.Spec{
		Command:     "netlistsvg",
		Args:        []string{jsonName, "-o", svgName},
		Dir:         dir,
		SoftTimeout: time.Minute,
	})
	if err != nil {
		return "", err
	}
	if nres.ExitCode != 0 {
		return "", core.Errorf(core.KindJobFailed, "netlistsvg failed:\n%s", nres.Stderr)
	}
	return fmt.Sprintf("schematic written to %s", svgName), nil
}
