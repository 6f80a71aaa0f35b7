package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/runner"
)

// passMarker is the string a testbench must print for a run to count as
// passed. A clean exit without it is a test failure, not a pass.
const passMarker = "TEST PASSED"

// stdcellRoot is the workspace cache of gate-level simulation models,
// laid out as _stdcells/<platform>/sim/*.v.
const stdcellRoot = "_stdcells"

const (
	simTailLines = 40
	simTailChars = 4000
)

// Simulation status enum. Compile and runtime failures are distinguished
// so the model knows whether to fix syntax or behavior.
const (
	SimCompileFailed = "compile_failed"
	SimFailed        = "sim_failed"
	SimTestFailed    = "test_failed"
	SimTestPassed    = "test_passed"
)

// SimulationResult is the structured payload simulation_tool returns.
type SimulationResult struct {
	Status           string   `json:"status"`
	Mode             string   `json:"mode"`
	CompileExitCode  int      `json:"compile_exit_code"`
	SimExitCode      *int     `json:"sim_exit_code"`
	PassMarkerFound  bool     `json:"pass_marker_found"`
	StdoutTail       string   `json:"stdout_tail"`
	StderrTail       string   `json:"stderr_tail"`
	LogTruncated     bool     `json:"log_truncated"`
	UnresolvedCells  []string `json:"unresolved_cells,omitempty"`
	Success          bool     `json:"success"`
	CompileCommand   string   `json:"compile_command,omitempty"`
	SimCommand       string   `json:"sim_command,omitempty"`
	FailureType      string   `json:"failure_type,omitempty"`
	FirstFailureLine string   `json:"first_failure_line,omitempty"`
}

type linterArgs struct {
	Files []string `json:"files" jsonschema:"description=Workspace-relative Verilog files to syntax-check"`
}

type simulationArgs struct {
	Files      []string `json:"files" jsonschema:"description=Workspace-relative Verilog files to compile, including the testbench"`
	TopModule  string   `json:"top_module,omitempty" jsonschema:"description=Top-level testbench module,default=tb"`
	Mode       string   `json:"mode,omitempty" jsonschema:"enum=rtl,enum=post_synth,default=rtl"`
	RunID      string   `json:"run_id,omitempty" jsonschema:"description=Synthesis run supplying the netlist in post_synth mode; empty means the latest run"`
	TimeoutSec int      `json:"timeout_sec,omitempty" jsonschema:"description=Simulation wall-clock budget in seconds,default=60"`
}

type cocotbArgs struct {
	Files     []string `json:"files" jsonschema:"description=Workspace-relative Verilog sources"`
	TopModule string   `json:"top_module" jsonschema:"description=Top-level Verilog module under test"`
	Test      string   `json:"test" jsonschema:"description=Python test module name, without .py"`
}

type sbyArgs struct {
	File string `json:"file" jsonschema:"description=Workspace-relative .sby file"`
}

func (c *catalog) verifyDefinitions() []agent.Definition {
	return []agent.Definition{
		{
			Name:        "linter_tool",
			Category:    agent.CategoryEssential,
			Description: "Syntax-check Verilog files with iverilog (null target, SystemVerilog 2012).",
			Args:        &linterArgs{},
			Timeout:     time.Minute,
			Handler:     c.lint,
		},
		{
			Name:        "simulation_tool",
			Category:    agent.CategoryEssential,
			Description: "Compile and run a Verilog testbench with iverilog/vvp. Post-synth mode simulates the synthesized netlist against cached standard-cell models. The testbench must print \"TEST PASSED\" on success.",
			Args:        &simulationArgs{},
			Handler:     c.simulate,
		},
		{
			Name:        "waveform_tool",
			Category:    agent.CategoryVerification,
			Description: "Inspect signal transitions in a VCD waveform over a time window. Use after a failing simulation to see why.",
			Args:        &waveformArgs{},
			Handler:     c.readWaveform,
		},
		{
			Name:        "cocotb_tool",
			Category:    agent.CategoryVerification,
			Description: "Run a cocotb (Python) testbench against a Verilog module using the Icarus simulator.",
			Args:        &cocotbArgs{},
			Timeout:     5 * time.Minute,
			Handler:     c.cocotb,
		},
		{
			Name:        "sby_tool",
			Category:    agent.CategoryVerification,
			Description: "Run SymbiYosys formal verification on a .sby file inside the EDA container. Reports PASS, FAIL with a counterexample trace, or ERROR.",
			Args:        &sbyArgs{},
			Timeout:     10 * time.Minute,
			Handler:     c.sby,
		},
	}
}

func (c *catalog) lint(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args linterArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if len(args.Files) == 0 {
		return "", core.E(core.KindBadArgs, "files is required")
	}
	rels, err := c.resolveAll(sessionID, args.Files)
	if err != nil {
		return "", err
	}

	res, err := c.run.Run(ctx, runner.Spec{
		Command:     "iverilog",
		Args:        append([]string{"-t", "null", "-g2012"}, rels...),
		Dir:         c.ws.SessionDir(sessionID),
		SoftTimeout: 30 * time.Second,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return "Syntax OK.", nil
	}
	return fmt.Sprintf("Syntax Error:\n%s", res.Stderr), nil
}

func (c *catalog) simulate(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args simulationArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if len(args.Files) == 0 {
		return "", core.E(core.KindBadArgs, "files is required")
	}
	if args.TopModule == "" {
		args.TopModule = "tb"
	}
	if args.Mode == "" {
		args.Mode = "rtl"
	}
	if args.Mode != "rtl" && args.Mode != "post_synth" {
		return "", core.Errorf(core.KindBadArgs, "unsupported simulation mode %q", args.Mode)
	}
	timeout := time.Duration(args.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}

	compileFiles, err := c.resolveAll(sessionID, args.Files)
	if err != nil {
		return "", err
	}

	result := &SimulationResult{Status: SimCompileFailed, Mode: args.Mode}

	if args.Mode == "post_synth" {
		extra, err := c.postSynthSources(sessionID, args.RunID, args.TopModule)
		if err != nil {
			return "", err
		}
		compileFiles = append(compileFiles, extra...)
	}

	dir := c.ws.SessionDir(sessionID)
	out := args.TopModule + ".out"

	compileArgs := append([]string{"-g2012", "-o", out}, compileFiles...)
	comp, err := c.run.Run(ctx, runner.Spec{
		Command:     "iverilog",
		Args:        compileArgs,
		Dir:         dir,
		SoftTimeout: timeout,
	})
	if err != nil {
		return "", err
	}
	result.CompileCommand = "iverilog " + strings.Join(compileArgs, " ")
	result.CompileExitCode = comp.ExitCode

	if comp.ExitCode != 0 {
		if args.Mode == "post_synth" {
			result.UnresolvedCells = extractUnresolvedCells(comp.Stderr)
		}
		result.StdoutTail, result.StderrTail, result.LogTruncated = tails(comp.Stdout, comp.Stderr)
		result.FailureType, result.FirstFailureLine = detectFailure(result.Status, comp.Stdout, comp.Stderr)
		return renderJSON(result)
	}

	sim, err := c.run.Run(ctx, runner.Spec{
		Command:     "vvp",
		Args:        []string{out},
		Dir:         dir,
		SoftTimeout: timeout,
	})
	if err != nil {
		return "", err
	}
	result.SimCommand = "vvp " + out
	result.SimExitCode = &sim.ExitCode
	result.StdoutTail, result.StderrTail, result.LogTruncated = tails(sim.Stdout, sim.Stderr)
	result.PassMarkerFound = strings.Contains(sim.Stdout, passMarker)

	switch {
	case sim.ExitCode != 0:
		result.Status = SimFailed
	case result.PassMarkerFound:
		result.Status = SimTestPassed
	default:
		result.Status = SimTestFailed
	}
	result.Success = result.Status == SimTestPassed
	if !result.Success {
		result.FailureType, result.FirstFailureLine = detectFailure(result.Status, sim.Stdout, sim.Stderr)
	}
	return renderJSON(result)
}

// postSynthSources resolves the synthesized netlist and the platform's
// cached gate-level models for post-synthesis simulation.
func (c *catalog) postSynthSources(sessionID, runID, topModule string) ([]string, error) {
	netlist, err := c.jobs.Netlist(sessionID, runID, topModule)
	if err != nil {
		return nil, err
	}
	models, err := c.stdcellModels(sessionID, c.cfg.Synthesis.Platform)
	if err != nil {
		return nil, err
	}
	return append([]string{netlist}, models...), nil
}

// stdcellModels lists the cached simulation models for the platform.
// The cache is populated out of band; the error explains where they go.
func (c *catalog) stdcellModels(sessionID, platform string) ([]string, error) {
	simDir := filepath.Join(c.ws.SessionDir(sessionID), stdcellRoot, platform, "sim")
	entries, err := os.ReadDir(simDir)
	if err != nil {
		return nil, core.Errorf(core.KindNotFound,
			"standard-cell cache missing for platform %q; place simulation models under %s/%s/sim/",
			platform, stdcellRoot, platform)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".v") || !isSimModelFile(platform, name) {
			continue
		}
		files = append(files, filepath.Join(simDir, name))
	}
	if len(files) == 0 {
		return nil, core.Errorf(core.KindNotFound,
			"no standard-cell model files found in %s/%s/sim/", stdcellRoot, platform)
	}
	sort.Strings(files)
	return files, nil
}

// isSimModelFile filters cached models to the ones Icarus can load
// without redefinition clashes.
func isSimModelFile(platform, name string) bool {
	switch platform {
	case "sky130hd":
		return strings.HasPrefix(name, "sky130_fd_sc_hd__")
	case "asap7":
		return name != "dff.v" && name != "empty.v"
	}
	return true
}

var unresolvedCellRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Unknown module type:\s*([a-zA-Z_][\w$]*)`),
	regexp.MustCompile(`(?i)module\s+([a-zA-Z_][\w$]*)\s+is\s+undefined`),
	regexp.MustCompile(`(?i)Unresolved\s+module\s+([a-zA-Z_][\w$]*)`),
}

// extractUnresolvedCells pulls missing module names out of compiler
// output so a post-synth failure names the cells the cache lacks.
func extractUnresolvedCells(stderr string) []string {
	found := make(map[string]bool)
	for _, re := range unresolvedCellRes {
		for _, m := range re.FindAllStringSubmatch(stderr, -1) {
			found[m[1]] = true
		}
	}
	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// tails bounds both output streams for the model.
func tails(stdout, stderr string) (string, string, bool) {
	so, t1 := tailText(stdout, simTailLines, simTailChars)
	se, t2 := tailText(stderr, simTailLines, simTailChars)
	return so, se, t1 || t2
}

func tailText(text string, maxLines, maxChars int) (string, bool) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}
	truncated := len(lines) > maxLines || len(text) > maxChars
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := strings.Join(lines, "\n")
	if len(out) > maxChars {
		out = out[len(out)-maxChars:]
		truncated = true
	}
	return out, truncated
}

// detectFailure classifies a failed run and picks the first relevant
// output line. Checked in order: compile, timeout, fatal, assertion,
// then generic runtime or test failure.
func detectFailure(status, stdout, stderr string) (failureType, firstLine string) {
	text := stdout + "\n" + stderr
	low := strings.ToLower(text)

	firstMatching := func(needles ...string) string {
		for _, line := range strings.Split(text, "\n") {
			l := strings.ToLower(line)
			for _, n := range needles {
				if strings.Contains(l, n) {
					return strings.TrimSpace(line)
				}
			}
		}
		return ""
	}

	switch {
	case status == SimCompileFailed:
		return "compile", firstMatching("error", "undefined", "unknown module")
	case strings.Contains(low, "timed out"):
		return "timeout", firstMatching("timed out")
	case strings.Contains(low, "$fatal"), strings.Contains(low, "fatal"):
		return "fatal", firstMatching("$fatal", "fatal")
	case strings.Contains(low, "assert"):
		return "assertion", firstMatching("assert")
	case status == SimFailed:
		return "runtime", firstMatching("error", "fail")
	case status == SimTestFailed:
		return "test_failed", firstMatching("fail", "error")
	}
	return "", ""
}

// cocotb drives cocotb-test's simulator wrapper through an inline
// Python snippet, with the session workspace on the module search path.
func (c *catalog) cocotb(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args cocotbArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	if args.TopModule == "" || args.Test == "" {
		return "", core.E(core.KindBadArgs, "top_module and test are required")
	}
	if len(args.Files) == 0 {
		return "", core.E(core.KindBadArgs, "files is required")
	}
	rels, err := c.resolveAll(sessionID, args.Files)
	if err != nil {
		return "", err
	}

	params := map[string]any{
		"verilog_sources": rels,
		"toplevel":        args.TopModule,
		"module":          args.Test,
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "encode cocotb parameters", err)
	}
	script := `import json, sys
from cocotb_test.simulator import run
p = json.loads(sys.argv[1])
run(verilog_sources=p["verilog_sources"], toplevel=p["toplevel"], module=p["module"],
    simulator="icarus", toplevel_lang="verilog", python_search=["."],
    work_dir="sim_build", timescale="1ns/1ps")
`

	dir := c.ws.SessionDir(sessionID)
	res, err := c.run.Run(ctx, runner.Spec{
		Command:     "python3",
		Args:        []string{"-c", script, string(encoded)},
		Dir:         dir,
		Env:         []string{"PYTHONPATH=" + dir},
		SoftTimeout: 4 * time.Minute,
	})
	if err != nil {
		return "", err
	}

	so, se, truncated := tails(res.Stdout, res.Stderr)
	return renderJSON(map[string]any{
		"success":       res.ExitCode == 0,
		"exit_code":     res.ExitCode,
		"stdout_tail":   so,
		"stderr_tail":   se,
		"log_truncated": truncated,
	})
}

// sby runs SymbiYosys inside the EDA container, the same image the
// synthesis flow uses, with the session workspace mounted.
func (c *catalog) sby(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args sbyArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	p, err := c.ws.Path(sessionID, args.File)
	if err != nil {
		return "", err
	}
	if _, err := c.ws.ReadFile(sessionID, p); err != nil {
		return "", err
	}

	rel := filepath.ToSlash(p.Rel())
	dir := "/workspace"
	if d := filepath.ToSlash(filepath.Dir(rel)); d != "." {
		dir = "/workspace/" + d
	}
	cmd := fmt.Sprintf("cd %s && sby -f %s", dir, filepath.Base(rel))

	res, err := c.run.Run(ctx, runner.Spec{
		Command: "docker",
		Args: []string{
			"run", "--rm",
			"-v", c.ws.SessionDir(sessionID) + ":/workspace",
			c.cfg.Synthesis.Image,
			"bash", "-c", cmd,
		},
		SoftTimeout: 8 * time.Minute,
	})
	if err != nil {
		return "", err
	}

	status := "ERROR"
	switch {
	case strings.Contains(res.Stdout, "DONE (PASS"):
		status = "PASS"
	case strings.Contains(res.Stdout, "DONE (FAIL"):
		status = "FAIL"
	case res.ExitCode == 0:
		status = "UNKNOWN"
	}

	payload := map[string]any{
		"status":    status,
		"success":   status == "PASS",
		"exit_code": res.ExitCode,
	}
	if status == "FAIL" {
		if trace := c.findCounterexample(sessionID, rel); trace != "" {
			payload["counter_example"] = trace
		}
	}
	so, se, truncated := tails(res.Stdout, res.Stderr)
	payload["stdout_tail"] = so
	payload["stderr_tail"] = se
	payload["log_truncated"] = truncated
	return renderJSON(payload)
}

// findCounterexample looks for the trace VCD sby writes next to the .sby
// file on a FAIL, under <name>/engine_*/trace.vcd.
func (c *catalog) findCounterexample(sessionID, sbyRel string) string {
	name := strings.TrimSuffix(filepath.Base(sbyRel), ".sby")
	root := filepath.Join(c.ws.SessionDir(sessionID), filepath.Dir(sbyRel), name)
	matches, _ := filepath.Glob(filepath.Join(root, "engine_*", "trace.vcd"))
	if len(matches) == 0 {
		return ""
	}
	if rel, err := filepath.Rel(c.ws.SessionDir(sessionID), matches[0]); err == nil {
		return filepath.ToSlash(rel)
	}
	return matches[0]
}

// resolveAll maps workspace-relative paths through the escape check and
// verifies each file exists.
func (c *catalog) resolveAll(sessionID string, rels []string) ([]string, error) {
	out := make([]string, 0, len(rels))
	for _, rel := range rels {
		p, err := c.ws.Path(sessionID, rel)
		if err != nil {
			return nil, err
		}
		if _, err := c.ws.ReadFile(sessionID, p); err != nil {
			return nil, err
		}
		out = append(out, p.Rel())
	}
	return out, nil
}
