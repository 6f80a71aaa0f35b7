// Package runner executes external EDA tools with bounded output capture
// and a two-phase timeout: a soft deadline that asks the process group to
// stop, and a hard deadline that kills it outright.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fabworks/rtlagent/internal/core"
)

const (
	// DefaultMaxCapture bounds each captured stream.
	DefaultMaxCapture = 2 << 20

	// DefaultGrace separates the TERM request from the KILL when only a
	// soft timeout is configured.
	DefaultGrace = 15 * time.Second
)

// Spec describes a single subprocess invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Stdin   io.Reader

	// SoftTimeout sends SIGTERM to the process group when it elapses.
	// Zero means no soft deadline.
	SoftTimeout time.Duration

	// HardTimeout kills the process group outright. Zero derives
	// SoftTimeout+DefaultGrace when a soft deadline is set.
	HardTimeout time.Duration

	// MaxCapture bounds each of stdout and stderr in bytes. Zero means
	// DefaultMaxCapture.
	MaxCapture int
}

// Result is the captured outcome of a run. A nonzero exit status is a
// result, not an error: Run returns errors only for invalid or missing
// executables, hard-timeout kills, and context cancellation. On those
// errors the Result still carries whatever output was captured.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Elapsed   time.Duration
	SoftKill  bool
	Truncated bool
}

// Runner runs subprocesses for tool handlers and the synthesis supervisor.
type Runner struct {
	logger *slog.Logger
}

// New returns a Runner logging through logger.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With("component", "runner")}
}

// Run starts the process described by spec and waits for it to exit.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	name, err := SanitizeExecutable(spec.Command)
	if err != nil {
		return nil, core.Wrap(core.KindBadArgs, "invalid executable", err)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, core.Errorf(core.KindToolMissing, "%q not found in PATH", name)
	}

	maxCapture := spec.MaxCapture
	if maxCapture <= 0 {
		maxCapture = DefaultMaxCapture
	}
	stdout := newCapBuffer(maxCapture)
	stderr := newCapBuffer(maxCapture)

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.Wrap(core.KindInternal, "start "+name, err)
	}
	pid := cmd.Process.Pid

	var softFired, hardFired atomic.Bool

	hard := spec.HardTimeout
	if hard == 0 && spec.SoftTimeout > 0 {
		hard = spec.SoftTimeout + DefaultGrace
	}

	var timers []*time.Timer
	if spec.SoftTimeout > 0 && (hard == 0 || spec.SoftTimeout < hard) {
		timers = append(timers, time.AfterFunc(spec.SoftTimeout, func() {
			softFired.Store(true)
			r.logger.Warn("soft timeout, terminating process group",
				"command", name, "pid", pid, "timeout", spec.SoftTimeout)
			killTree(pid, syscall.SIGTERM)
		}))
	}
	if hard > 0 {
		timers = append(timers, time.AfterFunc(hard, func() {
			hardFired.Store(true)
			killTree(pid, syscall.SIGKILL)
		}))
	}

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killTree(pid, syscall.SIGKILL)
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	for _, t := range timers {
		t.Stop()
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Elapsed:   time.Since(start),
		SoftKill:  softFired.Load(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, core.Wrap(core.KindCancelled, name+" cancelled", ctx.Err())
	case hardFired.Load():
		res.ExitCode = -1
		return res, core.Errorf(core.KindTimeout, "%s exceeded hard timeout %s", name, hard)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Debug("process exited nonzero",
				"command", name, "exit_code", res.ExitCode, "elapsed", res.Elapsed)
			return res, nil
		}
		return res, core.Wrap(core.KindInternal, "wait "+name, waitErr)
	}
	return res, nil
}
