// Package jobs supervises physical-design runs. A synthesis job takes
// minutes, so the supervisor runs the container flow in the background,
// tracks progress from its log output, and answers status polls without
// ever blocking the agent loop.
package jobs

import (
	"time"
)

// State is the lifecycle state of a synthesis job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateStuck     State = "stuck"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Stuck is not terminal: the
// job is still running, just not making progress.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is the persisted record of one synthesis job.
type Job struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	State      State     `json:"state"`
	TopModule  string    `json:"top_module"`
	Platform   string    `json:"platform"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// StartParams describes one synthesis request. VerilogFiles are
// workspace-relative paths; SDC, when set, replaces the generated
// fallback constraints.
type StartParams struct {
	TopModule     string
	VerilogFiles  []string
	ClockPeriodNS float64
	SDC           string

	// Floorplan knobs. Zero values fall back to the configured defaults.
	Utilization int
	AspectRatio float64
	CoreMargin  float64

	// Override relaxes the one-job-per-session rule. The only accepted
	// value is "restart-stuck": cancel a stuck job and take its place.
	Override string
}

// OverrideRestartStuck cancels a stuck job in favor of a new one.
const OverrideRestartStuck = "restart-stuck"

// Status is a point-in-time view of a job, assembled from the record and
// the run directory on disk.
type Status struct {
	JobID       string         `json:"job_id"`
	RunID       string         `json:"run_id"`
	State       State          `json:"state"`
	Stage       string         `json:"stage"`
	ProgressAge time.Duration  `json:"progress_age"`
	Elapsed     time.Duration  `json:"elapsed"`
	LogTail     []string       `json:"log_tail"`
	Artifacts   map[string]int `json:"artifacts"`
	Error       string         `json:"error,omitempty"`
}
