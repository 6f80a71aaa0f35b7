package jobs

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fabworks/rtlagent/internal/core"
)

// Retention prunes terminal job records on a cron schedule so a
// long-lived server does not accumulate them without bound. Run
// directories stay on disk; they belong to the session workspace.
type Retention struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewRetention schedules pruning of jobs older than maxAge. Schedule
// accepts cron expressions and descriptors like "@hourly".
func NewRetention(schedule string, maxAge time.Duration, sup *Supervisor, logger *slog.Logger) (*Retention, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retention")
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if pruned := sup.Prune(maxAge); pruned > 0 {
			logger.Info("pruned finished jobs", "count", pruned, "max_age", maxAge)
		}
	})
	if err != nil {
		return nil, core.Wrap(core.KindBadArgs, "invalid retention schedule", err)
	}
	return &Retention{cron: c, logger: logger}, nil
}

// Start begins the schedule in the background.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Debug("retention schedule started")
}

// Stop halts the schedule and waits for a running prune to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
