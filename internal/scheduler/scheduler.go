// Package scheduler runs periodic maintenance sweeps: expiring stale
// multipart upload sessions, purging expired shares, and pruning dead
// admin tokens. Every run is recorded in the scheduled_jobs tables.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloudpaste/cloudpaste/internal/database"
)

// job is one registered sweep. run returns the number of rows touched.
type job struct {
	id       string
	name     string
	cronExpr string
	run      func() (int64, error)
}

// Scheduler owns the cron runner and the sweep definitions.
type Scheduler struct {
	cron   *cron.Cron
	db     *database.DB
	jobs   []job
	logger *slog.Logger
}

// New builds a scheduler with the standard maintenance sweeps.
func New(db *database.DB, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		db:     db,
		logger: logger.With("component", "scheduler"),
	}
	s.jobs = []job{
		{
			id:       "upload-session-sweep",
			name:     "Expire stale multipart upload sessions",
			cronExpr: "*/15 * * * *",
			run:      db.Uploads.ExpireStale,
		},
		{
			id:       "share-expiry-sweep",
			name:     "Delete expired paste and file shares",
			cronExpr: "5 * * * *",
			run:      db.Shares.DeleteExpiredShares,
		},
		{
			id:       "admin-token-sweep",
			name:     "Prune expired admin tokens",
			cronExpr: "35 * * * *",
			run:      db.Auth.PruneExpiredTokens,
		},
	}
	return s
}

// Start registers the sweeps and begins the cron loop.
func (s *Scheduler) Start() error {
	for _, j := range s.jobs {
		if err := s.db.Jobs.Register(&database.ScheduledJob{
			ID:       j.id,
			Name:     j.name,
			CronExpr: j.cronExpr,
			IsActive: true,
		}); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.id, err)
		}
		j := j
		if _, err := s.cron.AddFunc(j.cronExpr, func() { s.runJob(j) }); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", j.id, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the cron loop and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// RunNow executes one sweep immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	for _, j := range s.jobs {
		if j.id == id {
			s.runJob(j)
			return nil
		}
	}
	return fmt.Errorf("unknown scheduled job %q", id)
}

func (s *Scheduler) runJob(j job) {
	started := time.Now()
	rows, err := j.run()
	finished := time.Now()

	status := "success"
	var detail *string
	if err != nil {
		status = "error"
		msg := err.Error()
		detail = &msg
		s.logger.Error("scheduled job failed", "job", j.id, "err", err)
	} else {
		msg := fmt.Sprintf("%d rows affected", rows)
		detail = &msg
		s.logger.Debug("scheduled job completed", "job", j.id, "rows", rows,
			"duration", finished.Sub(started))
	}

	if err := s.db.Jobs.RecordRun(j.id, status, detail, started, finished); err != nil {
		s.logger.Error("failed to record job run", "job", j.id, "err", err)
	}
}
