// Package maintenance runs periodic housekeeping on a cron schedule.
//
// Two tasks exist: audit archiving (move old audit_log rows to the archive
// table, then purge archive rows past retention) and job cleanup (drop
// finished background jobs from memory). Failures are logged and never stop
// the scheduler.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// AuditStore moves and purges audit entries.
type AuditStore interface {
	ArchiveAudit(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
	PurgeAuditArchive(ctx context.Context, olderThan time.Time) (int64, error)
}

// JobCleaner drops finished jobs older than retention.
type JobCleaner interface {
	Cleanup(retention time.Duration) int
}

// Config holds schedules and retention. Zero values pick defaults.
type Config struct {
	HotRetentionDays      int    // days kept in audit_log (default: 90)
	ArchiveRetentionYears int    // years kept in the archive (default: 7)
	BatchSize             int    // rows moved per batch (default: 5000)
	ArchiveSchedule       string // cron spec (default: "0 3 * * *")
	JobRetention          time.Duration
	CleanupSchedule       string // cron spec (default: "@every 15m")
	TimeZone              string // default: UTC
	RunOnStart            bool
}

func (c *Config) applyDefaults() {
	if c.HotRetentionDays <= 0 {
		c.HotRetentionDays = 90
	}
	if c.ArchiveRetentionYears <= 0 {
		c.ArchiveRetentionYears = 7
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	if c.ArchiveSchedule == "" {
		c.ArchiveSchedule = "0 3 * * *"
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 24 * time.Hour
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "@every 15m"
	}
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron  *cron.Cron
	audit AuditStore
	jobs  JobCleaner
	cfg   Config
	now   func() time.Time

	ctx context.Context
}

// New registers the tasks whose dependency is non-nil. An invalid schedule
// or time zone is an error.
func New(audit AuditStore, jobs JobCleaner, cfg Config) (*Scheduler, error) {
	cfg.applyDefaults()

	loc := time.UTC
	if cfg.TimeZone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.TimeZone); err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", cfg.TimeZone, err)
		}
	}

	s := &Scheduler{
		cron:  cron.New(cron.WithLocation(loc)),
		audit: audit,
		jobs:  jobs,
		cfg:   cfg,
		now:   time.Now,
		ctx:   context.Background(),
	}

	if audit != nil {
		if _, err := s.cron.AddFunc(cfg.ArchiveSchedule, func() { s.runArchive(s.ctx) }); err != nil {
			return nil, fmt.Errorf("archive schedule %q: %w", cfg.ArchiveSchedule, err)
		}
	}
	if jobs != nil {
		if _, err := s.cron.AddFunc(cfg.CleanupSchedule, s.runCleanup); err != nil {
			return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
	}
	return s, nil
}

// Start runs the scheduler until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx

	slog.Info("maintenance scheduler started",
		"archive_schedule", s.cfg.ArchiveSchedule,
		"cleanup_schedule", s.cfg.CleanupSchedule,
		"hot_retention_days", s.cfg.HotRetentionDays,
		"archive_retention_years", s.cfg.ArchiveRetentionYears,
		"tasks", len(s.cron.Entries()),
	)

	if s.cfg.RunOnStart && s.audit != nil {
		s.runArchive(ctx)
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		<-s.Stop().Done()
		slog.Info("maintenance scheduler stopped")
	}()
}

// Stop stops scheduling. The returned context is done once running tasks
// have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Tasks returns the number of registered tasks.
func (s *Scheduler) Tasks() int { return len(s.cron.Entries()) }

// RunArchive archives in batches until a short batch, then purges the
// archive. It is what the archive task runs.
func (s *Scheduler) RunArchive(ctx context.Context) (archived, purged int64, err error) {
	now := s.now()
	hotCutoff := now.AddDate(0, 0, -s.cfg.HotRetentionDays)
	coldCutoff := now.AddDate(-s.cfg.ArchiveRetentionYears, 0, 0)

	for {
		if err := ctx.Err(); err != nil {
			return archived, 0, err
		}
		n, err := s.audit.ArchiveAudit(ctx, hotCutoff, s.cfg.BatchSize)
		if err != nil {
			return archived, 0, fmt.Errorf("archive audit log: %w", err)
		}
		archived += n
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}

	purged, err = s.audit.PurgeAuditArchive(ctx, coldCutoff)
	if err != nil {
		return archived, 0, fmt.Errorf("purge audit archive: %w", err)
	}
	return archived, purged, nil
}

func (s *Scheduler) runArchive(ctx context.Context) {
	start := time.Now()
	archived, purged, err := s.RunArchive(ctx)
	if err != nil {
		slog.Error("archive job failed", "error", err, "entries_archived", archived)
		return
	}
	slog.Info("archive job completed",
		"entries_archived", archived,
		"entries_purged", purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Scheduler) runCleanup() {
	if n := s.jobs.Cleanup(s.cfg.JobRetention); n > 0 {
		slog.Info("finished jobs cleaned up", "removed", n)
	}
}
