// audit_retention.go implements the AuditRetentionJob background job, which prunes
// executed-query history older than audit.retention_days on a cron schedule. The
// job is a no-op when retention_days is 0, which keeps the history forever.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dbquery/dbquery/internal/config"
	"github.com/dbquery/dbquery/internal/telemetry"
)

const defaultRetentionSchedule = "@daily"

// HistoryPruner deletes history entries executed before a cutoff.
type HistoryPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob periodically removes executed-query records past the retention window.
type AuditRetentionJob struct {
	pruner        HistoryPruner
	retentionDays int
	schedule      string
	cron          *cron.Cron
	now           func() time.Time
}

// NewAuditRetentionJob creates a retention job from the audit settings.
func NewAuditRetentionJob(pruner HistoryPruner, cfg config.AuditConfig) *AuditRetentionJob {
	schedule := cfg.RetentionSchedule
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}
	return &AuditRetentionJob{
		pruner:        pruner,
		retentionDays: cfg.RetentionDays,
		schedule:      schedule,
		cron:          cron.New(),
		now:           time.Now,
	}
}

// Enabled reports whether a retention window is configured.
func (j *AuditRetentionJob) Enabled() bool {
	return j.retentionDays > 0
}

// Start registers the prune run and starts the scheduler. An invalid schedule
// is returned as an error so startup fails loudly.
func (j *AuditRetentionJob) Start(ctx context.Context) error {
	if !j.Enabled() {
		slog.Info("audit retention: disabled (audit.retention_days=0)")
		return nil
	}

	if _, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			slog.Error("audit retention: prune failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid audit retention schedule %q: %w", j.schedule, err)
	}

	j.cron.Start()
	slog.Info("audit retention started", "schedule", j.schedule, "retention_days", j.retentionDays)
	return nil
}

// Stop halts the scheduler and waits for a running prune to finish.
func (j *AuditRetentionJob) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce deletes every record older than the retention window.
func (j *AuditRetentionJob) RunOnce(ctx context.Context) (int64, error) {
	if !j.Enabled() {
		return 0, nil
	}

	cutoff := j.now().UTC().AddDate(0, 0, -j.retentionDays)
	n, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	telemetry.AuditRecordsPrunedTotal.Add(float64(n))
	if n > 0 {
		slog.Info("audit retention: pruned executed queries", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
