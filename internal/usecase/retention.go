package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

// RetentionPolicy bounds on-disk history growth. Usage records get their
// own horizon; without one the table grows with monitored apps times
// days forever.
type RetentionPolicy struct {
	InterventionDays int
	UsageDays        int
}

// DefaultRetentionPolicy keeps intervention history for 90 days and
// usage records for 180.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		InterventionDays: 90,
		UsageDays:        180,
	}
}

// RetentionJob purges intervention and usage history past the policy
// horizons. Safe to run repeatedly; out-of-range purges are no-ops.
type RetentionJob struct {
	usage         domain.UsageStore
	interventions domain.InterventionStore
	policy        RetentionPolicy
	logger        *zap.Logger
	now           func() time.Time
}

// NewRetentionJob creates a retention job.
func NewRetentionJob(
	usage domain.UsageStore,
	interventions domain.InterventionStore,
	policy RetentionPolicy,
	logger *zap.Logger,
) *RetentionJob {
	return &RetentionJob{
		usage:         usage,
		interventions: interventions,
		policy:        policy,
		logger:        logger,
		now:           time.Now,
	}
}

// Run executes one purge pass.
func (j *RetentionJob) Run(ctx context.Context) error {
	now := j.now()

	cutoff := now.AddDate(0, 0, -j.policy.InterventionDays)
	purged, err := j.interventions.PurgeInterventionsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		j.logger.Info("purged old intervention records", zap.Int64("count", purged))
	}

	usageCutoff := domain.DayKey(now.AddDate(0, 0, -j.policy.UsageDays))
	purged, err = j.usage.PurgeUsageBefore(ctx, usageCutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		j.logger.Info("purged old usage records", zap.Int64("count", purged))
	}

	return nil
}
