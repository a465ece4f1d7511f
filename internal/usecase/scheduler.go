package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

const (
	// FastSyncInterval is used while any limited app is close to its
	// budget (or has a very small one); NormalSyncInterval otherwise.
	FastSyncInterval   = 1 * time.Minute
	NormalSyncInterval = 5 * time.Minute

	// ShortLimitMinutes marks budgets small enough that the normal sync
	// granularity would overshoot them.
	ShortLimitMinutes = 10
)

// SyncScheduler periodically drives the estimator's bulk resync and
// adapts its own period to the current risk level. Subscribers receive
// the set of packages whose persisted minutes changed after each
// successful sync.
type SyncScheduler struct {
	estimator *UsageEstimator
	apps      domain.AppStore
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	interval time.Duration
	subs     []chan []string

	kick chan struct{}
}

// NewSyncScheduler creates a sync scheduler.
func NewSyncScheduler(estimator *UsageEstimator, apps domain.AppStore, logger *zap.Logger) *SyncScheduler {
	return &SyncScheduler{
		estimator: estimator,
		apps:      apps,
		logger:    logger,
		now:       time.Now,
		interval:  NormalSyncInterval,
		kick:      make(chan struct{}, 1),
	}
}

// Run computes the initial interval, then loops: sync, recompute
// interval, sleep until the next tick or an immediate-sync trigger.
// A failed sync is logged and never stops the loop. Blocks until the
// context is canceled.
func (s *SyncScheduler) Run(ctx context.Context) error {
	s.RecomputeInterval(ctx)
	s.logger.Info("sync scheduler started",
		zap.Duration("interval", s.Interval()))

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopping")
			return ctx.Err()
		case <-timer.C:
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.SyncNow(ctx)
		timer.Reset(s.Interval())
	}
}

// SyncNow runs one sync pass out of band: resync every monitored
// package, notify subscribers of the changed set, recompute the
// interval. Errors are logged, not returned, so callers in timer loops
// always reach the next tick.
func (s *SyncScheduler) SyncNow(ctx context.Context) {
	apps, err := s.apps.ListMonitoredApps(ctx)
	if err != nil {
		s.logger.Error("sync failed: cannot list monitored apps", zap.Error(err))
		return
	}

	packages := make([]string, 0, len(apps))
	for _, app := range apps {
		packages = append(packages, app.PackageName)
	}

	updated, err := s.estimator.SyncFromSystem(ctx, s.now(), packages)
	if err != nil {
		s.logger.Error("sync failed", zap.Error(err))
		return
	}

	if len(updated) > 0 {
		changed := make([]string, 0, len(updated))
		for pkg := range updated {
			changed = append(changed, pkg)
		}
		sort.Strings(changed)
		s.publish(changed)
		s.logger.Debug("sync completed", zap.Strings("updated", changed))
	}

	s.RecomputeInterval(ctx)
}

// TriggerImmediateSync requests an out-of-band sync, used when the user
// just opened a monitored app so the next decision sees fresh data. A
// trigger while one is already pending is a no-op.
func (s *SyncScheduler) TriggerImmediateSync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel delivering the changed-package set after
// every successful sync. Slow subscribers drop updates rather than
// blocking the scheduler.
func (s *SyncScheduler) Subscribe() <-chan []string {
	ch := make(chan []string, 4)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *SyncScheduler) publish(changed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- changed:
		default:
		}
	}
}

// Interval returns the current sync period.
func (s *SyncScheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// RecomputeInterval scans all enabled limited apps and switches to the
// fast interval when any has a short budget or a usage ratio at or past
// the warning threshold.
func (s *SyncScheduler) RecomputeInterval(ctx context.Context) {
	interval := NormalSyncInterval

	apps, err := s.apps.ListMonitoredApps(ctx)
	if err != nil {
		s.logger.Warn("interval recompute failed, keeping current interval", zap.Error(err))
		return
	}

	for _, app := range apps {
		if !app.Enabled || app.DailyLimitMinutes == nil || *app.DailyLimitMinutes <= 0 {
			continue
		}
		if *app.DailyLimitMinutes < ShortLimitMinutes {
			interval = FastSyncInterval
			break
		}
		minutes, err := s.estimator.CurrentMinutesWithBuffer(ctx, app.PackageName)
		if err != nil {
			s.logger.Warn("interval recompute: cannot read usage",
				zap.String("package", app.PackageName),
				zap.Error(err))
			continue
		}
		if float64(minutes)/float64(*app.DailyLimitMinutes) >= WarningRatio {
			interval = FastSyncInterval
			break
		}
	}

	s.mu.Lock()
	if interval != s.interval {
		s.logger.Info("sync interval changed",
			zap.Duration("from", s.interval),
			zap.Duration("to", interval))
		s.interval = interval
	}
	s.mu.Unlock()
}
