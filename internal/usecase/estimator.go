// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

// Usage ratio thresholds. Realtime tracking starts below the warning
// threshold so the first warning decision is never computed from
// sync-interval-old data.
const (
	RealtimeRatio = 0.70
	WarningRatio  = 0.80
	LimitRatio    = 1.0
)

const millisPerMinute = 60_000

// UsageEstimator reconciles the periodically-synced authoritative usage
// value with an in-memory buffer of not-yet-flushed foreground
// milliseconds for the single package currently being realtime-tracked.
type UsageEstimator struct {
	apps   domain.AppStore
	usage  domain.UsageStore
	stats  domain.UsageStatsSource
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	tracked  string
	bufferMs int64

	syncing atomic.Bool
}

// NewUsageEstimator creates a usage estimator.
func NewUsageEstimator(
	apps domain.AppStore,
	usage domain.UsageStore,
	stats domain.UsageStatsSource,
	logger *zap.Logger,
) *UsageEstimator {
	return &UsageEstimator{
		apps:   apps,
		usage:  usage,
		stats:  stats,
		logger: logger,
		now:    time.Now,
	}
}

// SyncFromSystem replays the platform's raw foreground/background event
// log for the current local day and writes the derived minute totals for
// every monitored package. Returns the set of packages whose persisted
// minutes changed.
//
// At most one sync runs at a time; a call overlapping a running sync is
// a no-op. An unavailable stats source yields an empty set without error.
func (e *UsageEstimator) SyncFromSystem(ctx context.Context, now time.Time, packages []string) (map[string]struct{}, error) {
	updated := make(map[string]struct{})

	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, skipping")
		return updated, nil
	}
	defer e.syncing.Store(false)

	if len(packages) == 0 {
		return updated, nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	events, err := e.stats.QueryForegroundEvents(ctx, dayStart, now)
	if err != nil {
		return updated, fmt.Errorf("failed to query foreground events: %w", err)
	}

	monitored := make(map[string]struct{}, len(packages))
	for _, pkg := range packages {
		monitored[pkg] = struct{}{}
	}

	// Pair enter-foreground with the next enter-background per package;
	// a package still in the foreground at query time counts up to now.
	totals := make(map[string]int64)
	open := make(map[string]time.Time)
	for _, ev := range events {
		if _, ok := monitored[ev.PackageName]; !ok {
			continue
		}
		switch ev.Type {
		case domain.EventEnterForeground:
			open[ev.PackageName] = ev.Timestamp
		case domain.EventEnterBackground:
			if t0, ok := open[ev.PackageName]; ok {
				totals[ev.PackageName] += ev.Timestamp.Sub(t0).Milliseconds()
				delete(open, ev.PackageName)
			}
		}
	}
	for pkg, t0 := range open {
		totals[pkg] += now.Sub(t0).Milliseconds()
	}

	day := domain.DayKey(now)
	for pkg, ms := range totals {
		minutes := int(ms / millisPerMinute)
		if minutes <= 0 {
			continue
		}
		// The store upsert is monotonic, so a total at or below the
		// persisted value changes nothing and must not be reported.
		rec, err := e.usage.GetUsageRecord(ctx, pkg, day)
		if err != nil {
			e.logger.Warn("failed to read usage before sync write",
				zap.String("package", pkg),
				zap.Error(err))
			continue
		}
		if rec != nil && minutes <= rec.UsageMinutes {
			continue
		}
		if err := e.usage.SetUsageMinutes(ctx, pkg, day, minutes); err != nil {
			e.logger.Warn("failed to write synced usage",
				zap.String("package", pkg),
				zap.Error(err))
			continue
		}
		updated[pkg] = struct{}{}
	}

	return updated, nil
}

// CurrentMinutesWithBuffer returns the persisted minutes for today plus,
// if the package is the one currently realtime-tracked, the whole-minute
// portion of the unflushed buffer.
func (e *UsageEstimator) CurrentMinutesWithBuffer(ctx context.Context, packageName string) (int, error) {
	rec, err := e.usage.GetUsageRecord(ctx, packageName, domain.DayKey(e.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to read usage record: %w", err)
	}

	minutes := 0
	if rec != nil {
		minutes = rec.UsageMinutes
	}

	e.mu.Lock()
	if e.tracked == packageName {
		minutes += int(e.bufferMs / millisPerMinute)
	}
	e.mu.Unlock()

	return minutes, nil
}

// RecordForegroundMillis accumulates foreground time into the realtime
// buffer. Whenever the buffer reaches a whole minute, that portion is
// flushed additively into the persisted record and the sub-minute
// remainder stays buffered, so many short accumulations amortize to one
// write per elapsed minute.
func (e *UsageEstimator) RecordForegroundMillis(ctx context.Context, packageName string, durationMs int64) error {
	if durationMs <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracked != packageName {
		e.logger.Debug("dropping foreground time for untracked package",
			zap.String("package", packageName),
			zap.Int64("duration_ms", durationMs))
		return nil
	}

	e.bufferMs += durationMs
	if e.bufferMs < millisPerMinute {
		return nil
	}
	return e.flushLocked(ctx, true)
}

// StartRealtimeTracking switches the buffer to the given package,
// flushing any pending time for the previously tracked one.
func (e *UsageEstimator) StartRealtimeTracking(ctx context.Context, packageName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracked == packageName {
		return
	}
	if e.tracked != "" {
		if err := e.flushLocked(ctx, false); err != nil {
			e.logger.Warn("failed to flush buffer on tracking switch", zap.Error(err))
		}
	}
	e.tracked = packageName
	e.bufferMs = 0
	e.logger.Debug("realtime tracking started", zap.String("package", packageName))
}

// StopRealtimeTracking flushes pending buffered time for the tracked
// package and clears tracking state.
func (e *UsageEstimator) StopRealtimeTracking(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracked == "" {
		return
	}
	if err := e.flushLocked(ctx, false); err != nil {
		e.logger.Warn("failed to flush buffer on tracking stop", zap.Error(err))
	}
	e.tracked = ""
	e.bufferMs = 0
}

// flushLocked writes the whole-minute portion of the buffer to storage.
// With keepRemainder the sub-minute part stays buffered; otherwise the
// buffer is cleared (the remainder is below storage granularity). The
// buffer is only consumed once the write succeeds, so a transient store
// failure retries on the next flush. Caller must hold e.mu.
func (e *UsageEstimator) flushLocked(ctx context.Context, keepRemainder bool) error {
	minutes := int(e.bufferMs / millisPerMinute)
	if minutes <= 0 {
		if !keepRemainder {
			e.bufferMs = 0
		}
		return nil
	}
	if err := e.usage.AddUsageMinutes(ctx, e.tracked, domain.DayKey(e.now()), minutes); err != nil {
		return fmt.Errorf("failed to flush usage buffer: %w", err)
	}
	if keepRemainder {
		e.bufferMs %= millisPerMinute
	} else {
		e.bufferMs = 0
	}
	return nil
}

// TrackedPackage returns the package the realtime buffer is attributed
// to, or "" when tracking is inactive.
func (e *UsageEstimator) TrackedPackage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracked
}

// CheckWarningLevel classifies today's usage ratio for a package. Apps
// without a configured limit (or an unknown package) are always
// WarningNone; thresholds are exact floating comparisons.
func (e *UsageEstimator) CheckWarningLevel(ctx context.Context, packageName string) (domain.WarningLevel, error) {
	app, err := e.apps.GetMonitoredApp(ctx, packageName)
	if err != nil {
		return domain.WarningNone, fmt.Errorf("failed to load app config: %w", err)
	}
	if app == nil || app.DailyLimitMinutes == nil || *app.DailyLimitMinutes <= 0 {
		return domain.WarningNone, nil
	}

	minutes, err := e.CurrentMinutesWithBuffer(ctx, packageName)
	if err != nil {
		return domain.WarningNone, err
	}

	ratio := float64(minutes) / float64(*app.DailyLimitMinutes)
	switch {
	case ratio >= LimitRatio:
		return domain.WarningLimitReached, nil
	case ratio >= WarningRatio:
		return domain.WarningSoftReminder, nil
	default:
		return domain.WarningNone, nil
	}
}
