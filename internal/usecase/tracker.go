package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

// osCriticalPackages never become the current foreground app; switching
// to one of them is treated as switching to "no app".
var osCriticalPackages = map[string]struct{}{
	"android":                                {},
	"com.android.systemui":                   {},
	"com.android.launcher":                   {},
	"com.android.launcher3":                  {},
	"com.google.android.apps.nexuslauncher":  {},
	"com.android.phone":                      {},
	"com.android.settings":                   {},
	"com.google.android.inputmethod.latin":   {},
	"com.android.incallui":                   {},
}

// ForegroundTracker converts the raw foreground-change stream into
// dwell-time attribution for the previous app and realtime-tracking
// start/stop decisions for the new one.
type ForegroundTracker struct {
	estimator   *UsageEstimator
	apps        domain.AppStore
	selfPackage string
	logger      *zap.Logger
	now         func() time.Time

	currentApp string
	startedAt  time.Time
}

// NewForegroundTracker creates a tracker. selfPackage is this tool's own
// package name, which is ignored like the OS-critical set.
func NewForegroundTracker(
	estimator *UsageEstimator,
	apps domain.AppStore,
	selfPackage string,
	logger *zap.Logger,
) *ForegroundTracker {
	return &ForegroundTracker{
		estimator:   estimator,
		apps:        apps,
		selfPackage: selfPackage,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleForegroundChange processes one foreground-change notification.
//
// A re-notification for the app already in the foreground keeps the
// dwell timer intact; downstream warning re-evaluation still runs so a
// cooldown that expired mid-session is caught. A true switch attributes
// the previous app's elapsed time (when it was realtime-tracked), stops
// tracking unconditionally, then re-evaluates realtime activation for
// the new app.
func (t *ForegroundTracker) HandleForegroundChange(ctx context.Context, packageName string, ts time.Time) error {
	if packageName == t.selfPackage || isOSCritical(packageName) {
		t.clearTracking(ctx, ts)
		return nil
	}

	if packageName == t.currentApp {
		return nil
	}

	if t.currentApp != "" && t.estimator.TrackedPackage() == t.currentApp {
		elapsed := ts.Sub(t.startedAt).Milliseconds()
		if err := t.estimator.RecordForegroundMillis(ctx, t.currentApp, elapsed); err != nil {
			t.logger.Warn("failed to attribute foreground time",
				zap.String("package", t.currentApp),
				zap.Error(err))
		}
	}
	t.estimator.StopRealtimeTracking(ctx)

	t.currentApp = packageName
	t.startedAt = ts

	return t.maybeStartRealtimeTracking(ctx, packageName)
}

// Flush attributes the current app's dwell time up to now and stops
// realtime tracking, pushing any buffered minutes to the usage store.
// Called on daemon shutdown so the final partial session is not lost.
func (t *ForegroundTracker) Flush(ctx context.Context) {
	t.clearTracking(ctx, t.now())
}

// clearTracking attributes any pending time and resets state, as if the
// user switched to "no app".
func (t *ForegroundTracker) clearTracking(ctx context.Context, ts time.Time) {
	if t.currentApp != "" && t.estimator.TrackedPackage() == t.currentApp {
		elapsed := ts.Sub(t.startedAt).Milliseconds()
		if err := t.estimator.RecordForegroundMillis(ctx, t.currentApp, elapsed); err != nil {
			t.logger.Warn("failed to attribute foreground time",
				zap.String("package", t.currentApp),
				zap.Error(err))
		}
	}
	t.estimator.StopRealtimeTracking(ctx)
	t.currentApp = ""
	t.startedAt = time.Time{}
}

// maybeStartRealtimeTracking starts buffering for the package when its
// usage ratio has reached the activation threshold. The threshold sits
// below the warning threshold so buffering begins before the first
// warning decision is computed.
func (t *ForegroundTracker) maybeStartRealtimeTracking(ctx context.Context, packageName string) error {
	app, err := t.apps.GetMonitoredApp(ctx, packageName)
	if err != nil {
		return fmt.Errorf("failed to load app config: %w", err)
	}
	if app == nil || !app.Enabled || app.DailyLimitMinutes == nil || *app.DailyLimitMinutes <= 0 {
		return nil
	}

	minutes, err := t.estimator.CurrentMinutesWithBuffer(ctx, packageName)
	if err != nil {
		return err
	}

	ratio := float64(minutes) / float64(*app.DailyLimitMinutes)
	if ratio >= RealtimeRatio {
		t.estimator.StartRealtimeTracking(ctx, packageName)
	}
	return nil
}

// CurrentApp returns the current foreground app and when it came to the
// foreground. Empty package means no tracked app is frontmost.
func (t *ForegroundTracker) CurrentApp() (string, time.Time) {
	return t.currentApp, t.startedAt
}

func isOSCritical(packageName string) bool {
	_, ok := osCriticalPackages[packageName]
	return ok
}
