package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNoPresenter is returned by a Presenter when no UI client is
// available to render an intervention. The core treats this as "nothing
// shown this cycle".
var ErrNoPresenter = errors.New("no presentation client connected")

// ErrPresentationBusy is returned while an earlier intervention is still
// waiting for its user choice.
var ErrPresentationBusy = errors.New("an intervention is already being presented")

// AppStore provides access to per-app monitoring configuration.
type AppStore interface {
	// GetMonitoredApp returns the config for a package, or nil if the
	// package is not monitored.
	GetMonitoredApp(ctx context.Context, packageName string) (*MonitoredApp, error)

	// ListMonitoredApps returns all monitored apps.
	ListMonitoredApps(ctx context.Context) ([]MonitoredApp, error)

	// UpsertMonitoredApp creates or replaces an app's configuration.
	UpsertMonitoredApp(ctx context.Context, app MonitoredApp) error

	// DeleteMonitoredApp removes an app from monitoring.
	DeleteMonitoredApp(ctx context.Context, packageName string) error
}

// UsageStore persists per-app per-day usage minutes.
type UsageStore interface {
	// GetUsageRecord returns the record for (package, date), or nil if
	// no usage has been recorded yet.
	GetUsageRecord(ctx context.Context, packageName, date string) (*UsageRecord, error)

	// AddUsageMinutes adds minutes to the record for (package, date),
	// creating it if needed. The increment is atomic per key; this is
	// the realtime buffer flush path.
	AddUsageMinutes(ctx context.Context, packageName, date string, minutes int) error

	// SetUsageMinutes writes an authoritative minute count for
	// (package, date). The stored value never decreases; this is the
	// bulk sync path.
	SetUsageMinutes(ctx context.Context, packageName, date string, minutes int) error

	// GetUsageRecordsByDates batch-reads records for one package over
	// many day keys. Missing days are absent from the result map.
	GetUsageRecordsByDates(ctx context.Context, packageName string, dates []string) (map[string]UsageRecord, error)

	// PurgeUsageBefore deletes records older than the given day key and
	// returns how many were removed.
	PurgeUsageBefore(ctx context.Context, date string) (int64, error)
}

// InterventionStore persists the append-only intervention audit log.
type InterventionStore interface {
	InsertInterventionRecord(ctx context.Context, record InterventionRecord) error

	// GetInterventionStats aggregates the log from `since` to now.
	GetInterventionStats(ctx context.Context, since time.Time) (*InterventionStats, error)

	// PurgeInterventionsBefore deletes entries older than the cutoff and
	// returns how many were removed.
	PurgeInterventionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingsStore persists the service-wide defaults.
type SettingsStore interface {
	GetGlobalSettings(ctx context.Context) (GlobalSettings, error)
	UpdateGlobalSettings(ctx context.Context, settings GlobalSettings) error
}

// ForegroundEventSource is the platform accessibility layer as seen by
// the core: a stream of foreground changes plus a defensive re-check.
type ForegroundEventSource interface {
	// Events returns the foreground-change stream. The channel is owned
	// by the source and closed when the source shuts down.
	Events() <-chan ForegroundEvent

	// CurrentForegroundPackage returns the package currently in the
	// foreground, or "" when unknown. Used to re-validate decisions
	// against event-ordering races before presenting UI.
	CurrentForegroundPackage(ctx context.Context) (string, error)
}

// UsageStatsSource is the platform's raw usage-event log. An unavailable
// source (permission not granted) returns an empty slice, not an error.
type UsageStatsSource interface {
	QueryForegroundEvents(ctx context.Context, start, end time.Time) ([]AppEvent, error)
}

// Presenter renders an intervention decision and reports back exactly one
// terminal user choice with the actual elapsed wait.
type Presenter interface {
	Present(ctx context.Context, decision Decision) (*InterventionResult, error)
}

// ProcessProbe checks host process liveness.
// Implementation: uses gopsutil for cross-platform support.
type ProcessProbe interface {
	// IsRunning reports whether any process matches the pattern.
	IsRunning(pattern string) bool
}
