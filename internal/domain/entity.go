// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// LimitMode controls what happens when a daily limit is exhausted.
type LimitMode string

const (
	// LimitModeSoft shows a dismissible overlay; the user may continue.
	LimitModeSoft LimitMode = "soft"
	// LimitModeStrict hard-blocks the app until the next day.
	LimitModeStrict LimitMode = "strict"
)

// InterventionType identifies the overlay variant shown to the user.
type InterventionType string

const (
	InterventionBreathing   InterventionType = "breathing"
	InterventionCountdown   InterventionType = "countdown"
	InterventionLimitSoft   InterventionType = "limit_soft"
	InterventionLimitStrict InterventionType = "limit_strict"
)

// UserChoice is the terminal action the user took on an intervention overlay.
type UserChoice string

const (
	ChoiceContinued  UserChoice = "continued"
	ChoiceCancelled  UserChoice = "cancelled"
	ChoiceRedirected UserChoice = "redirected"
)

// MonitoredApp is the per-app configuration chosen by the user.
type MonitoredApp struct {
	PackageName       string // unique key
	AppName           string
	InterventionType  InterventionType
	CountdownSeconds  int
	RedirectPackage   string // optional; empty means no redirect target
	Enabled           bool
	DailyLimitMinutes *int // nil = unlimited
	LimitMode         LimitMode
	IsVideoApp        bool // foreground events unreliable; needs active polling
	CooldownMinutes   *int // nil = use global default
}

// CompletelyBlocked reports the distinguished "block on every open"
// configuration: no daily limit combined with strict mode.
func (a MonitoredApp) CompletelyBlocked() bool {
	return a.DailyLimitMinutes == nil && a.LimitMode == LimitModeStrict
}

// UsageRecord holds accumulated foreground minutes for one app on one
// local calendar day. At most one record exists per (package, date).
type UsageRecord struct {
	PackageName  string
	Date         string // local day key, "2006-01-02"
	UsageMinutes int    // monotonically non-decreasing within a day
	LastUpdated  time.Time
}

// InterventionRecord is an append-only audit entry for one shown intervention.
type InterventionRecord struct {
	ID                string
	PackageName       string
	AppName           string
	Timestamp         time.Time
	InterventionType  InterventionType
	UserChoice        UserChoice
	CountdownSeconds  int
	ActualWaitSeconds int // clamped to [1, 300]
}

// GlobalSettings are the mutable service-wide defaults.
type GlobalSettings struct {
	CooldownMinutes         int
	DefaultCountdownSeconds int
	ServiceEnabled          bool
}

// WarningLevel classifies an app's usage ratio against its daily limit.
type WarningLevel int

const (
	WarningNone WarningLevel = iota
	// WarningSoftReminder fires at ratio in [0.80, 1.0).
	WarningSoftReminder
	// WarningLimitReached fires at ratio >= 1.0.
	WarningLimitReached
)

// DecisionKind is the outcome of one decision-engine evaluation.
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionSoftReminder
	DecisionLimitReachedSoft
	DecisionLimitReachedStrict
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSoftReminder:
		return "soft_reminder"
	case DecisionLimitReachedSoft:
		return "limit_reached_soft"
	case DecisionLimitReachedStrict:
		return "limit_reached_strict"
	default:
		return "none"
	}
}

// Decision is the contract handed to the presentation collaborator.
type Decision struct {
	Kind             DecisionKind
	PackageName      string
	AppName          string
	InterventionType InterventionType
	RedirectPackage  string
	CountdownSeconds int // SoftReminder only
	UsedMinutes      int // limit variants only
	LimitMinutes     int // limit variants only
	FirstOfDay       bool
}

// InterventionResult is what the presentation collaborator reports back.
type InterventionResult struct {
	Choice            UserChoice
	ActualWaitSeconds int
}

// ForegroundEvent is a foreground-app change notification from the
// platform accessibility layer.
type ForegroundEvent struct {
	PackageName string
	Timestamp   time.Time
}

// AppEventType tags entries in the raw platform usage-event log.
type AppEventType string

const (
	EventEnterForeground AppEventType = "enter_foreground"
	EventEnterBackground AppEventType = "enter_background"
)

// AppEvent is one entry of the platform's raw foreground/background log.
type AppEvent struct {
	PackageName string
	Type        AppEventType
	Timestamp   time.Time
}

// InterventionStats aggregates the intervention audit log over a range.
type InterventionStats struct {
	Total          int
	Continued      int
	Cancelled      int
	Redirected     int
	AvgWaitSeconds float64
}

// DayKey formats a timestamp as the local calendar day string used to
// key usage records.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
