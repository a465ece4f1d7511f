package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

const (
	// DebounceWindow collapses the event storm of a single physical
	// screen transition into at most one evaluation per package.
	DebounceWindow = 500 * time.Millisecond

	// MinCooldown is the floor for the effective per-package cooldown.
	MinCooldown = time.Minute

	// stateTTL bounds memory growth from packages no longer observed:
	// cooldown/debounce entries untouched for this long are evicted.
	stateTTL  = 24 * time.Hour
	stateSize = 512
)

// DecisionEngine decides, per qualifying foreground notification, whether
// to show nothing, a soft reminder, or a hard block. All per-package
// runtime state (cooldowns, debounce stamps, the shown-today set) is
// owned by the engine instance and lost on process death.
type DecisionEngine struct {
	apps          domain.AppStore
	settings      domain.SettingsStore
	interventions domain.InterventionStore
	estimator     *UsageEstimator
	foreground    domain.ForegroundEventSource
	logger        *zap.Logger
	now           func() time.Time

	mu          sync.Mutex
	cooldowns   *expirable.LRU[string, time.Time]
	lastChecked *expirable.LRU[string, time.Time]
	shownToday  map[string]struct{}
	lastSeenDay string
}

// NewDecisionEngine creates a decision engine.
func NewDecisionEngine(
	apps domain.AppStore,
	settings domain.SettingsStore,
	interventions domain.InterventionStore,
	estimator *UsageEstimator,
	foreground domain.ForegroundEventSource,
	logger *zap.Logger,
) *DecisionEngine {
	return &DecisionEngine{
		apps:          apps,
		settings:      settings,
		interventions: interventions,
		estimator:     estimator,
		foreground:    foreground,
		logger:        logger,
		now:           time.Now,
		cooldowns:     expirable.NewLRU[string, time.Time](stateSize, nil, stateTTL),
		lastChecked:   expirable.NewLRU[string, time.Time](stateSize, nil, stateTTL),
		shownToday:    make(map[string]struct{}),
	}
}

// Evaluate runs the decision procedure for one foreground notification.
// A DecisionNone result means no intervention this cycle. Errors abort
// only this single decision; callers log and move on.
func (e *DecisionEngine) Evaluate(ctx context.Context, packageName string) (domain.Decision, error) {
	none := domain.Decision{Kind: domain.DecisionNone, PackageName: packageName}
	now := e.now()

	e.mu.Lock()
	e.rolloverLocked(now)
	if last, ok := e.lastChecked.Get(packageName); ok && now.Sub(last) < DebounceWindow {
		e.mu.Unlock()
		return none, nil
	}
	e.lastChecked.Add(packageName, now)
	e.mu.Unlock()

	settings, err := e.settings.GetGlobalSettings(ctx)
	if err != nil {
		return none, fmt.Errorf("failed to load global settings: %w", err)
	}
	if !settings.ServiceEnabled {
		return none, nil
	}

	app, err := e.apps.GetMonitoredApp(ctx, packageName)
	if err != nil {
		return none, fmt.Errorf("failed to load app config: %w", err)
	}
	if app == nil || !app.Enabled {
		return none, nil
	}

	// A decision computed asynchronously may find the user already
	// switched away; treat that race as a silent no-op.
	if current, err := e.foreground.CurrentForegroundPackage(ctx); err == nil && current != "" && current != packageName {
		e.logger.Debug("foreground changed before decision, skipping",
			zap.String("package", packageName),
			zap.String("current", current))
		return none, nil
	}

	if app.DailyLimitMinutes == nil {
		return e.decideUnlimited(ctx, *app, settings, now)
	}
	return e.decideLimited(ctx, *app, settings, now)
}

// decideUnlimited handles apps without a daily limit: strict mode is the
// completely-blocked configuration (repeatable, never cooldown-gated),
// soft mode is the cooldown-gated breathing reminder.
func (e *DecisionEngine) decideUnlimited(ctx context.Context, app domain.MonitoredApp, settings domain.GlobalSettings, now time.Time) (domain.Decision, error) {
	if app.LimitMode == domain.LimitModeStrict {
		return domain.Decision{
			Kind:             domain.DecisionLimitReachedStrict,
			PackageName:      app.PackageName,
			AppName:          app.AppName,
			InterventionType: domain.InterventionLimitStrict,
			RedirectPackage:  app.RedirectPackage,
		}, nil
	}

	if !e.passCooldown(app, settings, now) {
		return domain.Decision{Kind: domain.DecisionNone, PackageName: app.PackageName}, nil
	}
	return e.softReminder(app, settings), nil
}

// decideLimited handles apps with a configured daily limit.
func (e *DecisionEngine) decideLimited(ctx context.Context, app domain.MonitoredApp, settings domain.GlobalSettings, now time.Time) (domain.Decision, error) {
	none := domain.Decision{Kind: domain.DecisionNone, PackageName: app.PackageName}

	level, err := e.estimator.CheckWarningLevel(ctx, app.PackageName)
	if err != nil {
		return none, err
	}
	if level == domain.WarningNone {
		return none, nil
	}

	used, err := e.estimator.CurrentMinutesWithBuffer(ctx, app.PackageName)
	if err != nil {
		return none, err
	}

	if level == domain.WarningSoftReminder {
		if !e.passCooldown(app, settings, now) {
			return none, nil
		}
		return e.softReminder(app, settings), nil
	}

	// Limit reached.
	if app.LimitMode == domain.LimitModeStrict {
		return domain.Decision{
			Kind:             domain.DecisionLimitReachedStrict,
			PackageName:      app.PackageName,
			AppName:          app.AppName,
			InterventionType: domain.InterventionLimitStrict,
			RedirectPackage:  app.RedirectPackage,
			UsedMinutes:      used,
			LimitMinutes:     *app.DailyLimitMinutes,
		}, nil
	}

	if !e.passCooldown(app, settings, now) {
		return none, nil
	}

	e.mu.Lock()
	_, already := e.shownToday[app.PackageName]
	e.shownToday[app.PackageName] = struct{}{}
	e.mu.Unlock()

	return domain.Decision{
		Kind:             domain.DecisionLimitReachedSoft,
		PackageName:      app.PackageName,
		AppName:          app.AppName,
		InterventionType: domain.InterventionLimitSoft,
		RedirectPackage:  app.RedirectPackage,
		UsedMinutes:      used,
		LimitMinutes:     *app.DailyLimitMinutes,
		FirstOfDay:       !already,
	}, nil
}

// passCooldown reports whether the package is outside its cooldown and,
// when it is, stamps the cooldown immediately so a slow-rendering
// overlay cannot cause a second trigger.
func (e *DecisionEngine) passCooldown(app domain.MonitoredApp, settings domain.GlobalSettings, now time.Time) bool {
	cooldown := effectiveCooldown(app, settings)

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.cooldowns.Get(app.PackageName); ok && now.Sub(last) < cooldown {
		return false
	}
	e.cooldowns.Add(app.PackageName, now)
	return true
}

// effectiveCooldown is the app-specific override when set, else the
// global default, floored at one minute.
func effectiveCooldown(app domain.MonitoredApp, settings domain.GlobalSettings) time.Duration {
	minutes := settings.CooldownMinutes
	if app.CooldownMinutes != nil {
		minutes = *app.CooldownMinutes
	}
	cooldown := time.Duration(minutes) * time.Minute
	if cooldown < MinCooldown {
		cooldown = MinCooldown
	}
	return cooldown
}

func (e *DecisionEngine) softReminder(app domain.MonitoredApp, settings domain.GlobalSettings) domain.Decision {
	countdown := app.CountdownSeconds
	if countdown <= 0 {
		countdown = settings.DefaultCountdownSeconds
	}
	interventionType := app.InterventionType
	if interventionType == "" {
		interventionType = domain.InterventionBreathing
	}
	return domain.Decision{
		Kind:             domain.DecisionSoftReminder,
		PackageName:      app.PackageName,
		AppName:          app.AppName,
		InterventionType: interventionType,
		RedirectPackage:  app.RedirectPackage,
		CountdownSeconds: countdown,
	}
}

// rolloverLocked resets per-day flags lazily when the observed local
// calendar date changes. Caller must hold e.mu.
func (e *DecisionEngine) rolloverLocked(now time.Time) {
	day := domain.DayKey(now)
	if day != e.lastSeenDay {
		if e.lastSeenDay != "" {
			e.logger.Info("local day changed, resetting per-day flags",
				zap.String("day", day))
		}
		e.shownToday = make(map[string]struct{})
		e.lastSeenDay = day
	}
}

// Housekeep runs the periodic state maintenance: the lazy day-rollover
// check, for sessions where no decision happens across midnight.
func (e *DecisionEngine) Housekeep() {
	e.mu.Lock()
	e.rolloverLocked(e.now())
	e.mu.Unlock()
}

// RecordOutcome persists the terminal user choice reported by the
// presentation collaborator as an InterventionRecord. The actual wait is
// clamped to a sane range before writing.
func (e *DecisionEngine) RecordOutcome(ctx context.Context, decision domain.Decision, result domain.InterventionResult) error {
	wait := result.ActualWaitSeconds
	if wait < 1 {
		wait = 1
	}
	if wait > 300 {
		wait = 300
	}

	record := domain.InterventionRecord{
		ID:                uuid.NewString(),
		PackageName:       decision.PackageName,
		AppName:           decision.AppName,
		Timestamp:         e.now(),
		InterventionType:  decision.InterventionType,
		UserChoice:        result.Choice,
		CountdownSeconds:  decision.CountdownSeconds,
		ActualWaitSeconds: wait,
	}
	if err := e.interventions.InsertInterventionRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to insert intervention record: %w", err)
	}
	return nil
}
