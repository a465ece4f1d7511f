// Package daemon wires the usage-tracking components into the
// long-running service loop.
package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
	"github.com/quietscreen/usaged/internal/usecase"
)

// Config holds service loop configuration.
type Config struct {
	VideoPollInterval time.Duration // extra sync cadence while a video app is foreground
	HousekeepInterval time.Duration // cooldown-map sweep and retention purge cadence
	SelfPackage       string        // this tool's own package name
}

// DefaultConfig returns default service configuration.
func DefaultConfig() Config {
	return Config{
		VideoPollInterval: 30 * time.Second,
		HousekeepInterval: time.Hour,
		SelfPackage:       "com.quietscreen.usaged",
	}
}

// Service is the main daemon loop. It consumes foreground changes from
// the event source, keeps the tracker and estimator up to date, asks the
// decision engine whether to intervene, and hands interventions to the
// presenter. Background sync runs in the scheduler; the service reacts
// to its change notifications by re-evaluating the app currently in the
// foreground.
type Service struct {
	config    Config
	tracker   *usecase.ForegroundTracker
	engine    *usecase.DecisionEngine
	scheduler *usecase.SyncScheduler
	retention *usecase.RetentionJob
	apps      domain.AppStore
	source    domain.ForegroundEventSource
	presenter domain.Presenter
	logger    *zap.Logger
}

// NewService creates the service loop.
func NewService(
	config Config,
	tracker *usecase.ForegroundTracker,
	engine *usecase.DecisionEngine,
	scheduler *usecase.SyncScheduler,
	retention *usecase.RetentionJob,
	apps domain.AppStore,
	source domain.ForegroundEventSource,
	presenter domain.Presenter,
	logger *zap.Logger,
) *Service {
	return &Service{
		config:    config,
		tracker:   tracker,
		engine:    engine,
		scheduler: scheduler,
		retention: retention,
		apps:      apps,
		source:    source,
		presenter: presenter,
		logger:    logger,
	}
}

// Run blocks until the context is canceled. The scheduler loop runs in
// its own goroutine; everything else is driven from here.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("service started",
		zap.String("self_package", s.config.SelfPackage),
		zap.Duration("video_poll", s.config.VideoPollInterval))

	go func() {
		if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sync scheduler stopped", zap.Error(err))
		}
	}()

	updates := s.scheduler.Subscribe()

	videoTicker := time.NewTicker(s.config.VideoPollInterval)
	housekeepTicker := time.NewTicker(s.config.HousekeepInterval)
	defer videoTicker.Stop()
	defer housekeepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Attribute the open session and flush the realtime buffer
			// so short sessions are not lost across a restart.
			s.tracker.Flush(context.Background())
			s.logger.Info("service stopping")
			return ctx.Err()

		case ev, ok := <-s.source.Events():
			if !ok {
				s.tracker.Flush(context.Background())
				s.logger.Info("event source closed, service stopping")
				return nil
			}
			s.handleForeground(ctx, ev)

		case changed := <-updates:
			s.handleSyncUpdate(ctx, changed)

		case <-videoTicker.C:
			s.pollVideoApp(ctx)

		case <-housekeepTicker.C:
			s.engine.Housekeep()
			if err := s.retention.Run(ctx); err != nil {
				s.logger.Warn("retention purge failed", zap.Error(err))
			}
		}
	}
}

// handleForeground feeds one foreground change through the tracker and
// the decision engine.
func (s *Service) handleForeground(ctx context.Context, ev domain.ForegroundEvent) {
	if err := s.tracker.HandleForegroundChange(ctx, ev.PackageName, ev.Timestamp); err != nil {
		s.logger.Warn("failed to handle foreground change",
			zap.String("package", ev.PackageName), zap.Error(err))
	}

	app, err := s.apps.GetMonitoredApp(ctx, ev.PackageName)
	if err != nil {
		s.logger.Warn("failed to look up foreground app",
			zap.String("package", ev.PackageName), zap.Error(err))
		return
	}
	if app == nil || !app.Enabled {
		return
	}

	// Opening a monitored app is the moment stale estimates hurt most.
	s.scheduler.TriggerImmediateSync()
	s.evaluate(ctx, ev.PackageName)
}

// handleSyncUpdate re-evaluates the current foreground app when a sync
// changed its usage total.
func (s *Service) handleSyncUpdate(ctx context.Context, changed []string) {
	current, _ := s.tracker.CurrentApp()
	if current == "" {
		return
	}
	for _, pkg := range changed {
		if pkg == current {
			s.evaluate(ctx, current)
			return
		}
	}
}

// pollVideoApp triggers an out-of-band sync while a video app sits in
// the foreground. Video apps accumulate time without foreground changes,
// so the normal event-driven path goes quiet exactly when limits are
// about to be crossed.
func (s *Service) pollVideoApp(ctx context.Context) {
	current, _ := s.tracker.CurrentApp()
	if current == "" {
		return
	}
	app, err := s.apps.GetMonitoredApp(ctx, current)
	if err != nil || app == nil || !app.Enabled || !app.IsVideoApp {
		return
	}
	s.scheduler.TriggerImmediateSync()
	s.evaluate(ctx, current)
}

// evaluate asks the engine for a decision and, when one is due, presents
// it without blocking the event loop. The cooldown stamp is taken inside
// Evaluate, so a slow presentation cannot double-fire.
func (s *Service) evaluate(ctx context.Context, packageName string) {
	decision, err := s.engine.Evaluate(ctx, packageName)
	if err != nil {
		s.logger.Warn("decision evaluation failed",
			zap.String("package", packageName), zap.Error(err))
		return
	}
	if decision.Kind == domain.DecisionNone {
		return
	}

	go s.present(ctx, decision)
}

func (s *Service) present(ctx context.Context, decision domain.Decision) {
	result, err := s.presenter.Present(ctx, decision)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, domain.ErrNoPresenter) || errors.Is(err, domain.ErrPresentationBusy):
			s.logger.Debug("intervention not shown",
				zap.String("package", decision.PackageName), zap.Error(err))
		default:
			s.logger.Warn("presentation failed",
				zap.String("package", decision.PackageName), zap.Error(err))
		}
		return
	}

	if err := s.engine.RecordOutcome(ctx, decision, *result); err != nil {
		s.logger.Warn("failed to record intervention outcome",
			zap.String("package", decision.PackageName), zap.Error(err))
	}
}
