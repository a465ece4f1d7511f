package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

func intPtr(v int) *int { return &v }

// memAppStore implements domain.AppStore in memory for testing.
type memAppStore struct {
	mu   sync.Mutex
	apps map[string]domain.MonitoredApp
	err  error
}

func newMemAppStore(apps ...domain.MonitoredApp) *memAppStore {
	s := &memAppStore{apps: make(map[string]domain.MonitoredApp)}
	for _, a := range apps {
		s.apps[a.PackageName] = a
	}
	return s
}

func (s *memAppStore) GetMonitoredApp(_ context.Context, pkg string) (*domain.MonitoredApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	app, ok := s.apps[pkg]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (s *memAppStore) ListMonitoredApps(_ context.Context) ([]domain.MonitoredApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	apps := make([]domain.MonitoredApp, 0, len(s.apps))
	for _, a := range s.apps {
		apps = append(apps, a)
	}
	return apps, nil
}

func (s *memAppStore) UpsertMonitoredApp(_ context.Context, app domain.MonitoredApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[app.PackageName] = app
	return nil
}

func (s *memAppStore) DeleteMonitoredApp(_ context.Context, pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, pkg)
	return nil
}

// memUsageStore implements domain.UsageStore in memory for testing.
type memUsageStore struct {
	mu        sync.Mutex
	records   map[string]domain.UsageRecord // key: pkg + "|" + date
	addCalls  int
	setCalls  int
	lastAdded int
	addErr    error
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{records: make(map[string]domain.UsageRecord)}
}

func usageKey(pkg, date string) string { return pkg + "|" + date }

func (s *memUsageStore) GetUsageRecord(_ context.Context, pkg, date string) (*domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[usageKey(pkg, date)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memUsageStore) AddUsageMinutes(_ context.Context, pkg, date string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	key := usageKey(pkg, date)
	rec := s.records[key]
	rec.PackageName = pkg
	rec.Date = date
	rec.UsageMinutes += minutes
	rec.LastUpdated = time.Now()
	s.records[key] = rec
	s.addCalls++
	s.lastAdded = minutes
	return nil
}

func (s *memUsageStore) SetUsageMinutes(_ context.Context, pkg, date string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(pkg, date)
	rec := s.records[key]
	rec.PackageName = pkg
	rec.Date = date
	if minutes > rec.UsageMinutes {
		rec.UsageMinutes = minutes
	}
	rec.LastUpdated = time.Now()
	s.records[key] = rec
	s.setCalls++
	return nil
}

func (s *memUsageStore) GetUsageRecordsByDates(_ context.Context, pkg string, dates []string) (map[string]domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]domain.UsageRecord)
	for _, date := range dates {
		if rec, ok := s.records[usageKey(pkg, date)]; ok {
			result[date] = rec
		}
	}
	return result, nil
}

func (s *memUsageStore) PurgeUsageBefore(_ context.Context, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for key, rec := range s.records {
		if rec.Date < date {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

func (s *memUsageStore) setAddErr(err error) {
	s.mu.Lock()
	s.addErr = err
	s.mu.Unlock()
}

func (s *memUsageStore) minutes(pkg, date string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[usageKey(pkg, date)].UsageMinutes
}

// memInterventionStore implements domain.InterventionStore for testing.
type memInterventionStore struct {
	mu      sync.Mutex
	records []domain.InterventionRecord
}

func newMemInterventionStore() *memInterventionStore {
	return &memInterventionStore{}
}

func (s *memInterventionStore) InsertInterventionRecord(_ context.Context, rec domain.InterventionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memInterventionStore) GetInterventionStats(_ context.Context, since time.Time) (*domain.InterventionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.InterventionStats{}
	var waitSum int
	for _, rec := range s.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		waitSum += rec.ActualWaitSeconds
		switch rec.UserChoice {
		case domain.ChoiceContinued:
			stats.Continued++
		case domain.ChoiceCancelled:
			stats.Cancelled++
		case domain.ChoiceRedirected:
			stats.Redirected++
		}
	}
	if stats.Total > 0 {
		stats.AvgWaitSeconds = float64(waitSum) / float64(stats.Total)
	}
	return stats, nil
}

func (s *memInterventionStore) PurgeInterventionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var purged int64
	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return purged, nil
}

// memSettingsStore implements domain.SettingsStore for testing.
type memSettingsStore struct {
	mu       sync.Mutex
	settings domain.GlobalSettings
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{
		settings: domain.GlobalSettings{
			CooldownMinutes:         10,
			DefaultCountdownSeconds: 10,
			ServiceEnabled:          true,
		},
	}
}

func (s *memSettingsStore) GetGlobalSettings(_ context.Context) (domain.GlobalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *memSettingsStore) UpdateGlobalSettings(_ context.Context, settings domain.GlobalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

// fakeStatsSource implements domain.UsageStatsSource for testing.
type fakeStatsSource struct {
	events []domain.AppEvent
	err    error
}

func (f *fakeStatsSource) QueryForegroundEvents(_ context.Context, start, end time.Time) ([]domain.AppEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var result []domain.AppEvent
	for _, ev := range f.events {
		if !ev.Timestamp.Before(start) && !ev.Timestamp.After(end) {
			result = append(result, ev)
		}
	}
	return result, nil
}

// fakeForegroundSource implements domain.ForegroundEventSource for testing.
type fakeForegroundSource struct {
	mu      sync.Mutex
	current string
	ch      chan domain.ForegroundEvent
}

func newFakeForegroundSource() *fakeForegroundSource {
	return &fakeForegroundSource{ch: make(chan domain.ForegroundEvent, 16)}
}

func (f *fakeForegroundSource) Events() <-chan domain.ForegroundEvent { return f.ch }

func (f *fakeForegroundSource) CurrentForegroundPackage(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeForegroundSource) setCurrent(pkg string) {
	f.mu.Lock()
	f.current = pkg
	f.mu.Unlock()
}

func testLogger() *zap.Logger { return zap.NewNop() }

var (
	_ domain.AppStore              = (*memAppStore)(nil)
	_ domain.UsageStore            = (*memUsageStore)(nil)
	_ domain.InterventionStore     = (*memInterventionStore)(nil)
	_ domain.SettingsStore         = (*memSettingsStore)(nil)
	_ domain.UsageStatsSource      = (*fakeStatsSource)(nil)
	_ domain.ForegroundEventSource = (*fakeForegroundSource)(nil)
)
