package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/quietscreen/usaged/internal/domain"
)

// FormatMinutes renders a minute count as hours and minutes,
// e.g. 45 -> "45m", 60 -> "1h", 90 -> "1h 30m".
func FormatMinutes(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	rest := minutes % 60
	if rest == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, rest)
}

// AverageMinutes is the integer-floor average of per-day minute counts.
// Days without a record count as zero when included in the slice.
func AverageMinutes(minutes []int) int {
	if len(minutes) == 0 {
		return 0
	}
	sum := 0
	for _, m := range minutes {
		sum += m
	}
	return sum / len(minutes)
}

// StatsService aggregates usage and intervention history for the
// dashboard collaborator. It is read-only and sits outside the decision
// path.
type StatsService struct {
	usage         domain.UsageStore
	interventions domain.InterventionStore
	now           func() time.Time
}

// NewStatsService creates a stats service.
func NewStatsService(usage domain.UsageStore, interventions domain.InterventionStore) *StatsService {
	return &StatsService{
		usage:         usage,
		interventions: interventions,
		now:           time.Now,
	}
}

// DailyMinutes returns per-day usage minutes for a package over the last
// `days` local days, today included, using the batch read. Days without
// a record map to zero.
func (s *StatsService) DailyMinutes(ctx context.Context, packageName string, days int) (map[string]int, error) {
	dates := s.lastDays(days)
	records, err := s.usage.GetUsageRecordsByDates(ctx, packageName, dates)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-read usage records: %w", err)
	}

	result := make(map[string]int, len(dates))
	for _, date := range dates {
		if rec, ok := records[date]; ok {
			result[date] = rec.UsageMinutes
		} else {
			result[date] = 0
		}
	}
	return result, nil
}

// WeeklyAverage returns the integer-floor average daily minutes for a
// package over the last seven days.
func (s *StatsService) WeeklyAverage(ctx context.Context, packageName string) (int, error) {
	daily, err := s.DailyMinutes(ctx, packageName, 7)
	if err != nil {
		return 0, err
	}
	minutes := make([]int, 0, len(daily))
	for _, m := range daily {
		minutes = append(minutes, m)
	}
	return AverageMinutes(minutes), nil
}

// InterventionSummary aggregates the intervention log from `since`.
func (s *StatsService) InterventionSummary(ctx context.Context, since time.Time) (*domain.InterventionStats, error) {
	return s.interventions.GetInterventionStats(ctx, since)
}

func (s *StatsService) lastDays(days int) []string {
	now := s.now()
	dates := make([]string, 0, days)
	for i := days - 1; i >= 0; i-- {
		dates = append(dates, domain.DayKey(now.AddDate(0, 0, -i)))
	}
	return dates
}
