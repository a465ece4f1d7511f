package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietscreen/usaged/internal/domain"
)

func TestFormatMinutes(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{0, "0m"},
		{45, "45m"},
		{60, "1h"},
		{90, "1h 30m"},
		{120, "2h"},
		{150, "2h 30m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatMinutes(tt.minutes), "minutes=%d", tt.minutes)
	}
}

func TestAverageMinutes(t *testing.T) {
	tests := []struct {
		name    string
		minutes []int
		want    int
	}{
		{"empty", nil, 0},
		{"even average", []int{60, 30, 90}, 60},
		{"floor division", []int{10, 11, 12}, 11},
		{"single day", []int{42}, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AverageMinutes(tt.minutes))
		})
	}
}

func TestStatsService_WeeklyAverage(t *testing.T) {
	ctx := context.Background()
	usage := newMemUsageStore()
	s := NewStatsService(usage, newMemInterventionStore())
	s.now = func() time.Time { return testNow }

	// Three recorded days out of seven; missing days count as zero.
	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow), 60))
	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow.AddDate(0, 0, -1)), 30))
	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow.AddDate(0, 0, -2)), 90))

	avg, err := s.WeeklyAverage(ctx, "com.example.video")
	require.NoError(t, err)
	assert.Equal(t, (60+30+90)/7, avg)
}

func TestStatsService_DailyMinutes(t *testing.T) {
	ctx := context.Background()
	usage := newMemUsageStore()
	s := NewStatsService(usage, newMemInterventionStore())
	s.now = func() time.Time { return testNow }

	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow), 25))
	// A record eight days old falls outside the window.
	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow.AddDate(0, 0, -8)), 99))

	daily, err := s.DailyMinutes(ctx, "com.example.video", 7)
	require.NoError(t, err)
	require.Len(t, daily, 7)
	assert.Equal(t, 25, daily[domain.DayKey(testNow)])
	assert.Equal(t, 0, daily[domain.DayKey(testNow.AddDate(0, 0, -3))])
}

func TestStatsService_InterventionSummary(t *testing.T) {
	ctx := context.Background()
	interventions := newMemInterventionStore()
	s := NewStatsService(newMemUsageStore(), interventions)

	for _, rec := range []domain.InterventionRecord{
		{ID: "a", Timestamp: testNow, UserChoice: domain.ChoiceContinued, ActualWaitSeconds: 10},
		{ID: "b", Timestamp: testNow, UserChoice: domain.ChoiceCancelled, ActualWaitSeconds: 20},
		{ID: "c", Timestamp: testNow.Add(-48 * time.Hour), UserChoice: domain.ChoiceRedirected, ActualWaitSeconds: 99},
	} {
		require.NoError(t, interventions.InsertInterventionRecord(ctx, rec))
	}

	stats, err := s.InterventionSummary(ctx, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Continued)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.Redirected)
	assert.InDelta(t, 15.0, stats.AvgWaitSeconds, 0.001)
}
