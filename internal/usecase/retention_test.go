package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietscreen/usaged/internal/domain"
)

func TestRetentionJob_PurgesBothHistories(t *testing.T) {
	ctx := context.Background()
	usage := newMemUsageStore()
	interventions := newMemInterventionStore()

	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow), 30))
	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow.AddDate(0, 0, -200)), 30))
	require.NoError(t, interventions.InsertInterventionRecord(ctx, domain.InterventionRecord{
		ID: "recent", Timestamp: testNow.AddDate(0, 0, -10), UserChoice: domain.ChoiceContinued,
	}))
	require.NoError(t, interventions.InsertInterventionRecord(ctx, domain.InterventionRecord{
		ID: "ancient", Timestamp: testNow.AddDate(0, 0, -100), UserChoice: domain.ChoiceContinued,
	}))

	job := NewRetentionJob(usage, interventions, DefaultRetentionPolicy(), testLogger())
	job.now = func() time.Time { return testNow }

	require.NoError(t, job.Run(ctx))

	assert.Equal(t, 30, usage.minutes("com.example.video", domain.DayKey(testNow)))
	assert.Equal(t, 0, usage.minutes("com.example.video", domain.DayKey(testNow.AddDate(0, 0, -200))))

	require.Len(t, interventions.records, 1)
	assert.Equal(t, "recent", interventions.records[0].ID)
}

func TestRetentionJob_NoopOnFreshData(t *testing.T) {
	ctx := context.Background()
	usage := newMemUsageStore()
	interventions := newMemInterventionStore()
	require.NoError(t, usage.AddUsageMinutes(ctx, "com.example.video", domain.DayKey(testNow), 30))

	job := NewRetentionJob(usage, interventions, DefaultRetentionPolicy(), testLogger())
	job.now = func() time.Time { return testNow }

	require.NoError(t, job.Run(ctx))
	require.NoError(t, job.Run(ctx), "repeated runs are safe")
	assert.Equal(t, 30, usage.minutes("com.example.video", domain.DayKey(testNow)))
}
