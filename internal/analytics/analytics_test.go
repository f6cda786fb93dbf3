package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/persistence/memory"
)

var today = time.Date(2025, time.September, 30, 10, 0, 0, 0, time.UTC)

func TestTrendExamples(t *testing.T) {
	cases := []struct {
		name   string
		series []float64
		want   domain.Trend
	}{
		{name: "doubling", series: []float64{1000, 1000, 1000, 2000, 2000, 2000}, want: domain.TrendIncreasing},
		{name: "flat pair", series: []float64{1000, 1000}, want: domain.TrendStable},
		{name: "single", series: []float64{1000}, want: domain.TrendStable},
		{name: "empty", series: nil, want: domain.TrendStable},
		{name: "falling", series: []float64{2000, 2000, 1000, 1000}, want: domain.TrendDecreasing},
		{name: "within threshold", series: []float64{1000, 1000, 1100, 1100}, want: domain.TrendStable},
		{name: "odd length puts the extra point in the second half", series: []float64{100, 100, 100, 100, 200}, want: domain.TrendIncreasing},
		{name: "rising from zero", series: []float64{0, 0, 5, 5}, want: domain.TrendIncreasing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Trend(tc.series))
		})
	}
}

func TestAnalyzeWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	device, err := store.UpsertDevice(ctx, domain.Device{OwnerID: "user-1", Type: domain.DeviceTypeGarmin, Status: domain.DeviceStatusConnected})
	require.NoError(t, err)

	day := domain.CalendarDate(today)
	steps := []int{1000, 1000, 1000, 2000, 2000, 2000}
	for i, s := range steps {
		_, err := store.UpsertActivityRecord(ctx, domain.ActivityRecord{
			OwnerID:        "user-1",
			DeviceID:       device.ID,
			Date:           day.AddDate(0, 0, i-len(steps)+1),
			Steps:          s,
			CaloriesBurned: 500,
			ActiveMinutes:  30,
		})
		require.NoError(t, err)
	}
	_, err = store.UpsertActivityRecord(ctx, domain.ActivityRecord{OwnerID: "user-1", DeviceID: device.ID, Date: day.AddDate(0, 0, -40), Steps: 99999})
	require.NoError(t, err)

	got, err := New(store, store, WithClock(func() time.Time { return today })).Analyze(ctx, "user-1", device.ID, 7)
	require.NoError(t, err)
	require.Equal(t, 6, got.Count)
	require.Equal(t, 1500, got.AverageSteps)
	require.Equal(t, 500, got.AverageCalories)
	require.Equal(t, 30, got.AverageActiveMinutes)
	require.Equal(t, domain.TrendIncreasing, got.StepsTrend)
	require.Equal(t, domain.TrendStable, got.CaloriesTrend)
	require.Equal(t, domain.TrendStable, got.ActiveMinutesTrend)
	require.Equal(t, day.AddDate(0, 0, -7), got.Start)
	require.Equal(t, day, got.End)
}

func TestAnalyzeEmptyWindowAndDefaults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	device, err := store.UpsertDevice(ctx, domain.Device{OwnerID: "user-1", Type: domain.DeviceTypeOura})
	require.NoError(t, err)

	a := New(store, store, WithClock(func() time.Time { return today }))
	got, err := a.Analyze(ctx, "user-1", device.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 30, got.WindowDays)
	require.Zero(t, got.Count)
	require.Zero(t, got.AverageSteps)
	require.Equal(t, domain.TrendStable, got.StepsTrend)

	got, err = a.Analyze(ctx, "user-1", device.ID, 5000)
	require.NoError(t, err)
	require.Equal(t, 365, got.WindowDays)
}

func TestAnalyzeRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	device, err := store.UpsertDevice(ctx, domain.Device{OwnerID: "user-1", Type: domain.DeviceTypeOura})
	require.NoError(t, err)

	_, err = New(store, store).Analyze(ctx, "user-2", device.ID, 7)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}
