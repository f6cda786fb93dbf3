// Package analytics computes rolling averages and trend directions over a device's ledger window.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"example.com/devicesync/internal/domain"
)

const (
	defaultWindowDays = 30
	maxWindowDays     = 365
	trendThreshold    = 0.10
)

// Aggregator reads ledger windows for owned devices.
type Aggregator struct {
	devices  domain.DeviceRepository
	activity domain.ActivityRepository
	now      func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock that defines "today".
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New constructs an Aggregator.
func New(devices domain.DeviceRepository, activity domain.ActivityRepository, opts ...Option) *Aggregator {
	a := &Aggregator{
		devices:  devices,
		activity: activity,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze summarises the device's records in [today-windowDays, today]. A non-positive window
// uses the default; windows are capped at one year.
func (a *Aggregator) Analyze(ctx context.Context, ownerID, deviceID string, windowDays int) (domain.ActivityAnalytics, error) {
	device, err := a.devices.FindDevice(ctx, ownerID, deviceID)
	if err != nil {
		return domain.ActivityAnalytics{}, fmt.Errorf("find device: %w", err)
	}
	if device == nil {
		return domain.ActivityAnalytics{}, domain.ErrDeviceNotFound
	}

	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	if windowDays > maxWindowDays {
		windowDays = maxWindowDays
	}
	end := domain.CalendarDate(a.now())
	start := end.AddDate(0, 0, -windowDays)

	records, err := a.activity.FindActivityRecordsInRange(ctx, domain.RangeQuery{
		OwnerID:  ownerID,
		DeviceID: deviceID,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return domain.ActivityAnalytics{}, fmt.Errorf("find activity records: %w", err)
	}

	steps := make([]float64, len(records))
	calories := make([]float64, len(records))
	active := make([]float64, len(records))
	for i, r := range records {
		steps[i] = float64(r.Steps)
		calories[i] = float64(r.CaloriesBurned)
		active[i] = float64(r.ActiveMinutes)
	}

	return domain.ActivityAnalytics{
		DeviceID:             deviceID,
		WindowDays:           windowDays,
		Start:                start,
		End:                  end,
		Count:                len(records),
		AverageSteps:         roundedMean(steps),
		AverageCalories:      roundedMean(calories),
		AverageActiveMinutes: roundedMean(active),
		StepsTrend:           Trend(steps),
		CaloriesTrend:        Trend(calories),
		ActiveMinutesTrend:   Trend(active),
	}, nil
}

// Trend splits a chronological series at its floor midpoint and compares the halves' means.
// A change of more than 10% of the first half's mean is increasing or decreasing; anything
// else, and any series shorter than two, is stable.
func Trend(series []float64) domain.Trend {
	if len(series) < 2 {
		return domain.TrendStable
	}
	mid := len(series) / 2
	first := mean(series[:mid])
	second := mean(series[mid:])
	diff := second - first
	threshold := math.Abs(first) * trendThreshold

	switch {
	case diff > threshold:
		return domain.TrendIncreasing
	case diff < -threshold:
		return domain.TrendDecreasing
	default:
		return domain.TrendStable
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func roundedMean(values []float64) int {
	return int(math.Round(mean(values)))
}
