// Package agent is the on-device counterpart of the sync service: it reads native health
// metrics, caches them for offline use and pushes them to the server's sync endpoint.
package agent

import (
	"context"
	"errors"
	"time"
)

// Metric names one native health measurement.
type Metric string

const (
	MetricSteps         Metric = "steps"
	MetricActiveEnergy  Metric = "active_energy"
	MetricBasalEnergy   Metric = "basal_energy"
	MetricActiveMinutes Metric = "active_minutes"
	MetricHeartRate     Metric = "heart_rate"
	MetricWeight        Metric = "weight"
	MetricBodyFat       Metric = "body_fat"
	MetricSleep         Metric = "sleep"
	MetricDistance      Metric = "distance"
)

// AllMetrics lists every metric the agent reads for a day.
var AllMetrics = []Metric{
	MetricSteps,
	MetricActiveEnergy,
	MetricBasalEnergy,
	MetricActiveMinutes,
	MetricHeartRate,
	MetricWeight,
	MetricBodyFat,
	MetricSleep,
	MetricDistance,
}

// ErrNoSamples is returned by a Platform when the metric has no samples for the day. It is not
// a failure; optional metrics are simply left unset.
var ErrNoSamples = errors.New("no samples recorded")

// Platform is the native health store bridge (HealthKit, Health Connect and the like).
type Platform interface {
	Name() string
	RequestPermissions(ctx context.Context, metrics []Metric) error
	// Fetch returns the day's total (or average, for rates) of metric.
	Fetch(ctx context.Context, metric Metric, date time.Time) (float64, error)
}
