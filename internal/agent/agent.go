package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"example.com/devicesync/internal/balance"
	"example.com/devicesync/internal/domain"
)

// Server is the part of the sync API the agent depends on.
type Server interface {
	PushActivity(ctx context.Context, deviceID string, data ActivityData) error
	ListDevices(ctx context.Context) ([]RemoteDevice, error)
	Balance(ctx context.Context, date string) (*BalanceView, error)
}

// Agent reads a day of native metrics, caches it and pushes it to the server.
type Agent struct {
	platform Platform
	cache    Cache
	server   Server
	logger   logrus.FieldLogger
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New constructs an Agent.
func New(platform Platform, cache Cache, server Server, opts ...Option) *Agent {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	a := &Agent{platform: platform, cache: cache, server: server, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestPermissions asks the platform for read access to every metric the agent uses.
func (a *Agent) RequestPermissions(ctx context.Context) error {
	if err := a.platform.RequestPermissions(ctx, AllMetrics); err != nil {
		return fmt.Errorf("%s permissions: %w", a.platform.Name(), err)
	}
	return nil
}

// FetchDay reads every metric for date concurrently. If any read fails it answers from the
// cache, then with a zero-valued record; it never fails. Successful reads are cached.
func (a *Agent) FetchDay(ctx context.Context, date time.Time) ActivityData {
	data, _ := a.fetchDay(ctx, date)
	return data
}

// fetchDay is FetchDay that also reports whether the data is real: a native read or a cached
// one. It is false only for the zero-valued placeholder.
func (a *Agent) fetchDay(ctx context.Context, date time.Time) (ActivityData, bool) {
	day := domain.CalendarDate(date).Format(domain.DateLayout)
	logger := a.logger.WithFields(logrus.Fields{"platform": a.platform.Name(), "date": day})

	var mu sync.Mutex
	values := make(map[Metric]float64, len(AllMetrics))
	g, gctx := errgroup.WithContext(ctx)
	for _, metric := range AllMetrics {
		g.Go(func() error {
			v, err := a.platform.Fetch(gctx, metric, date)
			if errors.Is(err, ErrNoSamples) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch %s: %w", metric, err)
			}
			mu.Lock()
			values[metric] = v
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Warn("native read failed; answering from cache")
		cached, cacheErr := a.cache.GetDay(ctx, day)
		if cacheErr != nil {
			logger.WithError(cacheErr).Warn("cache read failed")
		}
		if cached != nil {
			return *cached, true
		}
		return ActivityData{Date: day, SourceDevice: a.platform.Name()}, false
	}

	data := ActivityData{
		Date:              day,
		Steps:             intValue(values, MetricSteps),
		CaloriesBurned:    intValue(values, MetricActiveEnergy),
		BMREstimate:       intValue(values, MetricBasalEnergy),
		ActiveMinutes:     intValue(values, MetricActiveMinutes),
		HeartRateAvg:      optional(values, MetricHeartRate),
		Weight:            optional(values, MetricWeight),
		BodyFatPercentage: optional(values, MetricBodyFat),
		SleepHours:        optional(values, MetricSleep),
		Distance:          optional(values, MetricDistance),
		SourceDevice:      a.platform.Name(),
	}
	if err := a.cache.PutDay(ctx, data); err != nil {
		logger.WithError(err).Warn("cache write failed")
	}
	return data, true
}

// SyncWithServer reads date and pushes it to the server's sync endpoint for deviceID. It reports
// success and never retries. A day with neither a native read nor a cached copy is not pushed,
// since the placeholder would overwrite the server's record with zeros.
func (a *Agent) SyncWithServer(ctx context.Context, deviceID string, date time.Time) bool {
	data, ok := a.fetchDay(ctx, date)
	if !ok {
		a.logger.WithFields(logrus.Fields{"device_id": deviceID, "date": data.Date}).Warn("no activity to push")
		return false
	}
	if err := a.server.PushActivity(ctx, deviceID, data); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{"device_id": deviceID, "date": data.Date}).Warn("push to server failed")
		return false
	}
	return true
}

// Devices lists the server's devices, falling back to the last list seen when the server is
// unreachable.
func (a *Agent) Devices(ctx context.Context) ([]RemoteDevice, error) {
	devices, err := a.server.ListDevices(ctx)
	if err == nil {
		if cacheErr := a.cache.PutDevices(ctx, devices); cacheErr != nil {
			a.logger.WithError(cacheErr).Warn("cache write failed")
		}
		return devices, nil
	}

	a.logger.WithError(err).Warn("server unreachable; using cached devices")
	cached, cacheErr := a.cache.GetDevices(ctx)
	if cacheErr != nil {
		return nil, errors.Join(err, cacheErr)
	}
	if cached == nil {
		return []RemoteDevice{}, nil
	}
	return cached, nil
}

// Balance asks the server for date's balance and computes it locally from the cached day when
// the server cannot be reached. A nil view means there is no activity data.
func (a *Agent) Balance(ctx context.Context, date time.Time, caloriesIn int) (*BalanceView, error) {
	day := domain.CalendarDate(date).Format(domain.DateLayout)
	view, err := a.server.Balance(ctx, day)
	if err == nil {
		return view, nil
	}
	a.logger.WithError(err).Warn("server unreachable; computing balance locally")
	return a.LocalBalance(ctx, date, caloriesIn)
}

// LocalBalance classifies caloriesIn against the cached day with the server's thresholds.
func (a *Agent) LocalBalance(ctx context.Context, date time.Time, caloriesIn int) (*BalanceView, error) {
	day := domain.CalendarDate(date)
	cached, err := a.cache.GetDay(ctx, day.Format(domain.DateLayout))
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	b := balance.FromTotals(day, caloriesIn, cached.CaloriesBurned+cached.BMREstimate, "")
	if b == nil {
		return nil, nil
	}
	return &BalanceView{
		Date:           day.Format(domain.DateLayout),
		CaloriesIn:     b.CaloriesIn,
		CaloriesOut:    b.CaloriesOut,
		Balance:        b.Balance,
		BalancePercent: b.BalancePercent,
		Status:         string(b.Status),
	}, nil
}

func intValue(values map[Metric]float64, metric Metric) int {
	v := math.Round(values[metric])
	if v < 0 {
		return 0
	}
	return int(v)
}

func optional(values map[Metric]float64, metric Metric) *float64 {
	v, ok := values[metric]
	if !ok {
		return nil
	}
	return &v
}
