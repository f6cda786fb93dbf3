package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, time.November, 11, 9, 30, 0, 0, time.UTC)

type fakePlatform struct {
	mu      sync.Mutex
	values  map[Metric]float64
	failing map[Metric]error
	granted []Metric
}

func (p *fakePlatform) Name() string { return "fake-health" }

func (p *fakePlatform) RequestPermissions(_ context.Context, metrics []Metric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = append(p.granted, metrics...)
	return nil
}

func (p *fakePlatform) Fetch(_ context.Context, metric Metric, _ time.Time) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failing[metric]; ok {
		return 0, err
	}
	v, ok := p.values[metric]
	if !ok {
		return 0, ErrNoSamples
	}
	return v, nil
}

type fakeServer struct {
	pushErr    error
	devices    []RemoteDevice
	devicesErr error
	balance    *BalanceView
	balanceErr error
	pushed     []ActivityData
}

func (s *fakeServer) PushActivity(_ context.Context, _ string, data ActivityData) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pushed = append(s.pushed, data)
	return nil
}

func (s *fakeServer) ListDevices(context.Context) ([]RemoteDevice, error) {
	return s.devices, s.devicesErr
}

func (s *fakeServer) Balance(context.Context, string) (*BalanceView, error) {
	return s.balance, s.balanceErr
}

func healthyPlatform() *fakePlatform {
	return &fakePlatform{values: map[Metric]float64{
		MetricSteps:         10432,
		MetricActiveEnergy:  512.4,
		MetricBasalEnergy:   1688,
		MetricActiveMinutes: 47,
		MetricHeartRate:     68.5,
		MetricSleep:         7.25,
	}}
}

func TestFetchDayBuildsRecordAndCaches(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	a := New(healthyPlatform(), cache, &fakeServer{})

	data := a.FetchDay(ctx, day)
	require.Equal(t, "2025-11-11", data.Date)
	require.Equal(t, 10432, data.Steps)
	require.Equal(t, 512, data.CaloriesBurned)
	require.Equal(t, 1688, data.BMREstimate)
	require.Equal(t, 47, data.ActiveMinutes)
	require.NotNil(t, data.HeartRateAvg)
	require.Nil(t, data.Weight)
	require.Equal(t, "fake-health", data.SourceDevice)

	cached, err := cache.GetDay(ctx, "2025-11-11")
	require.NoError(t, err)
	require.Equal(t, data, *cached)
}

func TestFetchDayFallsBackToCacheThenZero(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	platform := healthyPlatform()
	a := New(platform, cache, &fakeServer{})

	first := a.FetchDay(ctx, day)

	platform.failing = map[Metric]error{MetricSteps: errors.New("bridge crashed")}
	require.Equal(t, first, a.FetchDay(ctx, day))

	zero := a.FetchDay(ctx, day.AddDate(0, 0, -1))
	require.Equal(t, "2025-11-10", zero.Date)
	require.Zero(t, zero.Steps)
	require.Nil(t, zero.HeartRateAvg)
}

func TestSyncWithServer(t *testing.T) {
	server := &fakeServer{}
	a := New(healthyPlatform(), NewMemoryCache(), server)

	require.True(t, a.SyncWithServer(context.Background(), "dev-1", day))
	require.Len(t, server.pushed, 1)

	server.pushErr = errors.New("offline")
	require.False(t, a.SyncWithServer(context.Background(), "dev-1", day))
	require.Len(t, server.pushed, 1, "failed pushes are not retried")
}

func TestSyncWithServerSkipsPlaceholderDay(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{}
	platform := healthyPlatform()
	platform.failing = map[Metric]error{MetricSteps: errors.New("bridge crashed")}
	a := New(platform, NewMemoryCache(), server)

	require.False(t, a.SyncWithServer(ctx, "dev-1", day))
	require.Empty(t, server.pushed, "the zero-valued fallback never reaches the ledger")

	platform.failing = nil
	require.True(t, a.SyncWithServer(ctx, "dev-1", day))

	platform.failing = map[Metric]error{MetricSteps: errors.New("bridge crashed")}
	require.True(t, a.SyncWithServer(ctx, "dev-1", day), "a cached day is still pushed")
	require.Len(t, server.pushed, 2)
	require.Equal(t, server.pushed[0], server.pushed[1])
	require.Equal(t, 10432, server.pushed[1].Steps)
}

func TestDevicesFallBackToCachedList(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{devices: []RemoteDevice{{ID: "dev-1", DeviceType: "APPLE_HEALTH", Status: "CONNECTED"}}}
	a := New(healthyPlatform(), NewMemoryCache(), server)

	devices, err := a.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	server.devicesErr = errors.New("offline")
	devices, err = a.Devices(ctx)
	require.NoError(t, err)
	require.Equal(t, "dev-1", devices[0].ID)

	empty := New(healthyPlatform(), NewMemoryCache(), server)
	devices, err = empty.Devices(ctx)
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestBalanceFallsBackToLocalComputation(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{balanceErr: errors.New("offline")}
	a := New(healthyPlatform(), NewMemoryCache(), server)

	view, err := a.Balance(ctx, day, 2200)
	require.NoError(t, err)
	require.Nil(t, view, "no cached day means no data")

	a.FetchDay(ctx, day)
	view, err = a.Balance(ctx, day, 2200)
	require.NoError(t, err)
	require.NotNil(t, view)
	require.Equal(t, 2200, view.CaloriesIn)
	require.Equal(t, 2200, view.CaloriesOut)
	require.Equal(t, "balanced", view.Status)

	server.balanceErr = nil
	server.balance = &BalanceView{Date: "2025-11-11", Status: "slight_imbalance"}
	view, err = a.Balance(ctx, day, 2200)
	require.NoError(t, err)
	require.Equal(t, "slight_imbalance", view.Status)
}

func TestRequestPermissionsAsksForEveryMetric(t *testing.T) {
	platform := healthyPlatform()
	require.NoError(t, New(platform, NewMemoryCache(), &fakeServer{}).RequestPermissions(context.Background()))
	require.ElementsMatch(t, AllMetrics, platform.granted)
}

func TestBadgerCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, err := OpenBadgerCache("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	missing, err := cache.GetDay(ctx, "2025-11-11")
	require.NoError(t, err)
	require.Nil(t, missing)

	hr := 61.0
	require.NoError(t, cache.PutDay(ctx, ActivityData{Date: "2025-11-11", Steps: 12, HeartRateAvg: &hr}))
	got, err := cache.GetDay(ctx, "2025-11-11")
	require.NoError(t, err)
	require.Equal(t, 12, got.Steps)
	require.InDelta(t, 61.0, *got.HeartRateAvg, 0.001)

	require.NoError(t, cache.PutDevices(ctx, []RemoteDevice{{ID: "dev-1"}}))
	devices, err := cache.GetDevices(ctx)
	require.NoError(t, err)
	require.Equal(t, []RemoteDevice{{ID: "dev-1"}}, devices)
}

func TestClientSpeaksEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/devices/dev-1/sync":
			var body map[string]ActivityData
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, 5, body["activityData"].Steps)
			_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
		case "/devices":
			_, _ = w.Write([]byte(`{"success":true,"data":[{"id":"dev-1","deviceType":"FITBIT","status":"CONNECTED","isPrimary":true}]}`))
		case "/devices/balance/2025-11-11":
			_, _ = w.Write([]byte(`{"success":true,"data":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":"device not found"}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	ctx := context.Background()

	require.NoError(t, client.PushActivity(ctx, "dev-1", ActivityData{Date: "2025-11-11", Steps: 5}))

	devices, err := client.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.True(t, devices[0].IsPrimary)

	view, err := client.Balance(ctx, "2025-11-11")
	require.NoError(t, err)
	require.Nil(t, view)

	err = client.PushActivity(ctx, "missing", ActivityData{})
	require.ErrorContains(t, err, "device not found")
}
