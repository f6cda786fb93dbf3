package vendors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"example.com/devicesync/internal/domain"
)

var day = time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestFitbitClientNormalizesSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/1/user/-/activities/date/2025-03-03.json", r.URL.Path)
		require.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":{"steps":9120,"caloriesOut":2450,"caloriesBMR":1700,
			"veryActiveMinutes":25,"fairlyActiveMinutes":15,"restingHeartRate":58,
			"distances":[{"activity":"tracker","distance":6.1},{"activity":"total","distance":6.4}]}}`))
	}))
	defer srv.Close()

	payload, err := NewFitbitClient(srv.URL, srv.Client()).FetchActivity(context.Background(), day.Add(9*time.Hour), domain.Tokens{AccessToken: "access"})
	require.NoError(t, err)
	require.Equal(t, day, payload.Date)
	require.Equal(t, 9120, payload.Steps)
	require.Equal(t, 750, payload.CaloriesBurned)
	require.Equal(t, 1700, payload.BMREstimate)
	require.Equal(t, 40, payload.ActiveMinutes)
	require.NotNil(t, payload.HeartRateAvg)
	require.InDelta(t, 58, *payload.HeartRateAvg, 0.001)
	require.NotNil(t, payload.Distance)
	require.InDelta(t, 6.4, *payload.Distance, 0.001)
	require.NotEmpty(t, payload.Raw)
}

func TestFitbitClientRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewFitbitClient(srv.URL, srv.Client()).FetchActivity(context.Background(), day, domain.Tokens{AccessToken: "stale"})
	require.True(t, domain.IsUpstream(err))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestFitbitClientRequiresToken(t *testing.T) {
	_, err := NewFitbitClient("http://unused", nil).FetchActivity(context.Background(), day, domain.Tokens{})
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGatewayClientPassesVendorAndDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/activity", r.URL.Path)
		require.Equal(t, "GARMIN", r.URL.Query().Get("vendor"))
		require.Equal(t, "2025-03-03", r.URL.Query().Get("date"))
		_, _ = w.Write([]byte(`{"steps":4000,"caloriesBurned":320,"activeMinutes":31,"bmrEstimate":1620,"sleepHours":7.5}`))
	}))
	defer srv.Close()

	payload, err := NewGatewayClient(srv.URL, domain.DeviceTypeGarmin, srv.Client()).FetchActivity(context.Background(), day, domain.Tokens{AccessToken: "a"})
	require.NoError(t, err)
	require.Equal(t, 4000, payload.Steps)
	require.Equal(t, 320, payload.CaloriesBurned)
	require.Equal(t, "GARMIN", payload.SourceDevice)
	require.NotNil(t, payload.SleepHours)
	require.Nil(t, payload.Weight)
}

func TestGatewayClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewGatewayClient(srv.URL, domain.DeviceTypeOura, srv.Client()).FetchActivity(context.Background(), day, domain.Tokens{AccessToken: "a"})
	require.True(t, domain.IsUpstream(err))
}

func TestRegistryPushOnlyAndMissingAdapters(t *testing.T) {
	r := NewRegistry()

	f, err := r.Fetcher(domain.DeviceTypeAppleHealth)
	require.NoError(t, err)
	_, err = f.FetchActivity(context.Background(), day, domain.Tokens{})
	require.ErrorIs(t, err, ErrPushOnly)

	_, err = r.Fetcher(domain.DeviceTypeWhoop)
	require.ErrorIs(t, err, ErrNoAdapter)

	r.Register(domain.DeviceTypeWhoop, FetcherFunc(func(context.Context, time.Time, domain.Tokens) (domain.ActivityPayload, error) {
		return domain.ActivityPayload{Steps: 1}, nil
	}))
	f, err = r.Fetcher(domain.DeviceTypeWhoop)
	require.NoError(t, err)
	payload, err := f.FetchActivity(context.Background(), day, domain.Tokens{})
	require.NoError(t, err)
	require.Equal(t, 1, payload.Steps)
}

func TestDefaultRegistryWithoutGateway(t *testing.T) {
	r := NewDefaultRegistry(Settings{Timeout: time.Second, FitbitURL: "http://fitbit.invalid"}, quietLogger())

	_, err := r.Fetcher(domain.DeviceTypeFitbit)
	require.NoError(t, err)
	_, err = r.Fetcher(domain.DeviceTypeGarmin)
	require.ErrorIs(t, err, ErrNoAdapter)
}

func TestResilientOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	failing := FetcherFunc(func(context.Context, time.Time, domain.Tokens) (domain.ActivityPayload, error) {
		calls.Add(1)
		return domain.ActivityPayload{}, errors.New("vendor down")
	})
	r := NewResilient("test-open", failing, ResilienceConfig{
		Timeout:     time.Second,
		MinRequests: 3,
		OpenTimeout: time.Hour,
		Logger:      quietLogger(),
	})

	for i := 0; i < 3; i++ {
		_, err := r.FetchActivity(context.Background(), day, domain.Tokens{})
		require.True(t, domain.IsUpstream(err))
	}

	_, err := r.FetchActivity(context.Background(), day, domain.Tokens{})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.True(t, domain.IsUpstream(err))
	require.Equal(t, int32(3), calls.Load())
}

func TestResilientIgnoresCredentialFailures(t *testing.T) {
	var calls atomic.Int32
	rejecting := FetcherFunc(func(context.Context, time.Time, domain.Tokens) (domain.ActivityPayload, error) {
		calls.Add(1)
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "test", Err: ErrUnauthorized}
	})
	r := NewResilient("test-creds", rejecting, ResilienceConfig{MinRequests: 2, Logger: quietLogger()})

	for i := 0; i < 5; i++ {
		_, err := r.FetchActivity(context.Background(), day, domain.Tokens{})
		require.ErrorIs(t, err, ErrUnauthorized)
	}
	require.Equal(t, int32(5), calls.Load())
}

func TestResilientAppliesTimeout(t *testing.T) {
	slow := FetcherFunc(func(ctx context.Context, _ time.Time, _ domain.Tokens) (domain.ActivityPayload, error) {
		<-ctx.Done()
		return domain.ActivityPayload{}, ctx.Err()
	})
	r := NewResilient("test-timeout", slow, ResilienceConfig{Timeout: 20 * time.Millisecond, Logger: quietLogger()})

	_, err := r.FetchActivity(context.Background(), day, domain.Tokens{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
