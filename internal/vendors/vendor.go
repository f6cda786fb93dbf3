// Package vendors adapts each health platform's API to one normalized activity fetch.
package vendors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/domain"
)

var (
	// ErrPushOnly is returned for platforms whose data only arrives from the on-device agent.
	ErrPushOnly = errors.New("device type only supports client push")
	// ErrNoAdapter is returned when no adapter is configured for a device type.
	ErrNoAdapter = errors.New("no vendor adapter configured")
	// ErrMissingCredentials is returned when a vendor call needs a token the device lacks.
	ErrMissingCredentials = errors.New("missing vendor credentials")
	// ErrUnauthorized is returned when the vendor rejects the stored token.
	ErrUnauthorized = errors.New("vendor rejected credentials")
)

// IsCredentialError reports whether err means the device's stored credentials are missing or
// were rejected. Only a reconnect fixes these.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrMissingCredentials)
}

// Fetcher retrieves one day of normalized activity for a device.
type Fetcher interface {
	FetchActivity(ctx context.Context, date time.Time, tokens domain.Tokens) (domain.ActivityPayload, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, date time.Time, tokens domain.Tokens) (domain.ActivityPayload, error)

// FetchActivity implements Fetcher.
func (f FetcherFunc) FetchActivity(ctx context.Context, date time.Time, tokens domain.Tokens) (domain.ActivityPayload, error) {
	return f(ctx, date, tokens)
}

type pushOnly struct{}

func (pushOnly) FetchActivity(context.Context, time.Time, domain.Tokens) (domain.ActivityPayload, error) {
	return domain.ActivityPayload{}, ErrPushOnly
}

// Registry maps device types to their fetchers.
type Registry struct {
	fetchers map[domain.DeviceType]Fetcher
}

// NewRegistry returns a registry that knows only the push-only platforms.
func NewRegistry() *Registry {
	r := &Registry{fetchers: make(map[domain.DeviceType]Fetcher)}
	for _, t := range domain.SupportedDeviceTypes() {
		if t.PushOnly() {
			r.fetchers[t] = pushOnly{}
		}
	}
	return r
}

// Register binds f to deviceType, replacing any previous binding.
func (r *Registry) Register(deviceType domain.DeviceType, f Fetcher) {
	r.fetchers[deviceType] = f
}

// Fetcher returns the adapter for deviceType.
func (r *Registry) Fetcher(deviceType domain.DeviceType) (Fetcher, error) {
	f, ok := r.fetchers[deviceType]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoAdapter, deviceType)
	}
	return f, nil
}

// Settings configures the default adapters.
type Settings struct {
	Timeout       time.Duration
	RatePerSecond float64
	FitbitURL     string
	GatewayURL    string
}

// NewDefaultRegistry wires Fitbit's native API and, when a gateway URL is configured, the
// normalizing gateway for every other server-side vendor. Each adapter gets its own circuit
// breaker and rate limiter.
func NewDefaultRegistry(settings Settings, logger logrus.FieldLogger) *Registry {
	r := NewRegistry()
	client := &http.Client{Timeout: settings.Timeout}
	resilience := ResilienceConfig{Timeout: settings.Timeout, RatePerSecond: settings.RatePerSecond, Logger: logger}

	if settings.FitbitURL != "" {
		r.Register(domain.DeviceTypeFitbit, NewResilient(string(domain.DeviceTypeFitbit), NewFitbitClient(settings.FitbitURL, client), resilience))
	}
	if settings.GatewayURL != "" {
		for _, t := range domain.SupportedDeviceTypes() {
			if t.PushOnly() || t == domain.DeviceTypeFitbit {
				continue
			}
			r.Register(t, NewResilient(string(t), NewGatewayClient(settings.GatewayURL, t, client), resilience))
		}
	} else {
		logger.Warn("vendor gateway not configured; only fitbit can be fetched server-side")
	}
	return r
}
