package vendors

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/observability"
)

// ResilienceConfig tunes the breaker, limiter and timeout around a vendor adapter. The breaker
// opens once MinRequests calls have been seen and FailureRatio of them failed.
type ResilienceConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	MinRequests   uint32
	FailureRatio  float64
	OpenTimeout   time.Duration
	Logger        logrus.FieldLogger
}

func (c ResilienceConfig) withDefaults() ResilienceConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.6
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = time.Minute
	}
	if c.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		c.Logger = logger
	}
	return c
}

// Resilient wraps a Fetcher with a per-call timeout, a token bucket and a circuit breaker.
type Resilient struct {
	name    string
	next    Fetcher
	timeout time.Duration
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[domain.ActivityPayload]
	logger  logrus.FieldLogger
}

// NewResilient constructs a Resilient fetcher named after its vendor.
func NewResilient(name string, next Fetcher, cfg ResilienceConfig) *Resilient {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.WithField("vendor", name)

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	observability.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[domain.ActivityPayload](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// Rejected credentials are a per-device problem, not a vendor outage.
		IsSuccessful: func(err error) bool {
			return err == nil || IsCredentialError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("vendor circuit breaker state change")
			observability.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Resilient{
		name:    name,
		next:    next,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		cb:      cb,
		logger:  logger,
	}
}

// FetchActivity implements Fetcher.
func (r *Resilient) FetchActivity(ctx context.Context, date time.Time, tokens domain.Tokens) (domain.ActivityPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		observability.VendorFetchDuration.WithLabelValues(r.name, "throttled").Observe(0)
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: r.name, Err: err}
	}

	start := time.Now()
	payload, err := r.cb.Execute(func() (domain.ActivityPayload, error) {
		return r.next.FetchActivity(ctx, date, tokens)
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
			r.logger.WithError(err).Debug("vendor fetch rejected by circuit breaker")
		}
		observability.VendorFetchDuration.WithLabelValues(r.name, result).Observe(elapsed)
		if domain.IsUpstream(err) {
			return domain.ActivityPayload{}, err
		}
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: r.name, Err: err}
	}
	observability.VendorFetchDuration.WithLabelValues(r.name, "success").Observe(elapsed)
	return payload, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
