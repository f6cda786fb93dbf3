// Package vendortest provides scripted and seeded vendor fetchers for tests.
package vendortest

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"example.com/devicesync/internal/domain"
)

// Fetcher returns scripted payloads and errors keyed by calendar date.
type Fetcher struct {
	mu       sync.Mutex
	payloads map[string]domain.ActivityPayload
	errs     map[string]error
	fallback error
	failNext []error
	calls    []time.Time
}

// New returns a Fetcher that answers every date with a zero payload until scripted.
func New() *Fetcher {
	return &Fetcher{
		payloads: make(map[string]domain.ActivityPayload),
		errs:     make(map[string]error),
	}
}

// On scripts the payload for date.
func (f *Fetcher) On(date time.Time, payload domain.ActivityPayload) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[key(date)] = payload
	return f
}

// FailOn scripts an error for date.
func (f *Fetcher) FailOn(date time.Time, err error) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key(date)] = err
	return f
}

// FailAll makes every unscripted date return err.
func (f *Fetcher) FailAll(err error) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = err
	return f
}

// FailNext makes the next n calls return err, whatever the date.
func (f *Fetcher) FailNext(n int, err error) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failNext = append(f.failNext, err)
	}
	return f
}

// Calls returns the dates fetched so far.
func (f *Fetcher) Calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

// FetchActivity implements vendors.Fetcher.
func (f *Fetcher) FetchActivity(ctx context.Context, date time.Time, _ domain.Tokens) (domain.ActivityPayload, error) {
	if err := ctx.Err(); err != nil {
		return domain.ActivityPayload{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, date)
	if len(f.failNext) > 0 {
		err := f.failNext[0]
		f.failNext = f.failNext[1:]
		return domain.ActivityPayload{}, err
	}
	k := key(date)
	if err, ok := f.errs[k]; ok {
		return domain.ActivityPayload{}, err
	}
	if payload, ok := f.payloads[k]; ok {
		if payload.Date.IsZero() {
			payload.Date = domain.CalendarDate(date)
		}
		return payload, nil
	}
	if f.fallback != nil {
		return domain.ActivityPayload{}, f.fallback
	}
	return domain.ActivityPayload{Date: domain.CalendarDate(date)}, nil
}

// Seeded generates plausible daily activity from a fixed seed, so repeated runs produce the
// same series.
type Seeded struct {
	mu     sync.Mutex
	source *rand.Rand
}

// NewSeeded constructs a Seeded fetcher.
func NewSeeded(seed int64) *Seeded {
	return &Seeded{source: rand.New(rand.NewSource(seed))}
}

// FetchActivity implements vendors.Fetcher.
func (s *Seeded) FetchActivity(_ context.Context, date time.Time, _ domain.Tokens) (domain.ActivityPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hr := 60 + float64(s.source.Intn(30))
	distance := float64(s.source.Intn(1000)) / 100
	return domain.ActivityPayload{
		Date:           domain.CalendarDate(date),
		Steps:          2000 + s.source.Intn(10000),
		CaloriesBurned: 200 + s.source.Intn(600),
		ActiveMinutes:  10 + s.source.Intn(90),
		BMREstimate:    1500 + s.source.Intn(300),
		HeartRateAvg:   &hr,
		Distance:       &distance,
		SourceDevice:   "fixture",
	}, nil
}

func key(t time.Time) string {
	return domain.CalendarDate(t).Format(domain.DateLayout)
}
