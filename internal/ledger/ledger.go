// Package ledger merges normalized activity payloads into the per-user, per-device,
// per-day activity ledger.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/observability"
)

// Ledger applies the last-write-wins merge rule on top of an ActivityRepository.
type Ledger struct {
	repo domain.ActivityRepository
	now  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for sync timestamps and the default date.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New constructs a Ledger.
func New(repo domain.ActivityRepository, opts ...Option) *Ledger {
	l := &Ledger{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Merge writes payload under (ownerID, deviceID, payload date or today). An existing record for
// the key has every measured field replaced; nothing is summed or averaged.
func (l *Ledger) Merge(ctx context.Context, ownerID, deviceID string, payload domain.ActivityPayload) (domain.ActivityRecord, error) {
	if err := payload.Validate(); err != nil {
		observability.RecordLedgerMergeFailure()
		return domain.ActivityRecord{}, err
	}

	now := l.now()
	date := payload.Date
	if date.IsZero() {
		date = now
	}
	key := domain.NewLedgerKey(ownerID, deviceID, date)

	raw, err := snapshot(payload)
	if err != nil {
		observability.RecordLedgerMergeFailure()
		return domain.ActivityRecord{}, err
	}

	record := domain.ActivityRecord{
		OwnerID:  key.OwnerID,
		DeviceID: key.DeviceID,
		Date:     key.Date,
	}
	record.ApplyPayload(payload, raw, now)

	stored, err := l.repo.UpsertActivityRecord(ctx, record)
	if err != nil {
		observability.RecordLedgerMergeFailure()
		return domain.ActivityRecord{}, fmt.Errorf("upsert activity record %s/%s: %w", deviceID, key.Date.Format(domain.DateLayout), err)
	}
	observability.RecordLedgerMerge(stored.SyncedAt)
	return stored, nil
}

// Get returns the record for key or domain.ErrRecordNotFound.
func (l *Ledger) Get(ctx context.Context, key domain.LedgerKey) (*domain.ActivityRecord, error) {
	record, err := l.repo.FindActivityRecord(ctx, domain.NewLedgerKey(key.OwnerID, key.DeviceID, key.Date))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrRecordNotFound
	}
	return record, nil
}

// Range returns the owner's records between two calendar days inclusive, ordered by date.
func (l *Ledger) Range(ctx context.Context, query domain.RangeQuery) ([]domain.ActivityRecord, error) {
	query.Start = domain.CalendarDate(query.Start)
	query.End = domain.CalendarDate(query.End)
	if query.End.Before(query.Start) {
		return nil, &domain.ValidationError{Field: "endDate", Reason: "must not be before startDate"}
	}
	return l.repo.FindActivityRecordsInRange(ctx, query)
}

// snapshot keeps the vendor's original payload when one was captured, otherwise the
// normalized payload itself, so every record carries an auditable copy of its input.
func snapshot(payload domain.ActivityPayload) (json.RawMessage, error) {
	if len(payload.Raw) > 0 && json.Valid(payload.Raw) {
		return append(json.RawMessage(nil), payload.Raw...), nil
	}
	body, err := json.Marshal(payloadSnapshot{
		Date:           dateString(payload.Date),
		Steps:          payload.Steps,
		CaloriesBurned: payload.CaloriesBurned,
		ActiveMinutes:  payload.ActiveMinutes,
		BMREstimate:    payload.BMREstimate,
		HeartRateAvg:   payload.HeartRateAvg,
		Weight:         payload.Weight,
		BodyFatPercent: payload.BodyFatPercent,
		SleepHours:     payload.SleepHours,
		Distance:       payload.Distance,
		SourceDevice:   payload.SourceDevice,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot payload: %w", err)
	}
	return body, nil
}

type payloadSnapshot struct {
	Date           string   `json:"date,omitempty"`
	Steps          int      `json:"steps"`
	CaloriesBurned int      `json:"calories_burned"`
	ActiveMinutes  int      `json:"active_minutes"`
	BMREstimate    int      `json:"bmr_estimate"`
	HeartRateAvg   *float64 `json:"heart_rate_avg,omitempty"`
	Weight         *float64 `json:"weight,omitempty"`
	BodyFatPercent *float64 `json:"body_fat_percentage,omitempty"`
	SleepHours     *float64 `json:"sleep_hours,omitempty"`
	Distance       *float64 `json:"distance,omitempty"`
	SourceDevice   string   `json:"source_device,omitempty"`
}

func dateString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return domain.CalendarDate(t).Format(domain.DateLayout)
}
