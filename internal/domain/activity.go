package domain

import (
	"encoding/json"
	"time"
)

// CalendarDate truncates t to its calendar day, expressed as midnight UTC. The ledger keys every
// record by this value so that the time of day a sync happens never produces a second row.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// LedgerKey identifies exactly one ActivityRecord.
type LedgerKey struct {
	OwnerID  string
	DeviceID string
	Date     time.Time
}

// NewLedgerKey builds a key with the date truncated to the calendar day.
func NewLedgerKey(ownerID, deviceID string, date time.Time) LedgerKey {
	return LedgerKey{OwnerID: ownerID, DeviceID: deviceID, Date: CalendarDate(date)}
}

// ActivityPayload is the normalized activity sample for one day, as delivered by a vendor
// adapter or pushed by the client agent.
type ActivityPayload struct {
	Date           time.Time
	Steps          int
	CaloriesBurned int
	ActiveMinutes  int
	BMREstimate    int
	HeartRateAvg   *float64
	Weight         *float64
	BodyFatPercent *float64
	SleepHours     *float64
	Distance       *float64
	SourceDevice   string
	Raw            json.RawMessage
}

// Validate rejects payloads that cannot be merged into the ledger.
func (p ActivityPayload) Validate() error {
	switch {
	case p.Steps < 0:
		return &ValidationError{Field: "steps", Reason: "must be >= 0"}
	case p.CaloriesBurned < 0:
		return &ValidationError{Field: "caloriesBurned", Reason: "must be >= 0"}
	case p.ActiveMinutes < 0:
		return &ValidationError{Field: "activeMinutes", Reason: "must be >= 0"}
	case p.BMREstimate < 0:
		return &ValidationError{Field: "bmrEstimate", Reason: "must be >= 0"}
	}
	for field, v := range map[string]*float64{
		"heartRateAvg":      p.HeartRateAvg,
		"weight":            p.Weight,
		"bodyFatPercentage": p.BodyFatPercent,
		"sleepHours":        p.SleepHours,
		"distance":          p.Distance,
	} {
		if v != nil && *v < 0 {
			return &ValidationError{Field: field, Reason: "must be >= 0"}
		}
	}
	if p.BodyFatPercent != nil && *p.BodyFatPercent > 100 {
		return &ValidationError{Field: "bodyFatPercentage", Reason: "must be <= 100"}
	}
	if p.SleepHours != nil && *p.SleepHours > 24 {
		return &ValidationError{Field: "sleepHours", Reason: "must be <= 24"}
	}
	return nil
}

// ActivityRecord is the ledger row for one (owner, device, calendar day).
type ActivityRecord struct {
	OwnerID        string
	DeviceID       string
	Date           time.Time
	Steps          int
	CaloriesBurned int
	ActiveMinutes  int
	BMREstimate    int
	HeartRateAvg   *float64
	Weight         *float64
	BodyFatPercent *float64
	SleepHours     *float64
	Distance       *float64
	SourceDevice   string
	SyncedAt       time.Time
	RawPayload     json.RawMessage
	CreatedAt      time.Time
}

// Key returns the ledger key of the record.
func (r ActivityRecord) Key() LedgerKey {
	return NewLedgerKey(r.OwnerID, r.DeviceID, r.Date)
}

// CaloriesOut is the energy expenditure for the day: activity calories plus BMR.
func (r ActivityRecord) CaloriesOut() int {
	return r.CaloriesBurned + r.BMREstimate
}

// ApplyPayload overwrites every measured field with the payload's values. Fields absent from
// the payload are cleared rather than kept: the latest sync wins outright.
func (r *ActivityRecord) ApplyPayload(p ActivityPayload, raw json.RawMessage, syncedAt time.Time) {
	r.Steps = p.Steps
	r.CaloriesBurned = p.CaloriesBurned
	r.ActiveMinutes = p.ActiveMinutes
	r.BMREstimate = p.BMREstimate
	r.HeartRateAvg = p.HeartRateAvg
	r.Weight = p.Weight
	r.BodyFatPercent = p.BodyFatPercent
	r.SleepHours = p.SleepHours
	r.Distance = p.Distance
	r.SourceDevice = p.SourceDevice
	r.RawPayload = raw
	r.SyncedAt = syncedAt
}

// RangeQuery selects ledger records between two calendar days, both inclusive.
// An empty DeviceID selects records of every device the owner has.
type RangeQuery struct {
	OwnerID  string
	DeviceID string
	Start    time.Time
	End      time.Time
}

// IntakeRecord is a nutrition entry recorded by the meal-tracking side of the product.
type IntakeRecord struct {
	ID         string
	OwnerID    string
	Calories   int
	ConsumedAt time.Time
	Source     string
	CreatedAt  time.Time
}

// BackfillReport summarises an initial backfill. Backfills never fail as a whole.
type BackfillReport struct {
	DeviceID string
	Days     int
	Merged   int
	Failed   int
	Skipped  int
}
