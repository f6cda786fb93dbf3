// Package balance derives a day's energy balance from the activity ledger and recorded intake.
package balance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"example.com/devicesync/internal/domain"
)

const (
	balancedThreshold = 0.10
	slightThreshold   = 0.25
)

// Calculator joins intake (energy in) with ledger expenditure (energy out).
type Calculator struct {
	activity domain.ActivityRepository
	intake   domain.IntakeRepository
}

// New constructs a Calculator.
func New(activity domain.ActivityRepository, intake domain.IntakeRepository) *Calculator {
	return &Calculator{activity: activity, intake: intake}
}

// Compute returns the owner's balance for date's calendar day, or nil when there is no activity
// record for the day or it reports no expenditure. "No data" is never reported as balanced.
func (c *Calculator) Compute(ctx context.Context, ownerID string, date time.Time) (*domain.DailyBalance, error) {
	day := domain.CalendarDate(date)

	records, err := c.activity.FindActivityRecordsInRange(ctx, domain.RangeQuery{OwnerID: ownerID, Start: day, End: day})
	if err != nil {
		return nil, fmt.Errorf("find activity for %s: %w", day.Format(domain.DateLayout), err)
	}
	record, ok := latest(records)
	if !ok {
		return nil, nil
	}

	intake, err := c.intake.FindIntakeRecordsInRange(ctx, ownerID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("find intake for %s: %w", day.Format(domain.DateLayout), err)
	}
	caloriesIn := 0
	for _, entry := range intake {
		caloriesIn += entry.Calories
	}

	return FromTotals(day, caloriesIn, record.CaloriesOut(), record.DeviceID), nil
}

// FromTotals classifies already-summed totals. It returns nil when caloriesOut is not positive.
func FromTotals(date time.Time, caloriesIn, caloriesOut int, deviceID string) *domain.DailyBalance {
	if caloriesOut <= 0 {
		return nil
	}
	diff := caloriesIn - caloriesOut
	ratio := math.Abs(float64(diff)) / float64(caloriesOut)
	return &domain.DailyBalance{
		Date:           domain.CalendarDate(date),
		CaloriesIn:     caloriesIn,
		CaloriesOut:    caloriesOut,
		Balance:        diff,
		BalanceRatio:   ratio,
		BalancePercent: int(math.Round(ratio * 100)),
		Status:         Classify(ratio),
		DeviceID:       deviceID,
	}
}

// Classify maps |balance| / caloriesOut onto a status. Both thresholds are inclusive.
func Classify(ratio float64) domain.BalanceStatus {
	switch {
	case ratio <= balancedThreshold:
		return domain.BalanceStatusBalanced
	case ratio <= slightThreshold:
		return domain.BalanceStatusSlightImbalance
	default:
		return domain.BalanceStatusSignificantImbalance
	}
}

// latest picks the most recently synced record; equal sync times fall back to device ID order.
func latest(records []domain.ActivityRecord) (domain.ActivityRecord, bool) {
	if len(records) == 0 {
		return domain.ActivityRecord{}, false
	}
	sorted := append([]domain.ActivityRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].SyncedAt.Equal(sorted[j].SyncedAt) {
			return sorted[i].SyncedAt.After(sorted[j].SyncedAt)
		}
		return sorted[i].DeviceID < sorted[j].DeviceID
	})
	return sorted[0], true
}
