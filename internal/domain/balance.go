package domain

import "time"

// BalanceStatus is the three-tier classification of a day's surplus or deficit.
type BalanceStatus string

const (
	BalanceStatusBalanced             BalanceStatus = "balanced"
	BalanceStatusSlightImbalance      BalanceStatus = "slight_imbalance"
	BalanceStatusSignificantImbalance BalanceStatus = "significant_imbalance"
)

// DailyBalance combines intake and expenditure for one calendar day.
type DailyBalance struct {
	Date           time.Time
	CaloriesIn     int
	CaloriesOut    int
	Balance        int
	BalanceRatio   float64
	BalancePercent int
	Status         BalanceStatus
	DeviceID       string
}

// Trend is the coarse direction of a metric series.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// ActivityAnalytics summarises a window of ledger records for one device.
type ActivityAnalytics struct {
	DeviceID             string
	WindowDays           int
	Start                time.Time
	End                  time.Time
	Count                int
	AverageSteps         int
	AverageCalories      int
	AverageActiveMinutes int
	StepsTrend           Trend
	CaloriesTrend        Trend
	ActiveMinutesTrend   Trend
}
