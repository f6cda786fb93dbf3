package api

import (
	"encoding/json"
	"time"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/insight"
	"example.com/devicesync/internal/syncer"
)

// ConnectRequest is the payload for POST /devices/connect.
type ConnectRequest struct {
	DeviceType   string     `json:"deviceType" validate:"required"`
	DeviceName   string     `json:"deviceName" validate:"required,max=100"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// SyncRequest is the payload for POST /devices/{id}/sync. ActivityData holds one ActivityRequest
// object or an array of them.
type SyncRequest struct {
	ActivityData json.RawMessage `json:"activityData"`
}

// ActivityRequest is one day of activity as pushed by a client.
type ActivityRequest struct {
	Date              string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Steps             int      `json:"steps" validate:"gte=0"`
	CaloriesBurned    int      `json:"caloriesBurned" validate:"gte=0"`
	ActiveMinutes     int      `json:"activeMinutes" validate:"gte=0,lte=1440"`
	BMREstimate       int      `json:"bmrEstimate" validate:"gte=0"`
	HeartRateAvg      *float64 `json:"heartRateAvg,omitempty" validate:"omitempty,gte=0"`
	Weight            *float64 `json:"weight,omitempty" validate:"omitempty,gte=0"`
	BodyFatPercentage *float64 `json:"bodyFatPercentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	SleepHours        *float64 `json:"sleepHours,omitempty" validate:"omitempty,gte=0,lte=24"`
	Distance          *float64 `json:"distance,omitempty" validate:"omitempty,gte=0"`
	SourceDevice      string   `json:"sourceDevice,omitempty" validate:"max=100"`
}

// toPayload converts a validated request. raw is kept as the audit snapshot.
func (r ActivityRequest) toPayload(raw json.RawMessage) domain.ActivityPayload {
	payload := domain.ActivityPayload{
		Steps:          r.Steps,
		CaloriesBurned: r.CaloriesBurned,
		ActiveMinutes:  r.ActiveMinutes,
		BMREstimate:    r.BMREstimate,
		HeartRateAvg:   r.HeartRateAvg,
		Weight:         r.Weight,
		BodyFatPercent: r.BodyFatPercentage,
		SleepHours:     r.SleepHours,
		Distance:       r.Distance,
		SourceDevice:   r.SourceDevice,
		Raw:            raw,
	}
	if r.Date != "" {
		// already checked by the datetime tag
		payload.Date, _ = time.Parse(domain.DateLayout, r.Date)
	}
	return payload
}

// DeviceView is a device without its credentials.
type DeviceView struct {
	ID         string     `json:"id"`
	DeviceType string     `json:"deviceType"`
	DeviceName string     `json:"deviceName"`
	Status     string     `json:"status"`
	IsPrimary  bool       `json:"isPrimary"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func toDeviceView(d domain.Device) DeviceView {
	return DeviceView{
		ID:         d.ID,
		DeviceType: string(d.Type),
		DeviceName: d.Name,
		Status:     string(d.Status),
		IsPrimary:  d.IsPrimary,
		LastSyncAt: d.LastSyncAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// ActivityView is a ledger record in the same shape clients push.
type ActivityView struct {
	DeviceID          string    `json:"deviceId"`
	Date              string    `json:"date"`
	Steps             int       `json:"steps"`
	CaloriesBurned    int       `json:"caloriesBurned"`
	ActiveMinutes     int       `json:"activeMinutes"`
	BMREstimate       int       `json:"bmrEstimate"`
	HeartRateAvg      *float64  `json:"heartRateAvg,omitempty"`
	Weight            *float64  `json:"weight,omitempty"`
	BodyFatPercentage *float64  `json:"bodyFatPercentage,omitempty"`
	SleepHours        *float64  `json:"sleepHours,omitempty"`
	Distance          *float64  `json:"distance,omitempty"`
	SourceDevice      string    `json:"sourceDevice,omitempty"`
	SyncedAt          time.Time `json:"syncedAt"`
}

func toActivityView(r domain.ActivityRecord) ActivityView {
	return ActivityView{
		DeviceID:          r.DeviceID,
		Date:              r.Date.Format(domain.DateLayout),
		Steps:             r.Steps,
		CaloriesBurned:    r.CaloriesBurned,
		ActiveMinutes:     r.ActiveMinutes,
		BMREstimate:       r.BMREstimate,
		HeartRateAvg:      r.HeartRateAvg,
		Weight:            r.Weight,
		BodyFatPercentage: r.BodyFatPercent,
		SleepHours:        r.SleepHours,
		Distance:          r.Distance,
		SourceDevice:      r.SourceDevice,
		SyncedAt:          r.SyncedAt,
	}
}

func toActivityViews(records []domain.ActivityRecord) []ActivityView {
	out := make([]ActivityView, 0, len(records))
	for _, r := range records {
		out = append(out, toActivityView(r))
	}
	return out
}

// BulkSyncView reports a multi-day push. Errors are keyed by the index of the rejected item.
type BulkSyncView struct {
	Records []ActivityView  `json:"records"`
	Failed  int             `json:"failed"`
	Errors  []ItemErrorView `json:"errors,omitempty"`
}

// ItemErrorView describes one rejected item of a bulk push.
type ItemErrorView struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BalanceView is a day's energy balance.
type BalanceView struct {
	Date           string `json:"date"`
	CaloriesIn     int    `json:"caloriesIn"`
	CaloriesOut    int    `json:"caloriesOut"`
	Balance        int    `json:"balance"`
	BalancePercent int    `json:"balancePercent"`
	Status         string `json:"status"`
}

func toBalanceView(b *domain.DailyBalance) *BalanceView {
	if b == nil {
		return nil
	}
	return &BalanceView{
		Date:           b.Date.Format(domain.DateLayout),
		CaloriesIn:     b.CaloriesIn,
		CaloriesOut:    b.CaloriesOut,
		Balance:        b.Balance,
		BalancePercent: b.BalancePercent,
		Status:         string(b.Status),
	}
}

// InsightView is a coaching note with the balance it was written for.
type InsightView struct {
	Date    string       `json:"date"`
	Balance *BalanceView `json:"balance"`
	Message string       `json:"message"`
	Backend string       `json:"backend"`
}

func toInsightView(in insight.Insight) InsightView {
	return InsightView{
		Date:    in.Date.Format(domain.DateLayout),
		Balance: toBalanceView(in.Balance),
		Message: in.Message,
		Backend: in.Backend,
	}
}

// AnalyticsView summarises a device's recent ledger.
type AnalyticsView struct {
	DeviceID             string `json:"deviceId"`
	Days                 int    `json:"days"`
	StartDate            string `json:"startDate"`
	EndDate              string `json:"endDate"`
	Count                int    `json:"count"`
	AverageSteps         int    `json:"averageSteps"`
	AverageCalories      int    `json:"averageCalories"`
	AverageActiveMinutes int    `json:"averageActiveMinutes"`
	Trends               struct {
		Steps         string `json:"steps"`
		Calories      string `json:"calories"`
		ActiveMinutes string `json:"activeMinutes"`
	} `json:"trends"`
}

func toAnalyticsView(a domain.ActivityAnalytics) AnalyticsView {
	view := AnalyticsView{
		DeviceID:             a.DeviceID,
		Days:                 a.WindowDays,
		StartDate:            a.Start.Format(domain.DateLayout),
		EndDate:              a.End.Format(domain.DateLayout),
		Count:                a.Count,
		AverageSteps:         a.AverageSteps,
		AverageCalories:      a.AverageCalories,
		AverageActiveMinutes: a.AverageActiveMinutes,
	}
	view.Trends.Steps = string(a.StepsTrend)
	view.Trends.Calories = string(a.CaloriesTrend)
	view.Trends.ActiveMinutes = string(a.ActiveMinutesTrend)
	return view
}

// SyncAllView reports a refresh of every connected device.
type SyncAllView struct {
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Devices   []DeviceOutcomeView `json:"devices"`
}

// DeviceOutcomeView is one device's line in SyncAllView.
type DeviceOutcomeView struct {
	DeviceID   string        `json:"deviceId"`
	DeviceType string        `json:"deviceType"`
	Result     string        `json:"result"`
	Reason     string        `json:"reason,omitempty"`
	Record     *ActivityView `json:"record,omitempty"`
}

func toSyncAllView(res syncer.SyncAllResult) SyncAllView {
	view := SyncAllView{
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Devices:   make([]DeviceOutcomeView, 0, len(res.Devices)),
	}
	for _, d := range res.Devices {
		line := DeviceOutcomeView{
			DeviceID:   d.DeviceID,
			DeviceType: string(d.DeviceType),
			Result:     d.Result,
			Reason:     d.Reason,
		}
		if d.Record != nil {
			rec := toActivityView(*d.Record)
			line.Record = &rec
		}
		view.Devices = append(view.Devices, line)
	}
	return view
}

// ConnectionTestView reports whether a device's vendor API answered.
type ConnectionTestView struct {
	DeviceID string        `json:"deviceId"`
	OK       bool          `json:"ok"`
	Message  string        `json:"message"`
	Sample   *ActivityView `json:"sample,omitempty"`
}

func toConnectionTestView(res syncer.ConnectionTest) ConnectionTestView {
	view := ConnectionTestView{DeviceID: res.DeviceID, OK: res.OK, Message: res.Message}
	if p := res.Payload; p != nil {
		view.Sample = &ActivityView{
			DeviceID:          res.DeviceID,
			Date:              domain.CalendarDate(p.Date).Format(domain.DateLayout),
			Steps:             p.Steps,
			CaloriesBurned:    p.CaloriesBurned,
			ActiveMinutes:     p.ActiveMinutes,
			BMREstimate:       p.BMREstimate,
			HeartRateAvg:      p.HeartRateAvg,
			Weight:            p.Weight,
			BodyFatPercentage: p.BodyFatPercent,
			SleepHours:        p.SleepHours,
			Distance:          p.Distance,
			SourceDevice:      p.SourceDevice,
		}
	}
	return view
}
