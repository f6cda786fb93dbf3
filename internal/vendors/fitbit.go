package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/devicesync/internal/domain"
)

// FitbitClient reads the daily activity summary from the Fitbit Web API.
type FitbitClient struct {
	baseURL string
	client  *http.Client
}

// NewFitbitClient constructs a FitbitClient.
func NewFitbitClient(baseURL string, client *http.Client) *FitbitClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FitbitClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type fitbitDailyActivity struct {
	Summary struct {
		Steps               int     `json:"steps"`
		CaloriesOut         int     `json:"caloriesOut"`
		CaloriesBMR         int     `json:"caloriesBMR"`
		VeryActiveMinutes   int     `json:"veryActiveMinutes"`
		FairlyActiveMinutes int     `json:"fairlyActiveMinutes"`
		RestingHeartRate    float64 `json:"restingHeartRate"`
		Distances           []struct {
			Activity string  `json:"activity"`
			Distance float64 `json:"distance"`
		} `json:"distances"`
	} `json:"summary"`
}

// FetchActivity implements Fetcher.
func (c *FitbitClient) FetchActivity(ctx context.Context, date time.Time, tokens domain.Tokens) (domain.ActivityPayload, error) {
	if tokens.AccessToken == "" {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "fitbit", Err: ErrMissingCredentials}
	}

	day := domain.CalendarDate(date)
	url := fmt.Sprintf("%s/1/user/-/activities/date/%s.json", c.baseURL, day.Format(domain.DateLayout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ActivityPayload{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "fitbit", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "fitbit", Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "fitbit", Err: ErrUnauthorized}
	}
	if resp.StatusCode >= 300 {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "fitbit", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var parsed fitbitDailyActivity
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: "fitbit", Err: fmt.Errorf("decode summary: %w", err)}
	}

	s := parsed.Summary
	burned := s.CaloriesOut - s.CaloriesBMR
	if burned < 0 {
		burned = 0
	}
	payload := domain.ActivityPayload{
		Date:           day,
		Steps:          s.Steps,
		CaloriesBurned: burned,
		ActiveMinutes:  s.VeryActiveMinutes + s.FairlyActiveMinutes,
		BMREstimate:    s.CaloriesBMR,
		SourceDevice:   "Fitbit",
		Raw:            body,
	}
	if s.RestingHeartRate > 0 {
		hr := s.RestingHeartRate
		payload.HeartRateAvg = &hr
	}
	for _, d := range s.Distances {
		if d.Activity == "total" {
			distance := d.Distance
			payload.Distance = &distance
			break
		}
	}
	return payload, nil
}
