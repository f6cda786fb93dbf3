package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/devicesync/internal/domain"
)

// GatewayClient reads activity from an aggregation gateway that already normalizes vendor
// data (Garmin, Whoop, Polar, Oura and the rest) into one JSON shape.
type GatewayClient struct {
	baseURL    string
	deviceType domain.DeviceType
	client     *http.Client
}

// NewGatewayClient constructs a GatewayClient for one vendor.
func NewGatewayClient(baseURL string, deviceType domain.DeviceType, client *http.Client) *GatewayClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GatewayClient{baseURL: strings.TrimRight(baseURL, "/"), deviceType: deviceType, client: client}
}

type gatewayActivity struct {
	Steps             int      `json:"steps"`
	CaloriesBurned    int      `json:"caloriesBurned"`
	ActiveMinutes     int      `json:"activeMinutes"`
	BMREstimate       int      `json:"bmrEstimate"`
	HeartRateAvg      *float64 `json:"heartRateAvg"`
	Weight            *float64 `json:"weight"`
	BodyFatPercentage *float64 `json:"bodyFatPercentage"`
	SleepHours        *float64 `json:"sleepHours"`
	Distance          *float64 `json:"distance"`
	SourceDevice      string   `json:"sourceDevice"`
}

// FetchActivity implements Fetcher.
func (c *GatewayClient) FetchActivity(ctx context.Context, date time.Time, tokens domain.Tokens) (domain.ActivityPayload, error) {
	source := strings.ToLower(string(c.deviceType))
	if tokens.AccessToken == "" {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: source, Err: ErrMissingCredentials}
	}

	day := domain.CalendarDate(date)
	query := url.Values{}
	query.Set("vendor", string(c.deviceType))
	query.Set("date", day.Format(domain.DateLayout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/activity?"+query.Encode(), nil)
	if err != nil {
		return domain.ActivityPayload{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: source, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: source, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: source, Err: ErrUnauthorized}
	}
	if resp.StatusCode >= 300 {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: source, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var parsed gatewayActivity
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.ActivityPayload{}, &domain.UpstreamError{Source: source, Err: fmt.Errorf("decode activity: %w", err)}
	}

	sourceDevice := parsed.SourceDevice
	if sourceDevice == "" {
		sourceDevice = string(c.deviceType)
	}
	return domain.ActivityPayload{
		Date:           day,
		Steps:          parsed.Steps,
		CaloriesBurned: parsed.CaloriesBurned,
		ActiveMinutes:  parsed.ActiveMinutes,
		BMREstimate:    parsed.BMREstimate,
		HeartRateAvg:   parsed.HeartRateAvg,
		Weight:         parsed.Weight,
		BodyFatPercent: parsed.BodyFatPercentage,
		SleepHours:     parsed.SleepHours,
		Distance:       parsed.Distance,
		SourceDevice:   sourceDevice,
		Raw:            body,
	}, nil
}
