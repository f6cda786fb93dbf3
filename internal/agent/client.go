package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultClientTimeout = 30 * time.Second

// ActivityData is one day of activity in the server's sync wire format.
type ActivityData struct {
	Date              string   `json:"date"`
	Steps             int      `json:"steps"`
	CaloriesBurned    int      `json:"caloriesBurned"`
	ActiveMinutes     int      `json:"activeMinutes"`
	BMREstimate       int      `json:"bmrEstimate"`
	HeartRateAvg      *float64 `json:"heartRateAvg,omitempty"`
	Weight            *float64 `json:"weight,omitempty"`
	BodyFatPercentage *float64 `json:"bodyFatPercentage,omitempty"`
	SleepHours        *float64 `json:"sleepHours,omitempty"`
	Distance          *float64 `json:"distance,omitempty"`
	SourceDevice      string   `json:"sourceDevice,omitempty"`
}

// RemoteDevice is a device as listed by the server.
type RemoteDevice struct {
	ID         string     `json:"id"`
	DeviceType string     `json:"deviceType"`
	DeviceName string     `json:"deviceName"`
	Status     string     `json:"status"`
	IsPrimary  bool       `json:"isPrimary"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

// BalanceView is a day's energy balance as the server reports it.
type BalanceView struct {
	Date           string `json:"date"`
	CaloriesIn     int    `json:"caloriesIn"`
	CaloriesOut    int    `json:"caloriesOut"`
	Balance        int    `json:"balance"`
	BalancePercent int    `json:"balancePercent"`
	Status         string `json:"status"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to the sync service's HTTP API with the user's bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client. A nil httpClient gets a 30s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// PushActivity sends one day through POST /devices/{id}/sync.
func (c *Client) PushActivity(ctx context.Context, deviceID string, data ActivityData) error {
	body := map[string]ActivityData{"activityData": data}
	return c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/sync", body, nil)
}

// ListDevices fetches GET /devices.
func (c *Client) ListDevices(ctx context.Context) ([]RemoteDevice, error) {
	var devices []RemoteDevice
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Balance fetches GET /devices/balance/{date}. A nil result means the server has no data.
func (c *Client) Balance(ctx context.Context, date string) (*BalanceView, error) {
	var view *BalanceView
	if err := c.do(ctx, http.MethodGet, "/devices/balance/"+url.PathEscape(date), nil, &view); err != nil {
		return nil, err
	}
	return view, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: decode response: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
