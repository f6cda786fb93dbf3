// Package api exposes the device sync HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/auth"
	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/insight"
	"example.com/devicesync/internal/logging"
	"example.com/devicesync/internal/registry"
	"example.com/devicesync/internal/syncer"
)

const maxBodyBytes = 1 << 20

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DeviceService manages device connections.
type DeviceService interface {
	Connect(ctx context.Context, in registry.ConnectInput) (domain.Device, error)
	Disconnect(ctx context.Context, ownerID, deviceID string) (domain.Device, error)
	List(ctx context.Context, ownerID string) ([]domain.Device, error)
}

// SyncService merges pushed and pulled activity.
type SyncService interface {
	SyncOne(ctx context.Context, ownerID, deviceID string, payload domain.ActivityPayload) (domain.ActivityRecord, error)
	SyncBulk(ctx context.Context, ownerID, deviceID string, payloads []domain.ActivityPayload) (syncer.BulkResult, error)
	SyncAll(ctx context.Context, ownerID string) (syncer.SyncAllResult, error)
	TestConnection(ctx context.Context, ownerID, deviceID string) (syncer.ConnectionTest, error)
}

// ActivityReader reads the ledger.
type ActivityReader interface {
	Range(ctx context.Context, query domain.RangeQuery) ([]domain.ActivityRecord, error)
}

// BalanceService computes daily energy balances.
type BalanceService interface {
	Compute(ctx context.Context, ownerID string, date time.Time) (*domain.DailyBalance, error)
}

// AnalyticsService summarises a device's recent activity.
type AnalyticsService interface {
	Analyze(ctx context.Context, ownerID, deviceID string, windowDays int) (domain.ActivityAnalytics, error)
}

// InsightService writes coaching notes for a day's balance.
type InsightService interface {
	BalanceInsight(ctx context.Context, ownerID string, date time.Time) (insight.Insight, error)
}

// Services bundles the components the handlers call.
type Services struct {
	Devices   DeviceService
	Sync      SyncService
	Activity  ActivityReader
	Balance   BalanceService
	Analytics AnalyticsService
	Insights  InsightService
}

// Options tunes the router's edge middleware.
type Options struct {
	CORSOrigins        []string
	RateLimitPerMinute int
}

// Handler coordinates HTTP requests with the sync services.
type Handler struct {
	services  Services
	logger    logrus.FieldLogger
	validator *requestValidator
}

// NewHandler builds a Handler.
func NewHandler(services Services, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{services: services, logger: logger, validator: newRequestValidator()}
}

// Routes builds the router. Everything except /healthz and /metrics requires a bearer token.
func (h *Handler) Routes(authn auth.Middleware, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.Middleware(h.logger))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
	}

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authn.Wrap)
		r.Route("/devices", func(r chi.Router) {
			read := r.With(auth.RequireScope(auth.ScopeDevicesRead, auth.ScopeDevicesWrite))
			write := r.With(auth.RequireScope(auth.ScopeDevicesWrite))

			read.Get("/", h.listDevices)
			write.Post("/connect", h.connectDevice)
			write.Post("/sync-all", h.syncAll)
			read.Get("/activity/{startDate}/{endDate}", h.activityRange)
			read.Get("/balance/{date}", h.dailyBalance)
			read.Get("/balance/{date}/insight", h.balanceInsight)
			write.Delete("/{id}", h.disconnectDevice)
			write.Post("/{id}/sync", h.syncDevice)
			write.Post("/{id}/test", h.testConnection)
			read.Get("/{id}/analytics", h.deviceAnalytics)
		})
	})
	return r
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.services.Devices.List(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, toDeviceView(d))
	}
	writeData(w, http.StatusOK, views)
}

func (h *Handler) connectDevice(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	device, err := h.services.Devices.Connect(r.Context(), registry.ConnectInput{
		OwnerID:      auth.OwnerID(r.Context()),
		DeviceType:   req.DeviceType,
		DeviceName:   req.DeviceName,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, toDeviceView(device))
}

func (h *Handler) disconnectDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.services.Devices.Disconnect(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toDeviceView(device))
}

func (h *Handler) syncDevice(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	body := bytes.TrimSpace(req.ActivityData)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		writeError(w, http.StatusBadRequest, "activityData is required")
		return
	}

	owner := auth.OwnerID(r.Context())
	deviceID := chi.URLParam(r, "id")

	if body[0] != '[' {
		payload, err := h.parseActivity(body)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		record, err := h.services.Sync.SyncOne(r.Context(), owner, deviceID, payload)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		writeData(w, http.StatusOK, toActivityView(record))
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeError(w, http.StatusBadRequest, "activityData must be an object or an array of objects")
		return
	}

	view := BulkSyncView{}
	payloads := make([]domain.ActivityPayload, 0, len(items))
	positions := make([]int, 0, len(items))
	for i, item := range items {
		payload, err := h.parseActivity(item)
		if err != nil {
			view.Failed++
			view.Errors = append(view.Errors, ItemErrorView{Index: i, Error: err.Error()})
			continue
		}
		payloads = append(payloads, payload)
		positions = append(positions, i)
	}

	result, err := h.services.Sync.SyncBulk(r.Context(), owner, deviceID, payloads)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	view.Records = toActivityViews(result.Records)
	view.Failed += result.Failed
	for _, itemErr := range result.Errors {
		view.Errors = append(view.Errors, ItemErrorView{Index: positions[itemErr.Index], Error: itemErr.Err.Error()})
	}
	writeData(w, http.StatusOK, view)
}

func (h *Handler) parseActivity(raw json.RawMessage) (domain.ActivityPayload, error) {
	var req ActivityRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return domain.ActivityPayload{}, &domain.ValidationError{Field: "activityData", Reason: "malformed activity object"}
	}
	if err := h.validator.Validate(req); err != nil {
		return domain.ActivityPayload{}, err
	}
	return req.toPayload(raw), nil
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Sync.TestConnection(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toConnectionTestView(result))
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Sync.SyncAll(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toSyncAllView(result))
}

func (h *Handler) activityRange(w http.ResponseWriter, r *http.Request) {
	start, err := parseDate("startDate", chi.URLParam(r, "startDate"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	end, err := parseDate("endDate", chi.URLParam(r, "endDate"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	records, err := h.services.Activity.Range(r.Context(), domain.RangeQuery{
		OwnerID:  auth.OwnerID(r.Context()),
		DeviceID: r.URL.Query().Get("deviceId"),
		Start:    start,
		End:      end,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toActivityViews(records))
}

func (h *Handler) dailyBalance(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate("date", chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	b, err := h.services.Balance.Compute(r.Context(), auth.OwnerID(r.Context()), date)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toBalanceView(b))
}

func (h *Handler) balanceInsight(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate("date", chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	note, err := h.services.Insights.BalanceInsight(r.Context(), auth.OwnerID(r.Context()), date)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toInsightView(note))
}

func (h *Handler) deviceAnalytics(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid days: must be a positive integer")
			return
		}
		days = parsed
	}

	summary, err := h.services.Analytics.Analyze(r.Context(), auth.OwnerID(r.Context()), chi.URLParam(r, "id"), days)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, toAnalyticsView(summary))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return false
	}
	return true
}

// parseDate accepts exactly YYYY-MM-DD and a real calendar day.
func parseDate(field, raw string) (time.Time, error) {
	if !datePattern.MatchString(raw) {
		return time.Time{}, &domain.ValidationError{Field: field, Reason: "expected YYYY-MM-DD"}
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: field, Reason: "not a calendar date"}
	}
	return t, nil
}
