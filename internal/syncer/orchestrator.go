// Package syncer drives activity syncs: single pushes, bulk pushes, the initial backfill of a
// newly connected device and the fan-out refresh of every connected device.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/observability"
	"example.com/devicesync/internal/vault"
	"example.com/devicesync/internal/vendors"
)

const (
	defaultBackfillDays = 7
	defaultConcurrency  = 4
	tokenExpirySkew     = 10 * time.Minute
)

// Merger writes one payload into the activity ledger.
type Merger interface {
	Merge(ctx context.Context, ownerID, deviceID string, payload domain.ActivityPayload) (domain.ActivityRecord, error)
}

// TokenSource yields decrypted vendor credentials for a device.
type TokenSource interface {
	GetTokens(ctx context.Context, ownerID, deviceID string) (domain.Tokens, error)
}

// FetcherSource resolves the vendor adapter for a device type.
type FetcherSource interface {
	Fetcher(deviceType domain.DeviceType) (vendors.Fetcher, error)
}

// Orchestrator coordinates device lookups, vendor fetches and ledger merges.
type Orchestrator struct {
	devices      domain.DeviceRepository
	ledger       Merger
	fetchers     FetcherSource
	tokens       TokenSource
	logger       logrus.FieldLogger
	now          func() time.Time
	concurrency  int
	backfillDays int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used for "today" and sync timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithConcurrency bounds how many devices SyncAll refreshes at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBackfillDays sets how many trailing days (today inclusive) the initial backfill covers.
func WithBackfillDays(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.backfillDays = n
		}
	}
}

// New constructs an Orchestrator.
func New(devices domain.DeviceRepository, ledger Merger, fetchers FetcherSource, tokens TokenSource, opts ...Option) *Orchestrator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	o := &Orchestrator{
		devices:      devices,
		ledger:       ledger,
		fetchers:     fetchers,
		tokens:       tokens,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		concurrency:  defaultConcurrency,
		backfillDays: defaultBackfillDays,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BulkItemError records why one payload of a bulk sync was skipped.
type BulkItemError struct {
	Index int
	Err   error
}

// BulkResult is the outcome of SyncBulk. Records are in the order their payloads were supplied.
type BulkResult struct {
	Records []domain.ActivityRecord
	Failed  int
	Errors  []BulkItemError
}

// Sync outcomes reported per device by SyncAll.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// DeviceSyncOutcome describes what SyncAll did for one device.
type DeviceSyncOutcome struct {
	DeviceID   string
	DeviceType domain.DeviceType
	Result     string
	Reason     string
	Record     *domain.ActivityRecord
}

// SyncAllResult aggregates SyncAll per-device outcomes.
type SyncAllResult struct {
	Succeeded int
	Failed    int
	Skipped   int
	Devices   []DeviceSyncOutcome
}

// ConnectionTest is the result of probing a device's vendor API.
type ConnectionTest struct {
	DeviceID string
	OK       bool
	Message  string
	Payload  *domain.ActivityPayload
}

// SyncOne merges payload for the owner's device and marks the device CONNECTED.
func (o *Orchestrator) SyncOne(ctx context.Context, ownerID, deviceID string, payload domain.ActivityPayload) (domain.ActivityRecord, error) {
	device, err := o.ownedDevice(ctx, ownerID, deviceID)
	if err != nil {
		return domain.ActivityRecord{}, err
	}

	record, err := o.ledger.Merge(ctx, ownerID, deviceID, payload)
	if err != nil {
		observability.DeviceSyncsTotal.WithLabelValues(string(device.Type), OutcomeFailed).Inc()
		return domain.ActivityRecord{}, err
	}
	if err := o.markSynced(ctx, ownerID, deviceID); err != nil {
		return domain.ActivityRecord{}, err
	}
	observability.DeviceSyncsTotal.WithLabelValues(string(device.Type), OutcomeSucceeded).Inc()
	return record, nil
}

// SyncBulk merges payloads in the order supplied. A payload that fails is logged and skipped;
// the remaining payloads are still merged.
func (o *Orchestrator) SyncBulk(ctx context.Context, ownerID, deviceID string, payloads []domain.ActivityPayload) (BulkResult, error) {
	device, err := o.ownedDevice(ctx, ownerID, deviceID)
	if err != nil {
		return BulkResult{}, err
	}

	result := o.mergeAll(ctx, ownerID, deviceID, payloads)
	if len(result.Records) > 0 {
		if err := o.markSynced(ctx, ownerID, deviceID); err != nil {
			return result, err
		}
	}

	outcome := OutcomeSucceeded
	if result.Failed > 0 {
		outcome = OutcomeFailed
	}
	observability.DeviceSyncsTotal.WithLabelValues(string(device.Type), outcome).Inc()
	return result, nil
}

func (o *Orchestrator) mergeAll(ctx context.Context, ownerID, deviceID string, payloads []domain.ActivityPayload) BulkResult {
	result := BulkResult{Records: make([]domain.ActivityRecord, 0, len(payloads))}
	for i, payload := range payloads {
		record, err := o.ledger.Merge(ctx, ownerID, deviceID, payload)
		if err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"owner_id":  ownerID,
				"device_id": deviceID,
				"index":     i,
			}).Warn("skipping activity payload")
			result.Failed++
			result.Errors = append(result.Errors, BulkItemError{Index: i, Err: err})
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result
}

// InitialBackfill fetches the trailing days (today inclusive) from the device's vendor and merges
// them oldest first. Per-day failures are logged and counted; the device always ends CONNECTED.
func (o *Orchestrator) InitialBackfill(ctx context.Context, ownerID, deviceID string, deviceType domain.DeviceType) domain.BackfillReport {
	report := domain.BackfillReport{DeviceID: deviceID, Days: o.backfillDays}
	logger := o.logger.WithFields(logrus.Fields{
		"owner_id":    ownerID,
		"device_id":   deviceID,
		"device_type": deviceType,
	})
	defer func() {
		if err := o.devices.UpdateDeviceStatus(ctx, ownerID, deviceID, domain.DeviceStatusConnected, o.syncStamp(report.Merged)); err != nil {
			logger.WithError(err).Warn("backfill could not mark device connected")
		}
	}()

	fetcher, err := o.fetchers.Fetcher(deviceType)
	if err != nil || deviceType.PushOnly() {
		report.Skipped = report.Days
		observability.BackfillDaysTotal.WithLabelValues(OutcomeSkipped).Add(float64(report.Days))
		logger.WithError(err).Info("initial backfill skipped; data arrives from the device agent")
		return report
	}

	tokens, err := o.tokens.GetTokens(ctx, ownerID, deviceID)
	if err != nil {
		logger.WithError(err).Warn("backfill could not read credentials")
	}
	o.warnIfExpiring(logger, tokens)

	today := domain.CalendarDate(o.now())
	payloads := make([]domain.ActivityPayload, 0, o.backfillDays)
	for offset := o.backfillDays - 1; offset >= 0; offset-- {
		date := today.AddDate(0, 0, -offset)
		payload, err := fetcher.FetchActivity(ctx, date, tokens)
		if err != nil {
			report.Failed++
			observability.BackfillDaysTotal.WithLabelValues(OutcomeFailed).Inc()
			logger.WithError(err).WithField("date", date.Format(domain.DateLayout)).Warn("backfill fetch failed")
			continue
		}
		payload.Date = date
		payloads = append(payloads, payload)
	}

	merged := o.mergeAll(ctx, ownerID, deviceID, payloads)
	report.Merged = len(merged.Records)
	report.Failed += merged.Failed
	observability.BackfillDaysTotal.WithLabelValues(OutcomeSucceeded).Add(float64(report.Merged))
	if merged.Failed > 0 {
		observability.BackfillDaysTotal.WithLabelValues(OutcomeFailed).Add(float64(merged.Failed))
	}
	return report
}

// SyncAll refreshes today's activity for every CONNECTED device of the owner. Devices run
// concurrently up to the configured bound and one device's failure never affects another.
func (o *Orchestrator) SyncAll(ctx context.Context, ownerID string) (SyncAllResult, error) {
	devices, err := o.devices.ListDevices(ctx, ownerID)
	if err != nil {
		return SyncAllResult{}, fmt.Errorf("list devices: %w", err)
	}

	connected := make([]domain.Device, 0, len(devices))
	for _, device := range devices {
		if device.Connected() {
			connected = append(connected, device)
		}
	}

	outcomes := make([]DeviceSyncOutcome, len(connected))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, device := range connected {
		g.Go(func() error {
			outcomes[i] = o.refreshDevice(ctx, device)
			return nil
		})
	}
	_ = g.Wait()

	result := SyncAllResult{Devices: outcomes}
	for _, outcome := range outcomes {
		switch outcome.Result {
		case OutcomeSucceeded:
			result.Succeeded++
		case OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	o.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("sync all finished")
	return result, nil
}

func (o *Orchestrator) refreshDevice(ctx context.Context, device domain.Device) DeviceSyncOutcome {
	outcome := DeviceSyncOutcome{DeviceID: device.ID, DeviceType: device.Type}
	logger := o.logger.WithFields(logrus.Fields{
		"owner_id":    device.OwnerID,
		"device_id":   device.ID,
		"device_type": device.Type,
	})

	fetcher, err := o.fetchers.Fetcher(device.Type)
	if err != nil || device.Type.PushOnly() {
		outcome.Result = OutcomeSkipped
		outcome.Reason = "data arrives from the device agent"
		if err != nil {
			outcome.Reason = err.Error()
		}
		observability.DeviceSyncsTotal.WithLabelValues(string(device.Type), OutcomeSkipped).Inc()
		return outcome
	}

	// Rejected credentials park the device in ERROR until it is reconnected or tested. Any other
	// failure returns it to CONNECTED so the next sync-all tries it again.
	fail := func(err error) DeviceSyncOutcome {
		status := domain.DeviceStatusConnected
		if vendors.IsCredentialError(err) {
			status = domain.DeviceStatusError
		}
		logger.WithError(err).WithField("status", status).Warn("device sync failed")
		if statusErr := o.devices.UpdateDeviceStatus(ctx, device.OwnerID, device.ID, status, nil); statusErr != nil {
			logger.WithError(statusErr).Warn("could not update device status after failed sync")
		}
		observability.DeviceSyncsTotal.WithLabelValues(string(device.Type), OutcomeFailed).Inc()
		outcome.Result = OutcomeFailed
		outcome.Reason = err.Error()
		return outcome
	}

	if err := o.devices.UpdateDeviceStatus(ctx, device.OwnerID, device.ID, domain.DeviceStatusSyncing, nil); err != nil {
		return fail(err)
	}
	tokens, err := o.tokens.GetTokens(ctx, device.OwnerID, device.ID)
	if err != nil {
		return fail(err)
	}
	o.warnIfExpiring(logger, tokens)

	today := domain.CalendarDate(o.now())
	payload, err := fetcher.FetchActivity(ctx, today, tokens)
	if err != nil {
		return fail(err)
	}
	payload.Date = today

	record, err := o.SyncOne(ctx, device.OwnerID, device.ID, payload)
	if err != nil {
		return fail(err)
	}
	outcome.Result = OutcomeSucceeded
	outcome.Record = &record
	return outcome
}

// TestConnection fetches today's activity without writing it. The device is marked ERROR when
// the vendor call fails and CONNECTED when it succeeds.
func (o *Orchestrator) TestConnection(ctx context.Context, ownerID, deviceID string) (ConnectionTest, error) {
	device, err := o.ownedDevice(ctx, ownerID, deviceID)
	if err != nil {
		return ConnectionTest{}, err
	}
	test := ConnectionTest{DeviceID: device.ID}

	fetcher, err := o.fetchers.Fetcher(device.Type)
	if err != nil {
		test.Message = err.Error()
		return test, nil
	}
	tokens, err := o.tokens.GetTokens(ctx, ownerID, deviceID)
	if err != nil {
		return ConnectionTest{}, err
	}

	payload, err := fetcher.FetchActivity(ctx, domain.CalendarDate(o.now()), tokens)
	switch {
	case errors.Is(err, vendors.ErrPushOnly):
		test.OK = true
		test.Message = "data arrives from the device agent"
		return test, nil
	case err != nil:
		test.Message = err.Error()
		if statusErr := o.devices.UpdateDeviceStatus(ctx, ownerID, deviceID, domain.DeviceStatusError, nil); statusErr != nil {
			return test, fmt.Errorf("update device status: %w", statusErr)
		}
		return test, nil
	}

	if err := o.devices.UpdateDeviceStatus(ctx, ownerID, deviceID, domain.DeviceStatusConnected, nil); err != nil {
		return test, fmt.Errorf("update device status: %w", err)
	}
	test.OK = true
	test.Message = "connection ok"
	test.Payload = &payload
	return test, nil
}

func (o *Orchestrator) ownedDevice(ctx context.Context, ownerID, deviceID string) (domain.Device, error) {
	device, err := o.devices.FindDevice(ctx, ownerID, deviceID)
	if err != nil {
		return domain.Device{}, fmt.Errorf("find device: %w", err)
	}
	if device == nil {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return *device, nil
}

func (o *Orchestrator) markSynced(ctx context.Context, ownerID, deviceID string) error {
	now := o.now()
	if err := o.devices.UpdateDeviceStatus(ctx, ownerID, deviceID, domain.DeviceStatusConnected, &now); err != nil {
		return fmt.Errorf("update device status: %w", err)
	}
	return nil
}

func (o *Orchestrator) syncStamp(merged int) *time.Time {
	if merged == 0 {
		return nil
	}
	now := o.now()
	return &now
}

func (o *Orchestrator) warnIfExpiring(logger logrus.FieldLogger, tokens domain.Tokens) {
	if vault.ExpiresSoon(tokens.ExpiresAt, o.now(), tokenExpirySkew) {
		logger.Warn("vendor access token expires soon; reconnect the device to refresh it")
	}
}
