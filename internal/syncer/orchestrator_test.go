package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/ledger"
	"example.com/devicesync/internal/persistence/memory"
	"example.com/devicesync/internal/vendors"
	"example.com/devicesync/internal/vendors/vendortest"
)

var now = time.Date(2025, time.July, 20, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type staticTokens map[string]domain.Tokens

func (s staticTokens) GetTokens(_ context.Context, _ string, deviceID string) (domain.Tokens, error) {
	return s[deviceID], nil
}

type fixture struct {
	store     *memory.Store
	platforms *vendors.Registry
	orch      *Orchestrator
	tokens    staticTokens
	ctx       context.Context
	ownerID   string
	t         *testing.T
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore(memory.WithClock(clock))
	platforms := vendors.NewRegistry()
	tokens := staticTokens{}
	orch := New(store, ledger.New(store, ledger.WithClock(clock)), platforms, tokens, WithClock(clock), WithConcurrency(2))
	return &fixture{store: store, platforms: platforms, orch: orch, tokens: tokens, ctx: context.Background(), ownerID: "user-1", t: t}
}

func (f *fixture) device(deviceType domain.DeviceType, status domain.DeviceStatus) domain.Device {
	f.t.Helper()
	device, err := f.store.UpsertDevice(f.ctx, domain.Device{OwnerID: f.ownerID, Type: deviceType, Name: string(deviceType), Status: status})
	require.NoError(f.t, err)
	f.tokens[device.ID] = domain.Tokens{AccessToken: "token-" + device.ID}
	return device
}

func (f *fixture) reload(id string) domain.Device {
	f.t.Helper()
	device, err := f.store.FindDevice(f.ctx, f.ownerID, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, device)
	return *device
}

func TestSyncOneIsIdempotentAndMarksDeviceConnected(t *testing.T) {
	f := newFixture(t)
	device := f.device(domain.DeviceTypeGarmin, domain.DeviceStatusSyncing)
	payload := domain.ActivityPayload{Date: now.AddDate(0, 0, -1), Steps: 7000, CaloriesBurned: 350, BMREstimate: 1600}

	first, err := f.orch.SyncOne(f.ctx, f.ownerID, device.ID, payload)
	require.NoError(t, err)
	second, err := f.orch.SyncOne(f.ctx, f.ownerID, device.ID, payload)
	require.NoError(t, err)
	require.Equal(t, first, second)

	reloaded := f.reload(device.ID)
	require.Equal(t, domain.DeviceStatusConnected, reloaded.Status)
	require.NotNil(t, reloaded.LastSyncAt)
	require.Equal(t, now, *reloaded.LastSyncAt)
}

func TestSyncOneRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	device := f.device(domain.DeviceTypeGarmin, domain.DeviceStatusConnected)

	_, err := f.orch.SyncOne(f.ctx, "someone-else", device.ID, domain.ActivityPayload{Steps: 1})
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSyncBulkSkipsMalformedPayloads(t *testing.T) {
	f := newFixture(t)
	device := f.device(domain.DeviceTypeOura, domain.DeviceStatusConnected)
	base := domain.CalendarDate(now).AddDate(0, 0, -3)

	result, err := f.orch.SyncBulk(f.ctx, f.ownerID, device.ID, []domain.ActivityPayload{
		{Date: base, Steps: 1000},
		{Date: base.AddDate(0, 0, 1), Steps: -5},
		{Date: base.AddDate(0, 0, 2), Steps: 3000},
		{Date: base.AddDate(0, 0, 3), CaloriesBurned: 200},
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.Equal(t, 1, result.Errors[0].Index)
	require.True(t, domain.IsValidation(result.Errors[0].Err))
	require.Equal(t, base, result.Records[0].Date)
	require.Equal(t, base.AddDate(0, 0, 2), result.Records[1].Date)
}

func TestInitialBackfillToleratesFailedDays(t *testing.T) {
	f := newFixture(t)
	today := domain.CalendarDate(now)
	fetcher := vendortest.New().
		FailOn(today.AddDate(0, 0, -2), errors.New("vendor 503")).
		FailOn(today.AddDate(0, 0, -5), errors.New("vendor 503")).
		On(today, domain.ActivityPayload{Steps: 4200})
	f.platforms.Register(domain.DeviceTypeFitbit, fetcher)
	device := f.device(domain.DeviceTypeFitbit, domain.DeviceStatusSyncing)

	report := f.orch.InitialBackfill(f.ctx, f.ownerID, device.ID, device.Type)
	require.Equal(t, 7, report.Days)
	require.Equal(t, 5, report.Merged)
	require.Equal(t, 2, report.Failed)
	require.Len(t, fetcher.Calls(), 7)
	require.Equal(t, today.AddDate(0, 0, -6), fetcher.Calls()[0])

	records, err := f.store.FindActivityRecordsInRange(f.ctx, domain.RangeQuery{OwnerID: f.ownerID, Start: today.AddDate(0, 0, -6), End: today})
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, 4200, records[len(records)-1].Steps)

	require.Equal(t, domain.DeviceStatusConnected, f.reload(device.ID).Status)
}

func TestInitialBackfillEndsConnectedWhenEveryDayFails(t *testing.T) {
	f := newFixture(t)
	f.platforms.Register(domain.DeviceTypeWhoop, vendortest.New().FailAll(errors.New("timeout")))
	device := f.device(domain.DeviceTypeWhoop, domain.DeviceStatusSyncing)

	report := f.orch.InitialBackfill(f.ctx, f.ownerID, device.ID, device.Type)
	require.Equal(t, 0, report.Merged)
	require.Equal(t, 7, report.Failed)
	require.Equal(t, domain.DeviceStatusConnected, f.reload(device.ID).Status)
}

func TestInitialBackfillSkipsPushOnlyPlatforms(t *testing.T) {
	f := newFixture(t)
	device := f.device(domain.DeviceTypeAppleHealth, domain.DeviceStatusSyncing)

	report := f.orch.InitialBackfill(f.ctx, f.ownerID, device.ID, device.Type)
	require.Equal(t, 7, report.Skipped)
	require.Equal(t, domain.DeviceStatusConnected, f.reload(device.ID).Status)
}

func TestInitialBackfillWithSeededFixture(t *testing.T) {
	f := newFixture(t)
	f.platforms.Register(domain.DeviceTypePolar, vendortest.NewSeeded(42))
	device := f.device(domain.DeviceTypePolar, domain.DeviceStatusSyncing)

	orch := New(f.store, ledger.New(f.store, ledger.WithClock(clock)), f.platforms, f.tokens, WithClock(clock), WithBackfillDays(3))
	report := orch.InitialBackfill(f.ctx, f.ownerID, device.ID, device.Type)
	require.Equal(t, 3, report.Days)
	require.Equal(t, 3, report.Merged)
}

func TestSyncAllIsolatesDeviceFailures(t *testing.T) {
	f := newFixture(t)
	f.platforms.Register(domain.DeviceTypeFitbit, vendortest.New().On(now, domain.ActivityPayload{Steps: 9000, CaloriesBurned: 500}))
	f.platforms.Register(domain.DeviceTypeGarmin, vendortest.New().FailAll(&domain.UpstreamError{Source: "garmin", Err: errors.New("502")}))
	f.platforms.Register(domain.DeviceTypePolar, vendortest.New().FailAll(&domain.UpstreamError{Source: "polar", Err: vendors.ErrUnauthorized}))
	f.platforms.Register(domain.DeviceTypeWhoop, vendortest.New())

	fitbit := f.device(domain.DeviceTypeFitbit, domain.DeviceStatusConnected)
	garmin := f.device(domain.DeviceTypeGarmin, domain.DeviceStatusConnected)
	polar := f.device(domain.DeviceTypePolar, domain.DeviceStatusConnected)
	f.device(domain.DeviceTypeAppleHealth, domain.DeviceStatusConnected)
	whoop := f.device(domain.DeviceTypeWhoop, domain.DeviceStatusDisconnected)

	result, err := f.orch.SyncAll(f.ctx, f.ownerID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 2, result.Failed)
	require.Equal(t, 1, result.Skipped)
	require.Len(t, result.Devices, 4)

	require.Equal(t, domain.DeviceStatusConnected, f.reload(fitbit.ID).Status)
	require.Equal(t, domain.DeviceStatusConnected, f.reload(garmin.ID).Status, "vendor outages do not park the device")
	require.Equal(t, domain.DeviceStatusError, f.reload(polar.ID).Status)
	require.Equal(t, domain.DeviceStatusDisconnected, f.reload(whoop.ID).Status)

	record, err := f.store.FindActivityRecord(f.ctx, domain.NewLedgerKey(f.ownerID, fitbit.ID, now))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 9000, record.Steps)
}

func TestSyncAllRetriesDeviceAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	garmin := vendortest.New().
		FailNext(1, &domain.UpstreamError{Source: "garmin", Err: context.DeadlineExceeded}).
		On(now, domain.ActivityPayload{Steps: 6400, CaloriesBurned: 310})
	f.platforms.Register(domain.DeviceTypeGarmin, garmin)
	device := f.device(domain.DeviceTypeGarmin, domain.DeviceStatusConnected)

	first, err := f.orch.SyncAll(f.ctx, f.ownerID)
	require.NoError(t, err)
	require.Equal(t, 1, first.Failed)
	require.Equal(t, domain.DeviceStatusConnected, f.reload(device.ID).Status)

	second, err := f.orch.SyncAll(f.ctx, f.ownerID)
	require.NoError(t, err)
	require.Equal(t, 1, second.Succeeded)
	require.Zero(t, second.Failed)
	require.Len(t, garmin.Calls(), 2)

	record, err := f.store.FindActivityRecord(f.ctx, domain.NewLedgerKey(f.ownerID, device.ID, now))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 6400, record.Steps)
}

func TestSyncAllWithNoDevices(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.SyncAll(f.ctx, f.ownerID)
	require.NoError(t, err)
	require.Zero(t, result.Succeeded+result.Failed+result.Skipped)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t)
	f.platforms.Register(domain.DeviceTypeSuunto, vendortest.New().FailAll(errors.New("401")))
	f.platforms.Register(domain.DeviceTypeOura, vendortest.New().On(now, domain.ActivityPayload{Steps: 12}))
	broken := f.device(domain.DeviceTypeSuunto, domain.DeviceStatusConnected)
	healthy := f.device(domain.DeviceTypeOura, domain.DeviceStatusError)
	pushed := f.device(domain.DeviceTypeSamsungHealth, domain.DeviceStatusConnected)

	test, err := f.orch.TestConnection(f.ctx, f.ownerID, broken.ID)
	require.NoError(t, err)
	require.False(t, test.OK)
	require.Equal(t, domain.DeviceStatusError, f.reload(broken.ID).Status)

	test, err = f.orch.TestConnection(f.ctx, f.ownerID, healthy.ID)
	require.NoError(t, err)
	require.True(t, test.OK)
	require.NotNil(t, test.Payload)
	require.Equal(t, 12, test.Payload.Steps)
	require.Equal(t, domain.DeviceStatusConnected, f.reload(healthy.ID).Status)

	record, err := f.store.FindActivityRecord(f.ctx, domain.NewLedgerKey(f.ownerID, healthy.ID, now))
	require.NoError(t, err)
	require.Nil(t, record, "testing a connection never writes to the ledger")

	test, err = f.orch.TestConnection(f.ctx, f.ownerID, pushed.ID)
	require.NoError(t, err)
	require.True(t, test.OK)

	_, err = f.orch.TestConnection(f.ctx, f.ownerID, "missing")
	require.ErrorIs(t, err, domain.ErrDeviceNotFound)
}
