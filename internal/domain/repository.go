package domain

import (
	"context"
	"time"
)

// DeviceRepository persists devices. Lookups return (nil, nil) when nothing matches.
type DeviceRepository interface {
	FindDevice(ctx context.Context, ownerID, deviceID string) (*Device, error)
	FindDeviceByType(ctx context.Context, ownerID string, deviceType DeviceType) (*Device, error)
	// ListDevices returns the owner's devices, newest first.
	ListDevices(ctx context.Context, ownerID string) ([]Device, error)
	// UpsertDevice inserts or updates the device identified by (OwnerID, Type) atomically and
	// returns the stored row. An existing row keeps its ID, CreatedAt and IsPrimary flag. The
	// caller's IsPrimary is ignored: a new row is primary exactly when the owner has no other
	// device, decided atomically with the insert.
	UpsertDevice(ctx context.Context, device Device) (Device, error)
	// UpdateDeviceStatus sets the status and, when lastSyncAt is non-nil, the last-sync time.
	UpdateDeviceStatus(ctx context.Context, ownerID, deviceID string, status DeviceStatus, lastSyncAt *time.Time) error
}

// ActivityRepository persists ledger records.
type ActivityRepository interface {
	FindActivityRecord(ctx context.Context, key LedgerKey) (*ActivityRecord, error)
	// UpsertActivityRecord writes the record under its ledger key; the store serialises
	// concurrent writers of the same key.
	UpsertActivityRecord(ctx context.Context, record ActivityRecord) (ActivityRecord, error)
	// FindActivityRecordsInRange returns records ordered by date ascending.
	FindActivityRecordsInRange(ctx context.Context, query RangeQuery) ([]ActivityRecord, error)
}

// IntakeRepository reads and records nutrition intake.
type IntakeRepository interface {
	// FindIntakeRecordsInRange returns intake with start <= ConsumedAt < end.
	FindIntakeRecordsInRange(ctx context.Context, ownerID string, start, end time.Time) ([]IntakeRecord, error)
	// InsertIntakeRecord stores the record; inserted is false when the ID was already present.
	InsertIntakeRecord(ctx context.Context, record IntakeRecord) (inserted bool, err error)
}

// Store is the full persistence surface.
type Store interface {
	DeviceRepository
	ActivityRepository
	IntakeRepository
}
