// Package memory provides an in-process domain.Store for local development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/devicesync/internal/domain"
)

type recordKey struct {
	owner  string
	device string
	date   string
}

// intakeKey mirrors the (owner_id, intake_id) primary key of the Postgres store.
type intakeKey struct {
	owner string
	id    string
}

// Store keeps devices, ledger records and intake in maps guarded by one mutex, which also
// serialises concurrent upserts of the same ledger key.
type Store struct {
	mu      sync.RWMutex
	devices map[string]domain.Device
	records map[recordKey]domain.ActivityRecord
	intake  map[intakeKey]domain.IntakeRecord
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for CreatedAt/UpdatedAt bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		devices: make(map[string]domain.Device),
		records: make(map[recordKey]domain.ActivityRecord),
		intake:  make(map[intakeKey]domain.IntakeRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ domain.Store = (*Store)(nil)

// FindDevice implements domain.DeviceRepository.
func (s *Store) FindDevice(ctx context.Context, ownerID, deviceID string) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[deviceID]
	if !ok || device.OwnerID != ownerID {
		return nil, nil
	}
	return &device, nil
}

// FindDeviceByType implements domain.DeviceRepository.
func (s *Store) FindDeviceByType(ctx context.Context, ownerID string, deviceType domain.DeviceType) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if device, ok := s.findByTypeLocked(ownerID, deviceType); ok {
		return &device, nil
	}
	return nil, nil
}

func (s *Store) findByTypeLocked(ownerID string, deviceType domain.DeviceType) (domain.Device, bool) {
	for _, device := range s.devices {
		if device.OwnerID == ownerID && device.Type == deviceType {
			return device, true
		}
	}
	return domain.Device{}, false
}

// ListDevices implements domain.DeviceRepository.
func (s *Store) ListDevices(ctx context.Context, ownerID string) ([]domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Device, 0)
	for _, device := range s.devices {
		if device.OwnerID == ownerID {
			out = append(out, device)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpsertDevice implements domain.DeviceRepository.
func (s *Store) UpsertDevice(ctx context.Context, device domain.Device) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.findByTypeLocked(device.OwnerID, device.Type); ok {
		device.ID = existing.ID
		device.CreatedAt = existing.CreatedAt
		device.IsPrimary = existing.IsPrimary
	} else {
		if strings.TrimSpace(device.ID) == "" {
			device.ID = uuid.NewString()
		}
		device.IsPrimary = !s.ownsAnyLocked(device.OwnerID)
		if device.CreatedAt.IsZero() {
			device.CreatedAt = now
		}
	}
	device.UpdatedAt = now
	s.devices[device.ID] = device
	return device, nil
}

func (s *Store) ownsAnyLocked(ownerID string) bool {
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			return true
		}
	}
	return false
}

// UpdateDeviceStatus implements domain.DeviceRepository.
func (s *Store) UpdateDeviceStatus(ctx context.Context, ownerID, deviceID string, status domain.DeviceStatus, lastSyncAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok || device.OwnerID != ownerID {
		return domain.ErrDeviceNotFound
	}
	device.Status = status
	if lastSyncAt != nil {
		ts := *lastSyncAt
		device.LastSyncAt = &ts
	}
	device.UpdatedAt = s.now()
	s.devices[deviceID] = device
	return nil
}

func keyFor(k domain.LedgerKey) recordKey {
	return recordKey{owner: k.OwnerID, device: k.DeviceID, date: domain.CalendarDate(k.Date).Format(domain.DateLayout)}
}

// FindActivityRecord implements domain.ActivityRepository.
func (s *Store) FindActivityRecord(ctx context.Context, key domain.LedgerKey) (*domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[keyFor(key)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// UpsertActivityRecord implements domain.ActivityRepository.
func (s *Store) UpsertActivityRecord(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Date = domain.CalendarDate(record.Date)
	k := keyFor(record.Key())
	if existing, ok := s.records[k]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.records[k] = record
	return record, nil
}

// FindActivityRecordsInRange implements domain.ActivityRepository.
func (s *Store) FindActivityRecordsInRange(ctx context.Context, query domain.RangeQuery) ([]domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := domain.CalendarDate(query.Start)
	end := domain.CalendarDate(query.End)
	out := make([]domain.ActivityRecord, 0)
	for _, record := range s.records {
		if record.OwnerID != query.OwnerID {
			continue
		}
		if query.DeviceID != "" && record.DeviceID != query.DeviceID {
			continue
		}
		if record.Date.Before(start) || record.Date.After(end) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

// FindIntakeRecordsInRange implements domain.IntakeRepository.
func (s *Store) FindIntakeRecordsInRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.IntakeRecord, 0)
	for _, rec := range s.intake {
		if rec.OwnerID != ownerID {
			continue
		}
		if rec.ConsumedAt.Before(start) || !rec.ConsumedAt.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumedAt.Before(out[j].ConsumedAt) })
	return out, nil
}

// InsertIntakeRecord implements domain.IntakeRepository.
func (s *Store) InsertIntakeRecord(ctx context.Context, record domain.IntakeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	key := intakeKey{owner: record.OwnerID, id: record.ID}
	if _, exists := s.intake[key]; exists {
		return false, nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.intake[key] = record
	return true, nil
}
