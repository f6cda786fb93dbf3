// Package postgres implements domain.Store on Postgres. Every statement runs in a transaction
// scoped to the owner through app.owner_id so row level security applies, and every device or
// ledger write records its outbox event in the same transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/events"
)

// Repository provides Postgres-backed persistence for devices, the activity ledger, intake and
// outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ domain.Store = (*Repository)(nil)

const deviceColumns = `device_id::text, owner_id, device_type, device_name, status, last_sync_at, is_primary,
        access_token, refresh_token, token_expires_at, created_at, updated_at`

const recordColumns = `owner_id, device_id::text, activity_date, steps, calories_burned, active_minutes, bmr_estimate,
        heart_rate_avg, weight, body_fat_percentage, sleep_hours, distance, source_device, raw_payload, synced_at, created_at`

// inOwnerTx runs fn in a transaction with app.owner_id set for row level security.
func (r *Repository) inOwnerTx(ctx context.Context, ownerID string, fn func(pgx.Tx) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", ownerID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindDevice implements domain.DeviceRepository.
func (r *Repository) FindDevice(ctx context.Context, ownerID, deviceID string) (*domain.Device, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		return nil, nil
	}
	var found *domain.Device
	err := r.inOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE owner_id=$1 AND device_id=$2`, ownerID, deviceID)
		device, err := scanDevice(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &device
		return nil
	})
	return found, err
}

// FindDeviceByType implements domain.DeviceRepository.
func (r *Repository) FindDeviceByType(ctx context.Context, ownerID string, deviceType domain.DeviceType) (*domain.Device, error) {
	var found *domain.Device
	err := r.inOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE owner_id=$1 AND device_type=$2`, ownerID, string(deviceType))
		device, err := scanDevice(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &device
		return nil
	})
	return found, err
}

// ListDevices implements domain.DeviceRepository.
func (r *Repository) ListDevices(ctx context.Context, ownerID string) ([]domain.Device, error) {
	devices := make([]domain.Device, 0)
	err := r.inOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE owner_id=$1 ORDER BY created_at DESC, device_id DESC`, ownerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			device, err := scanDevice(rows)
			if err != nil {
				return err
			}
			devices = append(devices, device)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// UpsertDevice implements domain.DeviceRepository. The (owner_id, device_type) constraint makes
// concurrent connects of the same vendor converge on one row. An owner-scoped advisory lock
// serializes first connects of different vendors so only one of them becomes primary.
func (r *Repository) UpsertDevice(ctx context.Context, device domain.Device) (domain.Device, error) {
	if strings.TrimSpace(device.ID) == "" {
		device.ID = uuid.NewString()
	}

	const stmt = `INSERT INTO devices (device_id, owner_id, device_type, device_name, status, last_sync_at, is_primary,
            access_token, refresh_token, token_expires_at)
        VALUES ($1,$2,$3,$4,$5,$6, NOT EXISTS (SELECT 1 FROM devices WHERE owner_id = $2), $7,$8,$9)
        ON CONFLICT (owner_id, device_type) DO UPDATE SET
            device_name = EXCLUDED.device_name,
            status = EXCLUDED.status,
            last_sync_at = EXCLUDED.last_sync_at,
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            token_expires_at = EXCLUDED.token_expires_at,
            updated_at = NOW()
        RETURNING ` + deviceColumns

	var stored domain.Device
	err := r.inOwnerTx(ctx, device.OwnerID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('devices:' || $1::text))`, device.OwnerID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, stmt,
			device.ID,
			device.OwnerID,
			string(device.Type),
			device.Name,
			string(device.Status),
			device.LastSyncAt,
			device.SealedAccessToken,
			device.SealedRefreshToken,
			device.TokenExpiresAt,
		)
		var err error
		stored, err = scanDevice(row)
		if err != nil {
			return err
		}
		return r.recordDeviceEvent(ctx, tx, stored)
	})
	if err != nil {
		return domain.Device{}, fmt.Errorf("upsert device %s/%s: %w", device.OwnerID, device.Type, err)
	}
	return stored, nil
}

func (r *Repository) recordDeviceEvent(ctx context.Context, tx pgx.Tx, device domain.Device) error {
	switch device.Status {
	case domain.DeviceStatusConnected:
		return insertOutbox(ctx, tx, device.OwnerID, "device", device.ID, events.TypeDeviceConnected, device.UpdatedAt, events.DeviceConnected{
			DeviceID:    device.ID,
			OwnerID:     device.OwnerID,
			DeviceType:  string(device.Type),
			DeviceName:  device.Name,
			IsPrimary:   device.IsPrimary,
			ConnectedAt: device.UpdatedAt,
		})
	case domain.DeviceStatusDisconnected:
		return insertOutbox(ctx, tx, device.OwnerID, "device", device.ID, events.TypeDeviceDisconnected, device.UpdatedAt, events.DeviceDisconnected{
			DeviceID:       device.ID,
			OwnerID:        device.OwnerID,
			DeviceType:     string(device.Type),
			DisconnectedAt: device.UpdatedAt,
		})
	}
	return nil
}

// UpdateDeviceStatus implements domain.DeviceRepository.
func (r *Repository) UpdateDeviceStatus(ctx context.Context, ownerID, deviceID string, status domain.DeviceStatus, lastSyncAt *time.Time) error {
	if _, err := uuid.Parse(deviceID); err != nil {
		return domain.ErrDeviceNotFound
	}
	return r.inOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE devices SET status=$3, last_sync_at=COALESCE($4, last_sync_at), updated_at=NOW()
             WHERE owner_id=$1 AND device_id=$2`,
			ownerID, deviceID, string(status), lastSyncAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrDeviceNotFound
		}
		return nil
	})
}

// FindActivityRecord implements domain.ActivityRepository.
func (r *Repository) FindActivityRecord(ctx context.Context, key domain.LedgerKey) (*domain.ActivityRecord, error) {
	if _, err := uuid.Parse(key.DeviceID); err != nil {
		return nil, nil
	}
	var found *domain.ActivityRecord
	err := r.inOwnerTx(ctx, key.OwnerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM activity_records
            WHERE owner_id=$1 AND device_id=$2 AND activity_date=$3`,
			key.OwnerID, key.DeviceID, domain.CalendarDate(key.Date))
		record, err := scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &record
		return nil
	})
	return found, err
}

// UpsertActivityRecord implements domain.ActivityRepository. Concurrent writers of one ledger key
// are serialised by the primary key; the last statement to commit wins.
func (r *Repository) UpsertActivityRecord(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, error) {
	record.Date = domain.CalendarDate(record.Date)

	const stmt = `INSERT INTO activity_records (owner_id, device_id, activity_date, steps, calories_burned, active_minutes,
            bmr_estimate, heart_rate_avg, weight, body_fat_percentage, sleep_hours, distance, source_device, raw_payload, synced_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (owner_id, device_id, activity_date) DO UPDATE SET
            steps = EXCLUDED.steps,
            calories_burned = EXCLUDED.calories_burned,
            active_minutes = EXCLUDED.active_minutes,
            bmr_estimate = EXCLUDED.bmr_estimate,
            heart_rate_avg = EXCLUDED.heart_rate_avg,
            weight = EXCLUDED.weight,
            body_fat_percentage = EXCLUDED.body_fat_percentage,
            sleep_hours = EXCLUDED.sleep_hours,
            distance = EXCLUDED.distance,
            source_device = EXCLUDED.source_device,
            raw_payload = EXCLUDED.raw_payload,
            synced_at = EXCLUDED.synced_at
        RETURNING ` + recordColumns

	var stored domain.ActivityRecord
	err := r.inOwnerTx(ctx, record.OwnerID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, stmt,
			record.OwnerID,
			record.DeviceID,
			record.Date,
			record.Steps,
			record.CaloriesBurned,
			record.ActiveMinutes,
			record.BMREstimate,
			record.HeartRateAvg,
			record.Weight,
			record.BodyFatPercent,
			record.SleepHours,
			record.Distance,
			record.SourceDevice,
			nullIfEmpty(record.RawPayload),
			record.SyncedAt,
		)
		var err error
		stored, err = scanRecord(row)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, stored.OwnerID, "activity_record", stored.DeviceID+":"+stored.Date.Format(domain.DateLayout),
			events.TypeActivitySynced, stored.SyncedAt, events.ActivitySynced{
				OwnerID:        stored.OwnerID,
				DeviceID:       stored.DeviceID,
				ActivityDate:   stored.Date.Format(domain.DateLayout),
				Steps:          stored.Steps,
				CaloriesBurned: stored.CaloriesBurned,
				ActiveMinutes:  stored.ActiveMinutes,
				BMREstimate:    stored.BMREstimate,
				SourceDevice:   stored.SourceDevice,
				SyncedAt:       stored.SyncedAt,
			})
	})
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	return stored, nil
}

// FindActivityRecordsInRange implements domain.ActivityRepository.
func (r *Repository) FindActivityRecordsInRange(ctx context.Context, query domain.RangeQuery) ([]domain.ActivityRecord, error) {
	args := []interface{}{query.OwnerID, domain.CalendarDate(query.Start), domain.CalendarDate(query.End)}
	stmt := `SELECT ` + recordColumns + ` FROM activity_records
        WHERE owner_id=$1 AND activity_date BETWEEN $2 AND $3`
	if query.DeviceID != "" {
		if _, err := uuid.Parse(query.DeviceID); err != nil {
			return []domain.ActivityRecord{}, nil
		}
		stmt += ` AND device_id=$4`
		args = append(args, query.DeviceID)
	}
	stmt += ` ORDER BY activity_date ASC, device_id ASC`

	records := make([]domain.ActivityRecord, 0)
	err := r.inOwnerTx(ctx, query.OwnerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindIntakeRecordsInRange implements domain.IntakeRepository.
func (r *Repository) FindIntakeRecordsInRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.IntakeRecord, error) {
	out := make([]domain.IntakeRecord, 0)
	err := r.inOwnerTx(ctx, ownerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT intake_id, owner_id, calories, consumed_at, source, created_at
               FROM intake_records
              WHERE owner_id=$1 AND consumed_at >= $2 AND consumed_at < $3
              ORDER BY consumed_at`,
			ownerID, start, end,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec domain.IntakeRecord
			if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Calories, &rec.ConsumedAt, &rec.Source, &rec.CreatedAt); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertIntakeRecord implements domain.IntakeRepository.
func (r *Repository) InsertIntakeRecord(ctx context.Context, record domain.IntakeRecord) (bool, error) {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	inserted := false
	err := r.inOwnerTx(ctx, record.OwnerID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO intake_records (intake_id, owner_id, calories, consumed_at, source)
             VALUES ($1,$2,$3,$4,$5)
             ON CONFLICT (owner_id, intake_id) DO NOTHING`,
			record.ID, record.OwnerID, record.Calories, record.ConsumedAt, record.Source,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, ownerID, aggregateType, aggregateID, eventType string, occurredAt time.Time, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", aggregateID, eventType, occurredAt.UnixNano())

	const stmt = `INSERT INTO outbox (owner_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		ownerID,
		aggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.Topic+"-value",
		meta.PartitionKeyFn(ownerID, aggregateID),
		body,
		dedupeKey,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (domain.Device, error) {
	var (
		d            domain.Device
		deviceType   string
		deviceStatus string
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &deviceType, &d.Name, &deviceStatus, &d.LastSyncAt, &d.IsPrimary,
		&d.SealedAccessToken, &d.SealedRefreshToken, &d.TokenExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Device{}, err
	}
	d.Type = domain.DeviceType(deviceType)
	d.Status = domain.DeviceStatus(deviceStatus)
	return d, nil
}

func scanRecord(row rowScanner) (domain.ActivityRecord, error) {
	var (
		rec domain.ActivityRecord
		raw []byte
	)
	if err := row.Scan(&rec.OwnerID, &rec.DeviceID, &rec.Date, &rec.Steps, &rec.CaloriesBurned, &rec.ActiveMinutes, &rec.BMREstimate,
		&rec.HeartRateAvg, &rec.Weight, &rec.BodyFatPercent, &rec.SleepHours, &rec.Distance, &rec.SourceDevice, &raw,
		&rec.SyncedAt, &rec.CreatedAt); err != nil {
		return domain.ActivityRecord{}, err
	}
	rec.Date = domain.CalendarDate(rec.Date)
	if len(raw) > 0 {
		rec.RawPayload = json.RawMessage(raw)
	}
	return rec, nil
}

func nullIfEmpty(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	PartitionKeyFn func(ownerID, aggregateID string) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeDeviceConnected: {
		Topic:          events.TopicDeviceEvents,
		PartitionKeyFn: func(ownerID, _ string) string { return ownerID },
	},
	events.TypeDeviceDisconnected: {
		Topic:          events.TopicDeviceEvents,
		PartitionKeyFn: func(ownerID, _ string) string { return ownerID },
	},
	events.TypeActivitySynced: {
		Topic: events.TopicActivitySyncEvents,
		PartitionKeyFn: func(ownerID, aggregateID string) string {
			return ownerID + ":" + aggregateID
		},
	},
}
