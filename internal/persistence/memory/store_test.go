package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/devicesync/internal/domain"
)

func TestUpsertDeviceElectsFirstDevicePrimary(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first, err := store.UpsertDevice(ctx, domain.Device{OwnerID: "u1", Type: domain.DeviceTypeGarmin, Status: domain.DeviceStatusConnected})
	require.NoError(t, err)
	require.True(t, first.IsPrimary)

	second, err := store.UpsertDevice(ctx, domain.Device{OwnerID: "u1", Type: domain.DeviceTypeOura, Status: domain.DeviceStatusConnected, IsPrimary: true})
	require.NoError(t, err)
	require.False(t, second.IsPrimary, "the caller cannot claim primary")

	reconnect, err := store.UpsertDevice(ctx, domain.Device{OwnerID: "u1", Type: domain.DeviceTypeGarmin, Status: domain.DeviceStatusConnected})
	require.NoError(t, err)
	require.Equal(t, first.ID, reconnect.ID)
	require.True(t, reconnect.IsPrimary)
}

func TestInsertIntakeRecordScopesIDsToOwner(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	at := time.Date(2025, time.July, 20, 12, 0, 0, 0, time.UTC)

	inserted, err := store.InsertIntakeRecord(ctx, domain.IntakeRecord{ID: "meal-1", OwnerID: "u1", Calories: 650, ConsumedAt: at})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertIntakeRecord(ctx, domain.IntakeRecord{ID: "meal-1", OwnerID: "u1", Calories: 650, ConsumedAt: at})
	require.NoError(t, err)
	require.False(t, inserted)

	inserted, err = store.InsertIntakeRecord(ctx, domain.IntakeRecord{ID: "meal-1", OwnerID: "u2", Calories: 300, ConsumedAt: at})
	require.NoError(t, err)
	require.True(t, inserted)

	day := domain.CalendarDate(at)
	found, err := store.FindIntakeRecordsInRange(ctx, "u2", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, 300, found[0].Calories)
}
