//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/events"
)

func TestRepositoryScopesDevicesToOwner(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	owner := uuid.NewString()
	stored, err := repo.UpsertDevice(ctx, domain.Device{
		OwnerID: owner,
		Type:    domain.DeviceTypeFitbit,
		Name:    "Charge 6",
		Status:  domain.DeviceStatusConnected,
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	found, err := repo.FindDevice(ctx, owner, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "Charge 6", found.Name)

	other, err := repo.FindDevice(ctx, uuid.NewString(), stored.ID)
	require.NoError(t, err)
	require.Nil(t, other, "devices must not leak across owners")

	missing, err := repo.FindDevice(ctx, owner, "not-a-uuid")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRepositoryUpsertDeviceKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	owner := uuid.NewString()
	first, err := repo.UpsertDevice(ctx, domain.Device{OwnerID: owner, Type: domain.DeviceTypeGarmin, Name: "Forerunner", Status: domain.DeviceStatusConnected, SealedAccessToken: "a"})
	require.NoError(t, err)
	require.True(t, first.IsPrimary)

	second, err := repo.UpsertDevice(ctx, domain.Device{OwnerID: owner, Type: domain.DeviceTypeGarmin, Name: "Fenix", Status: domain.DeviceStatusDisconnected, IsPrimary: false})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.IsPrimary)
	require.Equal(t, "Fenix", second.Name)
	require.Empty(t, second.SealedAccessToken)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	devices, err := repo.ListDevices(ctx, owner)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	var eventTypes []string
	rows, err := pool.Query(ctx, `SELECT event_type FROM outbox WHERE owner_id=$1 ORDER BY event_id`, owner)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var et string
		require.NoError(t, rows.Scan(&et))
		eventTypes = append(eventTypes, et)
	}
	require.Equal(t, []string{events.TypeDeviceConnected, events.TypeDeviceDisconnected}, eventTypes)
}

func TestRepositoryLedgerUpsertIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	owner := uuid.NewString()
	device, err := repo.UpsertDevice(ctx, domain.Device{OwnerID: owner, Type: domain.DeviceTypeOura, Name: "Ring", Status: domain.DeviceStatusConnected})
	require.NoError(t, err)

	day := time.Date(2025, time.July, 20, 0, 0, 0, 0, time.UTC)
	hr := 62.5
	_, err = repo.UpsertActivityRecord(ctx, domain.ActivityRecord{
		OwnerID: owner, DeviceID: device.ID, Date: day.Add(9 * time.Hour),
		Steps: 1000, CaloriesBurned: 200, BMREstimate: 1600, HeartRateAvg: &hr,
		RawPayload: []byte(`{"steps":1000}`), SyncedAt: day.Add(10 * time.Hour),
	})
	require.NoError(t, err)

	updated, err := repo.UpsertActivityRecord(ctx, domain.ActivityRecord{
		OwnerID: owner, DeviceID: device.ID, Date: day.Add(20 * time.Hour),
		Steps: 9000, CaloriesBurned: 450, BMREstimate: 1600, SyncedAt: day.Add(21 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, 9000, updated.Steps)
	require.Nil(t, updated.HeartRateAvg)
	require.Nil(t, updated.RawPayload)

	records, err := repo.FindActivityRecordsInRange(ctx, domain.RangeQuery{OwnerID: owner, Start: day, End: day})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, day, records[0].Date)

	got, err := repo.FindActivityRecord(ctx, domain.NewLedgerKey(owner, device.ID, day))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2050, got.CaloriesOut())
}

func TestRepositoryIntakeInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	owner := uuid.NewString()
	at := time.Date(2025, time.July, 20, 12, 0, 0, 0, time.UTC)
	rec := domain.IntakeRecord{ID: "meal-1", OwnerID: owner, Calories: 650, ConsumedAt: at, Source: "photo"}

	inserted, err := repo.InsertIntakeRecord(ctx, rec)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = repo.InsertIntakeRecord(ctx, rec)
	require.NoError(t, err)
	require.False(t, inserted)

	found, err := repo.FindIntakeRecordsInRange(ctx, owner, at.Truncate(24*time.Hour), at.Truncate(24*time.Hour).Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, 650, found[0].Calories)

	neighbour := uuid.NewString()
	inserted, err = repo.InsertIntakeRecord(ctx, domain.IntakeRecord{ID: "meal-1", OwnerID: neighbour, Calories: 300, ConsumedAt: at})
	require.NoError(t, err)
	require.True(t, inserted, "intake ids are scoped to their owner")

	found, err = repo.FindIntakeRecordsInRange(ctx, neighbour, at.Truncate(24*time.Hour), at.Truncate(24*time.Hour).Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, 300, found[0].Calories)
}

func TestRepositoryConcurrentFirstConnectsElectOnePrimary(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	owner := uuid.NewString()
	types := domain.SupportedDeviceTypes()
	stored := make([]domain.Device, len(types))
	var g errgroup.Group
	for i, deviceType := range types {
		g.Go(func() error {
			var err error
			stored[i], err = repo.UpsertDevice(ctx, domain.Device{OwnerID: owner, Type: deviceType, Name: string(deviceType), Status: domain.DeviceStatusConnected})
			return err
		})
	}
	require.NoError(t, g.Wait())

	primaries := 0
	for _, d := range stored {
		if d.IsPrimary {
			primaries++
		}
	}
	require.Equal(t, 1, primaries)
}

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("devicesync"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files, err := filepath.Glob(filepath.Join(resolvePath(t, "../../../db/postgres/migrations"), "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
