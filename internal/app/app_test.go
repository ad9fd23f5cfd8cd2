package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/adherence/backend/internal/config"
	"github.com/kimhsiao/adherence/backend/internal/db"
	"github.com/kimhsiao/adherence/backend/internal/export"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/sync/remote"
)

func testConfig() *config.Config {
	return &config.Config{
		DBPath:          "unused",
		LogLevel:        "error",
		RemoteBackend:   config.BackendMemory,
		SyncSchedule:    "@every 15m",
		RiskSchedule:    "@hourly",
		SyncItemTimeout: 5 * time.Second,
		Location:        time.UTC,
	}
}

func newTestApp(t *testing.T, store remote.Store) *App {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)

	a, err := New(context.Background(), testConfig(), WithDatabase(database), WithRemote(store))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_wiresComponents(t *testing.T) {
	a := newTestApp(t, remote.NewMemoryStore())

	assert.NotNil(t, a.Repo)
	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Risk)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Backup)
	assert.False(t, a.Backups.Enabled(), "no backup schedule configured")
	assert.Nil(t, a.Prober, "no probe address configured")
	assert.True(t, a.Connectivity.Online())
}

func TestNew_invalidSchedule(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.RiskSchedule = "every now and then"
	_, err = New(context.Background(), cfg, WithDatabase(database), WithRemote(remote.NewMemoryStore()))
	assert.Error(t, err)

	database, err = db.OpenMemory()
	require.NoError(t, err)
	cfg = testConfig()
	cfg.BackupSchedule = "nightly"
	_, err = New(context.Background(), cfg, WithDatabase(database), WithRemote(remote.NewMemoryStore()))
	assert.Error(t, err)
}

func TestApp_mutationReachesRemote(t *testing.T) {
	store := remote.NewMemoryStore()
	a := newTestApp(t, store)
	a.Start(context.Background())

	p := &models.Patient{Name: "Adwoa"}
	require.NoError(t, a.Repo.CreatePatient(context.Background(), p))

	require.Eventually(t, func() bool {
		doc, err := store.Get(context.Background(), models.TablePatients, p.ID)
		if err != nil {
			return false
		}
		var got models.Patient
		return json.Unmarshal(doc, &got) == nil && got.Name == "Adwoa"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := a.Outbox.PendingCount(context.Background())
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApp_offlineThenOnline(t *testing.T) {
	store := remote.NewMemoryStore()
	a := newTestApp(t, store)
	a.Connectivity.Set(false)
	a.Start(context.Background())

	p := &models.Patient{Name: "Kojo"}
	require.NoError(t, a.Repo.CreatePatient(context.Background(), p))

	time.Sleep(50 * time.Millisecond)
	_, err := store.Get(context.Background(), models.TablePatients, p.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)

	a.Connectivity.Set(true)
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), models.TablePatients, p.ID)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApp_CloseWithoutStart(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	a, err := New(context.Background(), testConfig(), WithDatabase(database), WithRemote(remote.NewMemoryStore()))
	require.NoError(t, err)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestApp_backupRestoreRequeues(t *testing.T) {
	ctx := context.Background()
	src := newTestApp(t, remote.NewMemoryStore())
	p := &models.Patient{Name: "Esi"}
	require.NoError(t, src.Repo.CreatePatient(ctx, p))

	path := filepath.Join(t.TempDir(), "esi.tar.gz")
	_, err := src.Backup.Export(ctx, &export.ExportConfig{OutputPath: path})
	require.NoError(t, err)

	// A fresh device whose remote lost everything.
	store := remote.NewMemoryStore()
	dst := newTestApp(t, store)
	dst.Start(ctx)

	res, err := dst.Backup.Import(ctx, &export.ImportConfig{ArchivePath: path, Requeue: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted[models.TablePatients])

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, models.TablePatients, p.ID)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}
