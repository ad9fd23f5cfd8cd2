// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/adherence/backend/internal/db"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/sync/connectivity"
	"github.com/kimhsiao/adherence/backend/internal/sync/queue"
	"github.com/kimhsiao/adherence/backend/internal/sync/remote"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// testEventHandler is a test implementation of SyncEventHandler.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *testEventHandler) count(typ SyncEventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// gatedStore blocks the first Upsert until release is closed.
type gatedStore struct {
	*remote.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: remote.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Upsert(ctx context.Context, table, id string, payload []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MemoryStore.Upsert(ctx, table, id, payload)
}

// hangingStore never answers before ctx is done.
type hangingStore struct{ *remote.MemoryStore }

func (h hangingStore) Upsert(ctx context.Context, table, id string, payload []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	database *db.DB
	outbox   *queue.Outbox
	store    *remote.MemoryStore
	sw       *connectivity.Switch
	engine   *Engine
	events   *testEventHandler
}

func newFixture(t *testing.T, online bool, store remote.Store) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	f := &fixture{
		database: database,
		outbox:   queue.NewOutbox(database.DB),
		sw:       connectivity.NewSwitch(online),
		events:   &testEventHandler{},
	}
	if store == nil {
		f.store = remote.NewMemoryStore()
		store = f.store
	}
	f.engine = NewEngine(f.outbox, store, f.sw, &Config{
		ItemTimeout: time.Second,
		Now:         func() time.Time { return testNow },
	})
	f.engine.SetEventHandler(f.events)
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) enqueue(t *testing.T, id string, op models.Operation) *models.OutboxItem {
	t.Helper()
	var payload []byte
	if op != models.OperationDelete {
		payload = []byte(`{"id":"` + id + `"}`)
	}
	item, err := f.outbox.Enqueue(context.Background(), models.TablePatients, id, op, payload)
	require.NoError(t, err)
	return item
}

func (f *fixture) pending(t *testing.T) []*models.OutboxItem {
	t.Helper()
	items, err := f.outbox.PendingItems(context.Background())
	require.NoError(t, err)
	return items
}

// TestNewEngine verifies engine creation.
func TestNewEngine(t *testing.T) {
	f := newFixture(t, false, nil)

	assert.Equal(t, StateOffline, f.engine.State())
	assert.False(t, f.engine.Online())

	status, err := f.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOffline, status.State)
	assert.Nil(t, status.LastSyncTime)
	assert.Zero(t, status.Pending)
	assert.Empty(t, f.engine.GetErrorHistory())

	online := newFixture(t, true, nil)
	assert.Equal(t, StateIdle, online.engine.State())
}

// TestForceSync_offline verifies an offline force sync leaves the queue alone.
func TestForceSync_offline(t *testing.T) {
	f := newFixture(t, false, nil)
	f.enqueue(t, "p-1", models.OperationInsert)

	result, err := f.engine.ForceSync(context.Background())

	assert.Nil(t, result)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectivity), "got %v", err)
	assert.Len(t, f.pending(t), 1)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.events.count(SyncEventStarted))
}

// TestForceSync_failedItemStaysPending verifies one failure does not block
// the rest of the queue.
func TestForceSync_failedItemStaysPending(t *testing.T) {
	f := newFixture(t, true, nil)
	f.enqueue(t, "p-1", models.OperationInsert)
	second := f.enqueue(t, "p-2", models.OperationInsert)
	f.enqueue(t, "p-3", models.OperationInsert)

	f.store.FailWith(func(table, id string) error {
		if id == "p-2" {
			return errors.New("remote rejected document")
		}
		return nil
	})

	result, err := f.engine.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, second.Seq, pending[0].Seq)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "remote rejected document")

	assert.Equal(t, []remote.Op{
		{Kind: "upsert", Key: "patients/p-1"},
		{Kind: "upsert", Key: "patients/p-3"},
	}, f.store.Ops())

	history := f.engine.GetErrorHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "patients/p-2", history[0].Key)
	assert.Equal(t, 1, f.events.count(SyncEventItemFailed))

	// The next drain retries it.
	f.store.FailWith(nil)
	result, err = f.engine.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Empty(t, f.pending(t))
}

// TestForceSync_preservesOrder verifies items reach the remote in write order.
func TestForceSync_preservesOrder(t *testing.T) {
	f := newFixture(t, true, nil)
	f.enqueue(t, "p-1", models.OperationInsert)
	f.enqueue(t, "p-2", models.OperationInsert)
	f.enqueue(t, "p-1", models.OperationUpdate)
	f.enqueue(t, "p-2", models.OperationDelete)
	f.enqueue(t, "p-3", models.OperationInsert)

	_, err := f.engine.ForceSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []remote.Op{
		{Kind: "upsert", Key: "patients/p-1"},
		{Kind: "upsert", Key: "patients/p-2"},
		{Kind: "upsert", Key: "patients/p-1"},
		{Kind: "delete", Key: "patients/p-2"},
		{Kind: "upsert", Key: "patients/p-3"},
	}, f.store.Ops())
	assert.Equal(t, 2, f.store.Len())

	status, err := f.engine.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.LastSyncTime)
	assert.True(t, status.LastSyncTime.Equal(testNow))
	assert.Zero(t, status.Pending)
}

// TestForceSync_inProgress verifies a second drain is refused while one runs.
func TestForceSync_inProgress(t *testing.T) {
	store := newGatedStore()
	f := newFixture(t, true, store)
	f.enqueue(t, "p-1", models.OperationInsert)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ForceSync(context.Background())
		done <- err
	}()
	<-store.entered

	assert.Equal(t, StateSyncing, f.engine.State())
	_, err := f.engine.ForceSync(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress), "got %v", err)

	close(store.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, f.engine.State())
}

// TestForceSync_completesPassAfterGoingOffline verifies a started pass
// still attempts every pending item when connectivity drops mid-drain.
func TestForceSync_completesPassAfterGoingOffline(t *testing.T) {
	store := newGatedStore()
	f := newFixture(t, true, store)
	f.enqueue(t, "p-1", models.OperationInsert)
	f.enqueue(t, "p-2", models.OperationInsert)
	f.enqueue(t, "p-3", models.OperationInsert)

	done := make(chan *SyncResult, 1)
	go func() {
		result, err := f.engine.ForceSync(context.Background())
		assert.NoError(t, err)
		done <- result
	}()
	<-store.entered

	f.engine.setOnline(false)
	close(store.release)

	result := <-done
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Synced)
	assert.Zero(t, result.Remaining)
	assert.Empty(t, f.pending(t))
	assert.Equal(t, StateOffline, f.engine.State())
}

// TestForceSync_cascadeDelete verifies a patient delete removes the
// documents of everything the patient owned.
func TestForceSync_cascadeDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, nil)
	repo := db.NewRepository(f.database.DB, f.outbox, db.WithClock(func() time.Time { return testNow }))

	p := &models.Patient{Name: "Ada Lovelace"}
	require.NoError(t, repo.CreatePatient(ctx, p))
	m := &models.Medicine{PatientID: p.ID, Name: "Metformin", TimeSlot: models.TimeSlotMorning,
		ScheduledTime: "08:00", DurationDays: 30}
	require.NoError(t, repo.CreateMedicine(ctx, m))
	l := &models.AdherenceLog{MedicineID: m.ID, ScheduledTime: testNow.Add(-time.Hour).Unix(), Status: models.StatusUnwell}
	require.NoError(t, repo.CreateAdherenceLog(ctx, l))
	require.NoError(t, repo.CreateSymptom(ctx, &models.Symptom{LogID: l.ID, SymptomType: "nausea"}))
	c := &models.Caregiver{Name: "Grace"}
	require.NoError(t, repo.CreateCaregiver(ctx, c))
	require.NoError(t, repo.LinkCaregiver(ctx, &models.CaregiverLink{PatientID: p.ID, CaregiverID: c.ID}))

	_, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, f.store.Len())

	require.NoError(t, repo.DeletePatient(ctx, p.ID))
	result, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	// Only the caregiver, which the patient did not own, is left.
	assert.Equal(t, 1, f.store.Len())
	_, err = f.store.Get(ctx, models.TableCaregivers, c.ID)
	assert.NoError(t, err)
	for _, key := range [][2]string{
		{models.TablePatients, p.ID},
		{models.TableMedicines, m.ID},
		{models.TableAdherenceLogs, l.ID},
	} {
		_, err := f.store.Get(ctx, key[0], key[1])
		assert.ErrorIs(t, err, remote.ErrNotFound, key[0])
	}
}

// TestForceSync_cascadeDeleteRetries verifies a failed child delete keeps
// the whole item pending and a later drain finishes it.
func TestForceSync_cascadeDeleteRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, nil)
	payload := []byte(`{"cascade":[{"table":"medicines","recordId":"m-1"}]}`)
	require.NoError(t, f.store.Upsert(ctx, models.TableMedicines, "m-1", []byte(`{"name":"x"}`)))
	require.NoError(t, f.store.Upsert(ctx, models.TablePatients, "p-1", []byte(`{"name":"y"}`)))
	_, err := f.outbox.Enqueue(ctx, models.TablePatients, "p-1", models.OperationDelete, payload)
	require.NoError(t, err)

	f.store.FailWith(func(table, id string) error {
		if table == models.TableMedicines {
			return errors.New("remote unavailable")
		}
		return nil
	})
	result, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, f.pending(t), 1)
	_, err = f.store.Get(ctx, models.TablePatients, "p-1")
	assert.NoError(t, err, "parent removed before its children")

	f.store.FailWith(nil)
	result, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, f.store.Len())
}

// TestRunDrains_coalesces verifies a burst of triggers during a drain causes
// exactly one follow-up drain.
func TestRunDrains_coalesces(t *testing.T) {
	store := newGatedStore()
	f := newFixture(t, true, store)
	f.enqueue(t, "p-1", models.OperationInsert)

	done := make(chan *SyncResult, 1)
	go func() {
		result, err := f.engine.runDrains(context.Background())
		assert.NoError(t, err)
		done <- result
	}()
	<-store.entered

	f.enqueue(t, "p-2", models.OperationInsert)
	f.enqueue(t, "p-3", models.OperationInsert)

	var wg sync.WaitGroup
	var refused int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.runDrains(context.Background()); apperrors.Is(err, apperrors.ErrSyncInProgress) {
				atomic.AddInt32(&refused, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), refused)

	close(store.release)
	last := <-done
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Synced)

	assert.Equal(t, 2, f.events.count(SyncEventStarted))
	assert.Equal(t, 2, f.events.count(SyncEventCompleted))
	assert.Empty(t, f.pending(t))
}

// TestEngine_drainsOnReconnect verifies the offline to online edge drains.
func TestEngine_drainsOnReconnect(t *testing.T) {
	f := newFixture(t, false, nil)
	f.engine.Start(context.Background())

	_, err := f.engine.QueueSync(context.Background(), models.TablePatients, "p-1",
		models.OperationInsert, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)

	assert.Never(t, func() bool { return f.store.Len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.sw.Set(true)

	require.Eventually(t, func() bool { return len(f.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	doc, err := f.store.Get(context.Background(), models.TablePatients, "p-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada"}`, string(doc))
	assert.Equal(t, 1, f.events.count(SyncEventConnectivityChanged))

	f.sw.Set(false)
	require.Eventually(t, func() bool { return f.engine.State() == StateOffline }, time.Second, 5*time.Millisecond)
}

// TestEngine_startDrainsBacklog verifies items left from a previous run go
// out as soon as the engine starts online.
func TestEngine_startDrainsBacklog(t *testing.T) {
	f := newFixture(t, true, nil)
	f.enqueue(t, "p-1", models.OperationInsert)
	f.enqueue(t, "p-2", models.OperationInsert)

	f.engine.Start(context.Background())

	require.Eventually(t, func() bool { return f.store.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
}

// TestEngine_repositoryNotifier verifies a committed write reaches the
// remote without an explicit sync call.
func TestEngine_repositoryNotifier(t *testing.T) {
	f := newFixture(t, true, nil)
	repo := db.NewRepository(f.database.DB, f.outbox)
	repo.SetChangeNotifier(f.engine.Notify)
	f.engine.Start(context.Background())

	p := &models.Patient{Name: "Ada Lovelace"}
	require.NoError(t, repo.CreatePatient(context.Background(), p))

	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), models.TablePatients, p.ID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

// TestForceSync_itemTimeout verifies a hung remote call fails the item only.
func TestForceSync_itemTimeout(t *testing.T) {
	f := newFixture(t, true, hangingStore{remote.NewMemoryStore()})
	f.engine.itemTimeout = 20 * time.Millisecond
	f.enqueue(t, "p-1", models.OperationInsert)

	result, err := f.engine.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastError, "deadline exceeded")
}

// TestErrorHistory verifies the history is bounded and clearable.
func TestErrorHistory(t *testing.T) {
	f := newFixture(t, true, nil)
	item := &models.OutboxItem{Seq: 1, Table: models.TablePatients, RecordID: "p-1", Operation: models.OperationInsert}

	for i := 0; i < maxErrorHistory+10; i++ {
		f.engine.recordError(item, errors.New("boom"))
	}
	assert.Len(t, f.engine.GetErrorHistory(), maxErrorHistory)

	history := f.engine.GetErrorHistory()
	history[0].Key = "mutated"
	assert.Equal(t, "patients/p-1", f.engine.GetErrorHistory()[0].Key)

	f.engine.ClearErrorHistory()
	assert.Empty(t, f.engine.GetErrorHistory())
}

// TestSetEventHandler_nil verifies nil handler is handled.
func TestSetEventHandler_nil(t *testing.T) {
	f := newFixture(t, true, nil)
	f.engine.SetEventHandler(nil)
	f.enqueue(t, "p-1", models.OperationInsert)

	_, err := f.engine.ForceSync(context.Background())
	assert.NoError(t, err)
}

// TestSyncEventHandlerFunc verifies the function adapter.
func TestSyncEventHandlerFunc(t *testing.T) {
	var got SyncEvent
	h := SyncEventHandlerFunc(func(e SyncEvent) { got = e })
	h.OnSyncEvent(SyncEvent{Type: SyncEventCompleted})
	assert.Equal(t, SyncEventCompleted, got.Type)
}

// TestStop_idempotent verifies Stop without Start and twice.
func TestStop_idempotent(t *testing.T) {
	f := newFixture(t, true, nil)
	f.engine.Stop()
	f.engine.Start(context.Background())
	f.engine.Stop()
	f.engine.Stop()
}
