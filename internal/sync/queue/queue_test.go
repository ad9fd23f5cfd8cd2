// Package queue_test provides unit tests for the outbox.
package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/adherence/backend/internal/db"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/sync/queue"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newOutbox(t *testing.T) (*queue.Outbox, *fakeClock, *db.DB) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	clock := &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	return queue.NewOutbox(database.DB, queue.WithClock(clock.Now)), clock, database
}

// TestEnqueue tests appending items and the returned shape.
func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	o, clock, _ := newOutbox(t)

	item, err := o.Enqueue(ctx, models.TablePatients, "p-1", models.OperationInsert, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)

	assert.Positive(t, item.Seq)
	assert.Equal(t, "patients/p-1", item.Key())
	assert.Equal(t, models.PayloadVersion, item.PayloadVersion)
	assert.False(t, item.IsSynced())
	assert.Equal(t, clock.t.Unix(), item.CreatedAt.Unix())

	stored, err := o.Get(ctx, item.Seq)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada"}`, string(stored.Payload))
	assert.Equal(t, models.OperationInsert, stored.Operation)
}

// TestEnqueueValidation tests rejected items never reach the table.
func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOutbox(t)

	cases := []struct {
		name    string
		table   string
		record  string
		op      models.Operation
		payload []byte
	}{
		{"missing table", "", "r", models.OperationInsert, []byte(`{}`)},
		{"missing record", "patients", "", models.OperationInsert, []byte(`{}`)},
		{"unknown op", "patients", "r", models.Operation("upsert"), []byte(`{}`)},
		{"insert without payload", "patients", "r", models.OperationInsert, nil},
		{"update with invalid json", "patients", "r", models.OperationUpdate, []byte(`{name:`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Enqueue(ctx, tc.table, tc.record, tc.op, tc.payload)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), err)
		})
	}

	n, err := o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestEnqueueDeletePayload tests delete items with and without a cascade.
func TestEnqueueDeletePayload(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOutbox(t)

	plain, err := o.Enqueue(ctx, models.TableMedicines, "m-1", models.OperationDelete, nil)
	require.NoError(t, err)
	stored, err := o.Get(ctx, plain.Seq)
	require.NoError(t, err)
	assert.Nil(t, stored.Payload)

	cascade := []byte(`{"cascade":[{"table":"adherence_logs","recordId":"l-1"}]}`)
	withChildren, err := o.Enqueue(ctx, models.TableMedicines, "m-2", models.OperationDelete, cascade)
	require.NoError(t, err)
	stored, err = o.Get(ctx, withChildren.Seq)
	require.NoError(t, err)
	dp, err := models.DecodeDeletePayload(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, []models.DocumentRef{{Table: models.TableAdherenceLogs, RecordID: "l-1"}}, dp.Cascade)

	_, err = o.Enqueue(ctx, models.TableMedicines, "m-3", models.OperationDelete, []byte(`{"cascade":`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestPendingItemsOrder tests FIFO order with repeated records.
func TestPendingItemsOrder(t *testing.T) {
	ctx := context.Background()
	o, clock, _ := newOutbox(t)

	_, err := o.Enqueue(ctx, models.TablePatients, "p-1", models.OperationInsert, []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, models.TablePatients, "p-2", models.OperationInsert, []byte(`{"v":1}`))
	require.NoError(t, err)
	// Clock moving backwards must not reorder the queue.
	clock.t = clock.t.Add(-time.Hour)
	_, err = o.Enqueue(ctx, models.TablePatients, "p-1", models.OperationUpdate, []byte(`{"v":2}`))
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, models.TablePatients, "p-1", models.OperationDelete, nil)
	require.NoError(t, err)

	items, err := o.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 4)

	var ops []models.Operation
	for i, item := range items {
		if i > 0 {
			assert.Greater(t, item.Seq, items[i-1].Seq)
		}
		if item.RecordID == "p-1" {
			ops = append(ops, item.Operation)
		}
	}
	assert.Equal(t, []models.Operation{models.OperationInsert, models.OperationUpdate, models.OperationDelete}, ops)
}

// TestMarkSyncedIdempotent tests marking twice is a no-op.
func TestMarkSyncedIdempotent(t *testing.T) {
	ctx := context.Background()
	o, clock, _ := newOutbox(t)

	item, err := o.Enqueue(ctx, models.TableAdherenceLogs, "l-1", models.OperationInsert, []byte(`{}`))
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, o.MarkSynced(ctx, item.Seq))
	firstAt := clock.t

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, o.MarkSynced(ctx, item.Seq))

	stored, err := o.Get(ctx, item.Seq)
	require.NoError(t, err)
	at, ok := stored.SyncedAt()
	require.True(t, ok)
	assert.Equal(t, firstAt.Unix(), at.Unix(), "second mark must not move the timestamp")

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 0, stats.Pending)

	pending, err := o.PendingItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestMarkSyncedUnknown tests an unknown sequence is NOT_FOUND.
func TestMarkSyncedUnknown(t *testing.T) {
	o, _, _ := newOutbox(t)
	err := o.MarkSynced(context.Background(), 999)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), err)
}

// TestMarkFailed tests failed attempts keep the item pending.
func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOutbox(t)

	item, err := o.Enqueue(ctx, models.TableSymptoms, "s-1", models.OperationInsert, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, o.MarkFailed(ctx, item.Seq, errors.New("remote timeout")))
	require.NoError(t, o.MarkFailed(ctx, item.Seq, errors.New("remote refused")))

	stored, err := o.Get(ctx, item.Seq)
	require.NoError(t, err)
	assert.False(t, stored.IsSynced())
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, "remote refused", stored.LastError)

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failing)
	assert.Equal(t, stored.CreatedAt.Unix(), stats.Oldest)
}

// TestPurgeSynced tests only old synced items are removed.
func TestPurgeSynced(t *testing.T) {
	ctx := context.Background()
	o, clock, _ := newOutbox(t)

	old, err := o.Enqueue(ctx, models.TablePatients, "p-1", models.OperationInsert, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, o.MarkSynced(ctx, old.Seq))

	clock.t = clock.t.Add(48 * time.Hour)
	pending, err := o.Enqueue(ctx, models.TablePatients, "p-2", models.OperationInsert, []byte(`{}`))
	require.NoError(t, err)

	n, err := o.PurgeSynced(ctx, clock.t.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = o.Get(ctx, old.Seq)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = o.Get(ctx, pending.Seq)
	assert.NoError(t, err)
}

// TestEnqueueTxRollback tests an item enqueued inside a rolled back
// transaction disappears with it.
func TestEnqueueTxRollback(t *testing.T) {
	ctx := context.Background()
	o, _, database := newOutbox(t)

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = o.EnqueueTx(ctx, tx, models.TablePatients, "p-1", models.OperationInsert, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := o.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
