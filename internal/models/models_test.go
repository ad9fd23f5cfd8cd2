// Package models tests for data model helpers.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStatusValid(t *testing.T) {
	assert.True(t, StatusTaken.Valid())
	assert.True(t, StatusMissed.Valid())
	assert.True(t, StatusUnwell.Valid())
	assert.False(t, LogStatus("skipped").Valid())
	assert.False(t, LogStatus("").Valid())

	assert.False(t, StatusTaken.NonAdherent())
	assert.True(t, StatusMissed.NonAdherent())
	assert.True(t, StatusUnwell.NonAdherent())
}

func TestOperationAndInterventionValid(t *testing.T) {
	for _, op := range []Operation{OperationInsert, OperationUpdate, OperationDelete} {
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, Operation("upsert").Valid())

	assert.True(t, InterventionVisit.Valid())
	assert.False(t, InterventionType("email").Valid())
}

func TestScheduleWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s, e := ScheduleWindow(start, 10)

	assert.Equal(t, start.Unix(), s)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC).Unix(), e)

	m := &Medicine{StartDate: s, EndDate: e}
	assert.True(t, m.ActiveAt(start))
	assert.True(t, m.ActiveAt(start.AddDate(0, 0, 10)))
	assert.False(t, m.ActiveAt(start.Add(-time.Second)))
	assert.False(t, m.ActiveAt(start.AddDate(0, 0, 11)))
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("07:45")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 45, m)

	_, _, err = ParseClock("7pm")
	assert.Error(t, err)
}

func TestOutboxItemStatus(t *testing.T) {
	item := OutboxItem{Seq: 1, Table: TableAdherenceLogs, RecordID: "abc", Status: Pending{}}
	assert.False(t, item.IsSynced())
	_, ok := item.SyncedAt()
	assert.False(t, ok)
	assert.Equal(t, "adherence_logs/abc", item.Key())

	at := time.Unix(1700000000, 0).UTC()
	item.Status = Synced{At: at}
	assert.True(t, item.IsSynced())
	got, ok := item.SyncedAt()
	assert.True(t, ok)
	assert.Equal(t, at, got)
}

func TestOutboxItemMarshalJSON(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	item := OutboxItem{
		Seq:            7,
		Table:          TablePatients,
		RecordID:       "p-1",
		Operation:      OperationUpdate,
		Payload:        json.RawMessage(`{"name":"Ada"}`),
		PayloadVersion: PayloadVersion,
		Status:         Pending{},
		CreatedAt:      created,
	}

	data, err := json.Marshal(item)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "patients", out["table"])
	assert.Equal(t, "p-1", out["recordId"])
	assert.Equal(t, "update", out["operation"])
	assert.Equal(t, false, out["synced"])
	assert.NotContains(t, out, "syncedAt")

	item.Status = Synced{At: created.Add(time.Minute)}
	data, err = json.Marshal(item)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["synced"])
	assert.Contains(t, out, "syncedAt")
}

func TestIsSyncedTable(t *testing.T) {
	assert.True(t, IsSyncedTable(TableMedicines))
	assert.False(t, IsSyncedTable(TableSyncQueue))
}
