package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation an outbox item carries.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is insert, update or delete.
func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PayloadVersion is the schema version written with every payload.
const PayloadVersion = 1

// DocumentRef addresses one remote document.
type DocumentRef struct {
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
}

// Key is the remote document address "<table>/<record id>".
func (d DocumentRef) Key() string {
	return d.Table + "/" + d.RecordID
}

// DeletePayload is carried by a delete item whose row owned other rows.
// Cascade lists the documents removed with it, children before parents.
type DeletePayload struct {
	Cascade []DocumentRef `json:"cascade"`
}

// DecodeDeletePayload reads a delete item's payload. An empty payload has
// no cascade.
func DecodeDeletePayload(payload []byte) (*DeletePayload, error) {
	var p DeletePayload
	if len(payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// OutboxStatus is either Pending or Synced. A synced item always carries
// the time it was acknowledged.
type OutboxStatus interface {
	isOutboxStatus()
}

// Pending marks an item that has not reached the remote store.
type Pending struct{}

// Synced marks an item acknowledged by the remote store at At.
type Synced struct {
	At time.Time
}

func (Pending) isOutboxStatus() {}
func (Synced) isOutboxStatus()  {}

// OutboxItem is one pending or delivered mutation in sync_queue.
// Seq is the monotonically increasing operation sequence.
type OutboxItem struct {
	Seq            int64
	Table          string
	RecordID       string
	Operation      Operation
	Payload        json.RawMessage
	PayloadVersion int
	Status         OutboxStatus
	CreatedAt      time.Time
	Attempts       int
	LastError      string
}

// TableName returns the table name for OutboxItem.
func (OutboxItem) TableName() string {
	return TableSyncQueue
}

// Key is the remote document address "<table>/<record id>".
func (i *OutboxItem) Key() string {
	return i.Table + "/" + i.RecordID
}

// IsSynced reports whether the item has been acknowledged.
func (i *OutboxItem) IsSynced() bool {
	_, ok := i.Status.(Synced)
	return ok
}

// SyncedAt returns the acknowledgement time, if any.
func (i *OutboxItem) SyncedAt() (time.Time, bool) {
	s, ok := i.Status.(Synced)
	return s.At, ok
}

type outboxItemJSON struct {
	Seq            int64           `json:"seq"`
	Table          string          `json:"table"`
	RecordID       string          `json:"recordId"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadVersion int             `json:"payloadVersion"`
	Synced         bool            `json:"synced"`
	CreatedAt      time.Time       `json:"createdAt"`
	SyncedAt       *time.Time      `json:"syncedAt,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
}

// MarshalJSON renders the external outbox item shape.
func (i OutboxItem) MarshalJSON() ([]byte, error) {
	out := outboxItemJSON{
		Seq:            i.Seq,
		Table:          i.Table,
		RecordID:       i.RecordID,
		Operation:      i.Operation,
		Payload:        i.Payload,
		PayloadVersion: i.PayloadVersion,
		CreatedAt:      i.CreatedAt,
		Attempts:       i.Attempts,
		LastError:      i.LastError,
	}
	if at, ok := i.SyncedAt(); ok {
		out.Synced = true
		out.SyncedAt = &at
	}
	return json.Marshal(out)
}
