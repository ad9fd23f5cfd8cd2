// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted             SyncEventType = "sync_started"
	SyncEventCompleted           SyncEventType = "sync_completed"
	SyncEventItemFailed          SyncEventType = "sync_item_failed"
	SyncEventConnectivityChanged SyncEventType = "connectivity_changed"
)

// SyncEvent is delivered to a SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType          `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SyncEventHandler receives sync notifications. Calls are made from the
// goroutine running the drain and must not block for long.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// ForceSync drains the outbox now.
	ForceSync(ctx context.Context) (*SyncResult, error)

	// QueueSync enqueues a mutation outside the event store and triggers a drain.
	QueueSync(ctx context.Context, table, recordID string, op models.Operation, payload []byte) (*models.OutboxItem, error)

	// Notify requests a drain without waiting for it.
	Notify()

	// Status returns the current state and pending count.
	Status(ctx context.Context) (Status, error)

	SetEventHandler(handler SyncEventHandler)
	GetErrorHistory() []SyncError
	ClearErrorHistory()
}

var _ SyncEngineInterface = (*Engine)(nil)
