// Package sync delivers outbox items to the remote store.
//
// The Engine is Offline, Idle or Syncing. It drains the outbox when
// connectivity is restored, when a write is queued while online, on a
// schedule, and on demand. At most one drain runs at a time; a trigger that
// arrives during a drain schedules exactly one follow-up drain.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/sync/connectivity"
	"github.com/kimhsiao/adherence/backend/internal/sync/remote"
)

// State is the engine's connectivity/sync state.
type State string

const (
	StateOffline State = "offline"
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// DefaultItemTimeout bounds a single remote call.
const DefaultItemTimeout = 30 * time.Second

const maxErrorHistory = 100

// Outbox is the queue the engine drains.
type Outbox interface {
	Enqueue(ctx context.Context, table, recordID string, op models.Operation, payload []byte) (*models.OutboxItem, error)
	PendingItems(ctx context.Context) ([]*models.OutboxItem, error)
	PendingCount(ctx context.Context) (int, error)
	MarkSynced(ctx context.Context, seq int64) error
	MarkFailed(ctx context.Context, seq int64, cause error) error
}

// Config holds engine configuration.
type Config struct {
	// ItemTimeout bounds each remote call. Zero disables the bound.
	ItemTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{ItemTimeout: DefaultItemTimeout}
}

// SyncResult summarizes one drain pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
}

// Status is a snapshot of the engine.
type Status struct {
	State        State      `json:"state"`
	IsOnline     bool       `json:"is_online"`
	IsSyncing    bool       `json:"is_syncing"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Pending      int        `json:"pending"`
}

// SyncError records one failed delivery.
type SyncError struct {
	Seq       int64            `json:"seq"`
	Key       string           `json:"key"`
	Operation models.Operation `json:"operation"`
	Error     string           `json:"error"`
	Timestamp time.Time        `json:"timestamp"`
}

// Engine drains the outbox into the remote store.
type Engine struct {
	outbox      Outbox
	remote      remote.Store
	monitor     connectivity.Monitor
	now         func() time.Time
	itemTimeout time.Duration

	syncing int32 // 1 while a drain runs
	rerun   int32 // 1 when a trigger arrived during a drain

	mu           sync.RWMutex
	online       bool
	lastSyncTime time.Time
	handler      SyncEventHandler
	errHistory   []SyncError

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an Engine. The initial state follows monitor.Online().
func NewEngine(outbox Outbox, store remote.Store, monitor connectivity.Monitor, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		outbox:      outbox,
		remote:      store,
		monitor:     monitor,
		now:         now,
		itemTimeout: cfg.ItemTimeout,
		online:      monitor.Online(),
		trigger:     make(chan struct{}, 1),
	}
}

// SetEventHandler sets the handler receiving sync events. nil disables
// events.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Start subscribes to connectivity changes and runs the event loop until
// Stop is called or ctx is done. Pending items left from a previous run are
// drained right away when online.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	changes, unsubscribe := e.monitor.Subscribe()
	e.setOnline(e.monitor.Online())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		e.loop(ctx, changes)
	}()

	e.Notify()
	logging.Info("Sync engine started", map[string]interface{}{"online": e.Online()})
}

// Stop cancels the loop and waits for it and any running drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	logging.Info("Sync engine stopped")
}

func (e *Engine) loop(ctx context.Context, changes <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !e.setOnline(online) {
				continue
			}
			e.emit(SyncEventConnectivityChanged, map[string]interface{}{"online": online})
			if online {
				e.spawnDrain(ctx)
			}
		case <-e.trigger:
			if e.Online() {
				e.spawnDrain(ctx)
			}
		}
	}
}

// spawnDrain runs drains off the loop goroutine so connectivity edges keep
// being observed while syncing.
func (e *Engine) spawnDrain(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.runDrains(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			logging.Error("Background sync failed", err)
		}
	}()
}

// Notify asks the loop to drain. It never blocks.
func (e *Engine) Notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// QueueSync enqueues an item and triggers a drain.
func (e *Engine) QueueSync(ctx context.Context, table, recordID string, op models.Operation, payload []byte) (*models.OutboxItem, error) {
	item, err := e.outbox.Enqueue(ctx, table, recordID, op, payload)
	if err != nil {
		return nil, err
	}
	e.Notify()
	return item, nil
}

// ForceSync drains synchronously. It fails with CONNECTIVITY_ERROR when
// offline, leaving the queue untouched, and with SYNC_IN_PROGRESS when a
// drain is already running.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	if !e.Online() {
		return nil, apperrors.New(apperrors.ErrConnectivity, "cannot sync while offline")
	}
	return e.runDrains(ctx)
}

// runDrains performs a drain under the single-flight guard and repeats it
// while triggers arrived during the previous pass. The result is that of
// the last pass.
func (e *Engine) runDrains(ctx context.Context) (*SyncResult, error) {
	var (
		result *SyncResult
		err    error
	)
	for first := true; ; first = false {
		if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
			atomic.StoreInt32(&e.rerun, 1)
			if first {
				return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
			}
			return result, err
		}
		atomic.StoreInt32(&e.rerun, 0)
		result, err = e.drain(ctx)
		atomic.StoreInt32(&e.syncing, 0)

		if atomic.LoadInt32(&e.rerun) == 0 || !e.Online() || ctx.Err() != nil {
			return result, err
		}
	}
}

// drain delivers every pending item in order. A failed item is recorded and
// skipped; it stays pending for the next drain. Once started a pass visits
// the whole pending set even if connectivity drops; only cancellation
// ends it early.
func (e *Engine) drain(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.now()}

	items, err := e.outbox.PendingItems(ctx)
	if err != nil {
		return nil, err
	}
	e.emit(SyncEventStarted, map[string]interface{}{"pending": len(items)})

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		if err := e.deliver(ctx, item); err != nil {
			result.Failed++
			e.itemFailed(ctx, item, err)
			continue
		}
		if err := e.outbox.MarkSynced(ctx, item.Seq); err != nil {
			result.Failed++
			logging.Error("Failed to mark outbox item synced", err, map[string]interface{}{"seq": item.Seq})
			continue
		}
		result.Synced++
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Remaining = len(items) - result.Synced

	e.mu.Lock()
	e.lastSyncTime = result.EndTime
	e.mu.Unlock()

	logging.Info("Sync pass completed", map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"remaining": result.Remaining,
		"duration":  result.Duration.String(),
	})
	e.emit(SyncEventCompleted, map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"remaining": result.Remaining,
	})
	return result, nil
}

func (e *Engine) deliver(ctx context.Context, item *models.OutboxItem) error {
	if e.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.itemTimeout)
		defer cancel()
	}

	switch item.Operation {
	case models.OperationInsert, models.OperationUpdate:
		return e.remote.Upsert(ctx, item.Table, item.RecordID, item.Payload)
	case models.OperationDelete:
		dp, err := models.DecodeDeletePayload(item.Payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncItem, "invalid delete payload for "+item.Key(), err)
		}
		for _, ref := range dp.Cascade {
			if err := e.remote.Delete(ctx, ref.Table, ref.RecordID); err != nil {
				return err
			}
		}
		return e.remote.Delete(ctx, item.Table, item.RecordID)
	default:
		return apperrors.Newf(apperrors.ErrValidation, "unknown operation %q", item.Operation)
	}
}

func (e *Engine) itemFailed(ctx context.Context, item *models.OutboxItem, cause error) {
	err := apperrors.Wrap(apperrors.ErrSyncItem, "failed to deliver "+item.Key(), cause)
	logging.ErrorWithCode("Sync item failed", string(apperrors.ErrSyncItem), cause, map[string]interface{}{
		"seq":       item.Seq,
		"key":       item.Key(),
		"operation": string(item.Operation),
		"attempts":  item.Attempts + 1,
	})
	if markErr := e.outbox.MarkFailed(ctx, item.Seq, cause); markErr != nil {
		logging.Error("Failed to record outbox failure", markErr, map[string]interface{}{"seq": item.Seq})
	}
	e.recordError(item, err)
	e.emit(SyncEventItemFailed, map[string]interface{}{
		"seq":   item.Seq,
		"key":   item.Key(),
		"error": cause.Error(),
	})
}

func (e *Engine) recordError(item *models.OutboxItem, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errHistory = append(e.errHistory, SyncError{
		Seq:       item.Seq,
		Key:       item.Key(),
		Operation: item.Operation,
		Error:     err.Error(),
		Timestamp: e.now(),
	})
	if len(e.errHistory) > maxErrorHistory {
		e.errHistory = e.errHistory[len(e.errHistory)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of the most recent delivery failures.
func (e *Engine) GetErrorHistory() []SyncError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]SyncError(nil), e.errHistory...)
}

// ClearErrorHistory forgets recorded failures.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errHistory = nil
}

// setOnline records the state and reports whether it changed.
func (e *Engine) setOnline(online bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.online != online
	e.online = online
	return changed
}

// Online reports the last observed connectivity.
func (e *Engine) Online() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online
}

// State returns Offline, Idle or Syncing.
func (e *Engine) State() State {
	switch {
	case !e.Online():
		return StateOffline
	case atomic.LoadInt32(&e.syncing) == 1:
		return StateSyncing
	default:
		return StateIdle
	}
}

// Status returns a snapshot including the pending item count.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.outbox.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Status{
		IsOnline:  e.online,
		IsSyncing: atomic.LoadInt32(&e.syncing) == 1,
		Pending:   pending,
	}
	switch {
	case !s.IsOnline:
		s.State = StateOffline
	case s.IsSyncing:
		s.State = StateSyncing
	default:
		s.State = StateIdle
	}
	if !e.lastSyncTime.IsZero() {
		t := e.lastSyncTime
		s.LastSyncTime = &t
	}
	return s, nil
}

func (e *Engine) emit(typ SyncEventType, data map[string]interface{}) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	handler.OnSyncEvent(SyncEvent{Type: typ, Timestamp: e.now(), Data: data})
}
