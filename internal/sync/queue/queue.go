// Package queue provides the durable outbox of mutations waiting to reach
// the remote store.
//
// Items are appended in the same SQL transaction as the local write they
// describe (EnqueueTx) and stay pending until the sync engine reports a
// remote acknowledgement (MarkSynced). The queue never reorders or merges
// items: several pending items for one record drain in the order written.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Outbox manages the sync_queue table.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithClock overrides the time source used for created/synced timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		o.now = now
	}
}

// NewOutbox creates an Outbox over db. The sync_queue table must exist.
func NewOutbox(db *sql.DB, opts ...Option) *Outbox {
	o := &Outbox{db: db, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stats summarizes the queue.
type Stats struct {
	Pending int   `json:"pending"`
	Synced  int   `json:"synced"`
	Failing int   `json:"failing"` // pending items with at least one failed attempt
	Oldest  int64 `json:"oldest_pending_at,omitempty"`
}

const itemColumns = `seq, table_name, record_id, operation, payload, payload_version,
	synced, synced_at, created_at, attempts, last_error`

// Enqueue appends an item outside of any caller transaction.
func (o *Outbox) Enqueue(ctx context.Context, table, recordID string, op models.Operation, payload []byte) (*models.OutboxItem, error) {
	return o.EnqueueTx(ctx, o.db, table, recordID, op, payload)
}

// EnqueueTx appends an item using ex, normally the *sql.Tx of the write the
// item describes. Insert and update items require a JSON payload; a delete
// item may carry one listing the documents removed by cascade.
func (o *Outbox) EnqueueTx(ctx context.Context, ex Execer, table, recordID string, op models.Operation, payload []byte) (*models.OutboxItem, error) {
	if table == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "outbox table name is required")
	}
	if recordID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "outbox record id is required")
	}
	if !op.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown outbox operation %q", op)
	}
	if len(payload) == 0 {
		payload = nil
		if op != models.OperationDelete {
			return nil, apperrors.Newf(apperrors.ErrValidation, "%s of %s/%s requires a payload", op, table, recordID)
		}
	} else if !json.Valid(payload) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "payload for %s/%s is not valid JSON", table, recordID)
	}

	now := o.now()
	res, err := ex.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, record_id, operation, payload, payload_version, synced, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		table, recordID, string(op), nullableBytes(payload), models.PayloadVersion, now.Unix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue outbox item", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read outbox sequence", err)
	}

	logging.Debug("Outbox item enqueued", map[string]interface{}{
		"seq":       seq,
		"table":     table,
		"record_id": recordID,
		"operation": string(op),
	})

	return &models.OutboxItem{
		Seq:            seq,
		Table:          table,
		RecordID:       recordID,
		Operation:      op,
		Payload:        payload,
		PayloadVersion: models.PayloadVersion,
		Status:         models.Pending{},
		CreatedAt:      time.Unix(now.Unix(), 0),
	}, nil
}

// PendingItems returns every unsynced item in the order it was written.
func (o *Outbox) PendingItems(ctx context.Context) ([]*models.OutboxItem, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM sync_queue WHERE synced = 0 ORDER BY seq ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending outbox items", err)
	}
	defer rows.Close()

	var items []*models.OutboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate outbox items", err)
	}
	return items, nil
}

// PendingCount returns the number of unsynced items.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE synced = 0`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending outbox items", err)
	}
	return n, nil
}

// Get returns one item by sequence number.
func (o *Outbox) Get(ctx context.Context, seq int64) (*models.OutboxItem, error) {
	row := o.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE seq = ?`, seq)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "outbox item %d not found", seq)
	}
	return item, err
}

// MarkSynced records a remote acknowledgement. Marking an already synced
// item is a no-op; an unknown sequence is NOT_FOUND.
func (o *Outbox) MarkSynced(ctx context.Context, seq int64) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE sync_queue SET synced = 1, synced_at = ?, last_error = NULL
		WHERE seq = ? AND synced = 0`, o.now().Unix(), seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark outbox item synced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = o.db.QueryRowContext(ctx, `SELECT 1 FROM sync_queue WHERE seq = ?`, seq).Scan(&exists)
	if err == sql.ErrNoRows {
		return apperrors.Newf(apperrors.ErrNotFound, "outbox item %d not found", seq)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to look up outbox item", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. The item stays pending and
// is retried on the next drain.
func (o *Outbox) MarkFailed(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = attempts + 1, last_error = ?
		WHERE seq = ? AND synced = 0`, msg, seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record outbox failure", err)
	}
	return nil
}

// Stats returns pending/synced counts.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var oldest sql.NullInt64
	err := o.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND attempts > 0 THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN synced = 0 THEN created_at END)
		FROM sync_queue`).Scan(&s.Pending, &s.Synced, &s.Failing, &oldest)
	if err != nil {
		return s, apperrors.Wrap(apperrors.ErrDatabase, "failed to compute outbox stats", err)
	}
	if oldest.Valid {
		s.Oldest = oldest.Int64
	}
	return s, nil
}

// PurgeSynced deletes synced items acknowledged before the cutoff. Pending
// items are never purged.
func (o *Outbox) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE synced = 1 AND synced_at < ?`, before.Unix())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge synced outbox items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Purged synced outbox items", map[string]interface{}{"count": n})
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s scanner) (*models.OutboxItem, error) {
	var (
		item      models.OutboxItem
		op        string
		payload   []byte
		synced    bool
		syncedAt  sql.NullInt64
		createdAt int64
		lastError sql.NullString
	)
	err := s.Scan(&item.Seq, &item.Table, &item.RecordID, &op, &payload, &item.PayloadVersion,
		&synced, &syncedAt, &createdAt, &item.Attempts, &lastError)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan outbox item", err)
	}

	item.Operation = models.Operation(op)
	if len(payload) > 0 {
		item.Payload = json.RawMessage(payload)
	}
	item.CreatedAt = time.Unix(createdAt, 0)
	item.LastError = lastError.String

	switch {
	case synced && syncedAt.Valid:
		item.Status = models.Synced{At: time.Unix(syncedAt.Int64, 0)}
	case !synced:
		item.Status = models.Pending{}
	default:
		return nil, fmt.Errorf("outbox item %d is synced without a timestamp", item.Seq)
	}
	return &item, nil
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
