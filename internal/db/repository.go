package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/sync/queue"
)

// Repository is the event store: CRUD for every entity plus the derived
// adherence queries. Every mutation writes its row(s) and exactly one
// outbox item in the same transaction.
type Repository struct {
	db     *sql.DB
	outbox *queue.Outbox
	now    func() time.Time
	loc    *time.Location

	notifyMu sync.RWMutex
	notify   func()

	// Prepared statement cache for read queries run outside transactions.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = now
	}
}

// WithLocation sets the time zone used for calendar-day grouping.
func WithLocation(loc *time.Location) RepositoryOption {
	return func(r *Repository) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// NewRepository creates a Repository. The outbox must share db so that
// entity writes and enqueues commit together.
func NewRepository(db *sql.DB, outbox *queue.Outbox, opts ...RepositoryOption) *Repository {
	r := &Repository{
		db:     db,
		outbox: outbox,
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetChangeNotifier registers fn to be called after every committed
// mutation. The sync engine uses it to start a drain.
func (r *Repository) SetChangeNotifier(fn func()) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notify = fn
}

// Outbox returns the outbox the repository writes to.
func (r *Repository) Outbox() *queue.Outbox {
	return r.outbox
}

// Location returns the time zone used for calendar days.
func (r *Repository) Location() *time.Location {
	return r.loc
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare statement", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// mutation describes one write and the outbox item it produces.
type mutation struct {
	table    string
	recordID string
	op       models.Operation
	record   interface{} // marshalled as the payload for insert/update
	write    func(tx *sql.Tx) error
	// cascade lists the documents a delete removes with its row. It runs
	// inside the transaction before write.
	cascade func(tx *sql.Tx) ([]models.DocumentRef, error)
}

// apply runs m.write and the enqueue in one transaction, then notifies.
func (r *Repository) apply(ctx context.Context, m *mutation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var cascade []models.DocumentRef
	if m.cascade != nil {
		if cascade, err = m.cascade(tx); err != nil {
			return err
		}
	}
	if err := m.write(tx); err != nil {
		return err
	}

	// write may complete the record (e.g. stored created_at), so encode after.
	var payload []byte
	switch {
	case m.op != models.OperationDelete:
		payload, err = json.Marshal(m.record)
	case len(cascade) > 0:
		payload, err = json.Marshal(models.DeletePayload{Cascade: cascade})
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode outbox payload", err)
	}
	if _, err := r.outbox.EnqueueTx(ctx, tx, m.table, m.recordID, m.op, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}

	logging.Debug("Event store write committed", map[string]interface{}{
		"table":     m.table,
		"record_id": m.recordID,
		"operation": string(m.op),
	})

	r.notifyMu.RLock()
	fn := r.notify
	r.notifyMu.RUnlock()
	if fn != nil {
		fn()
	}
	return nil
}

// exists reports whether a row with id exists in table.
func exists(ctx context.Context, q queue.Execer, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to check "+table, err)
	}
	return true, nil
}

// requireParent fails with INTEGRITY_ERROR when the referenced row is missing.
func requireParent(ctx context.Context, q queue.Execer, table, id, what string) error {
	ok, err := exists(ctx, q, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Integrity(fmt.Sprintf("%s %s does not exist", what, id))
	}
	return nil
}

// requireRow fails with NOT_FOUND when the row is missing.
func requireRow(ctx context.Context, q queue.Execer, table, id, what string) error {
	ok, err := exists(ctx, q, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", what, id)
	}
	return nil
}

// classify maps driver constraint errors to the error taxonomy.
func classify(err error, message string) error {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return apperrors.Wrap(apperrors.ErrIntegrity, message, err)
		case sqlite3.SQLITE_CONSTRAINT_CHECK,
			sqlite3.SQLITE_CONSTRAINT_NOTNULL,
			sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			sqlite3.SQLITE_CONSTRAINT_TRIGGER:
			return apperrors.Wrap(apperrors.ErrValidation, message, err)
		}
	}
	return apperrors.Wrap(apperrors.ErrDatabase, message, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// startOfDay returns local midnight of t's calendar day.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
