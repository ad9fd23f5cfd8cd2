package remote

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

// BadgerStore keeps documents in an embedded badger database. It stands in
// for the shared store on a single machine, e.g. a clinic hub that devices
// sync to over the LAN.
type BadgerStore struct {
	db       *badger.DB
	cancelGC func()
	wg       sync.WaitGroup
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens or creates the database at path.
func OpenBadger(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrapf(err, "open badger db at %s", path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &BadgerStore{db: db, cancelGC: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				for s.db.RunValueLogGC(0.5) == nil && ctx.Err() == nil {
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return s, nil
}

// Upsert merges payload into the stored document.
func (s *BadgerStore) Upsert(ctx context.Context, table, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(Key(table, id))
	return s.db.Update(func(tx *badger.Txn) error {
		var existing []byte
		item, err := tx.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return errors.Wrapf(err, "get %s", key)
		default:
			if existing, err = item.ValueCopy(nil); err != nil {
				return errors.Wrapf(err, "read %s", key)
			}
		}

		merged, err := Merge(existing, payload)
		if err != nil {
			return err
		}
		return errors.Wrapf(tx.Set(key, merged), "set %s", key)
	})
}

// Delete removes the document.
func (s *BadgerStore) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(Key(table, id))
	return s.db.Update(func(tx *badger.Txn) error {
		return errors.Wrapf(tx.Delete(key), "delete %s", key)
	})
}

// Get returns the stored document.
func (s *BadgerStore) Get(ctx context.Context, table, id string) (doc []byte, err error) {
	err = s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(Key(table, id)))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "get document")
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	return
}

// Close stops value log GC and closes the database.
func (s *BadgerStore) Close() error {
	s.cancelGC()
	s.wg.Wait()
	return s.db.Close()
}
