package remote

import (
	"context"
	"sync"
)

// Op records one call made against a MemoryStore.
type Op struct {
	Kind string // "upsert" or "delete"
	Key  string
}

// MemoryStore keeps documents in process. It backs tests and the
// REMOTE_BACKEND=memory mode.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
	ops  []Op
	fail func(table, id string) error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// FailWith installs a hook consulted before every write. A non-nil result
// fails the call without changing the store.
func (m *MemoryStore) FailWith(fn func(table, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Upsert merges payload into the stored document.
func (m *MemoryStore) Upsert(ctx context.Context, table, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fail != nil {
		if err := m.fail(table, id); err != nil {
			return err
		}
	}
	key := Key(table, id)
	merged, err := Merge(m.docs[key], payload)
	if err != nil {
		return err
	}
	m.docs[key] = merged
	m.ops = append(m.ops, Op{Kind: "upsert", Key: key})
	return nil
}

// Delete removes the document.
func (m *MemoryStore) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fail != nil {
		if err := m.fail(table, id); err != nil {
			return err
		}
	}
	key := Key(table, id)
	delete(m.docs, key)
	m.ops = append(m.ops, Op{Kind: "delete", Key: key})
	return nil
}

// Get returns a copy of the stored document.
func (m *MemoryStore) Get(ctx context.Context, table, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[Key(table, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// Ops returns the successful calls in the order they were applied.
func (m *MemoryStore) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
