// Package remote holds the adapters that deliver outbox items to the shared
// document store.
//
// Every backend addresses documents as "<table>/<record id>" and applies an
// upsert as a shallow merge of top-level JSON fields into the stored
// document, so replaying an item is harmless.
package remote

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for documents that do not exist.
var ErrNotFound = errors.New("remote: document not found")

// Store is the remote side of the sync engine.
type Store interface {
	// Upsert merges payload, a JSON object, into the document.
	Upsert(ctx context.Context, table, id string, payload []byte) error
	// Delete removes the document. Deleting a missing document succeeds.
	Delete(ctx context.Context, table, id string) error
	// Get returns the stored document.
	Get(ctx context.Context, table, id string) ([]byte, error)
	Close() error
}

// Key is the document address shared by all backends.
func Key(table, id string) string {
	return table + "/" + id
}

// Merge overlays the top-level fields of patch onto existing. Both must be
// JSON objects; an empty existing document is treated as {}.
func Merge(existing, patch []byte) ([]byte, error) {
	fields, err := decodeObject(patch)
	if err != nil {
		return nil, errors.Wrap(err, "decode patch")
	}
	if len(existing) == 0 {
		return json.Marshal(fields)
	}
	doc, err := decodeObject(existing)
	if err != nil {
		return nil, errors.Wrap(err, "decode stored document")
	}
	for k, v := range fields {
		doc[k] = v
	}
	return json.Marshal(doc)
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("document is not a JSON object")
	}
	return obj, nil
}
