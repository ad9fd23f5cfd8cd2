package remote

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// DefaultBucket is the JetStream key-value bucket holding documents.
const DefaultBucket = "ADHERENCE_DOCS"

// NATSStore keeps documents in a JetStream key-value bucket.
type NATSStore struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	ownsConn bool
}

var _ Store = (*NATSStore)(nil)

// DialNATS connects to url and opens the bucket. The connection is closed
// with the store.
func DialNATS(ctx context.Context, url, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(url, nats.Name("adherence-sync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}
	s, err := NewNATSStore(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownsConn = true
	return s, nil
}

// NewNATSStore opens or creates bucket on an existing connection.
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "create JetStream context")
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Adherence documents synced from devices",
			History:     5,
			Storage:     jetstream.FileStorage,
		})
		if err == nil {
			logging.Info("Created NATS key-value bucket", map[string]interface{}{"bucket": bucket})
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open key-value bucket %s", bucket)
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

// natsKey maps a document address to a valid KV key. Link ids contain ':'
// which KV keys do not allow.
func natsKey(table, id string) string {
	return Key(table, strings.ReplaceAll(id, ":", "."))
}

// Upsert merges payload into the stored document using an optimistic
// revision check.
func (s *NATSStore) Upsert(ctx context.Context, table, id string, payload []byte) error {
	key := natsKey(table, id)

	entry, err := s.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		merged, err := Merge(nil, payload)
		if err != nil {
			return err
		}
		_, err = s.kv.Create(ctx, key, merged)
		return errors.Wrapf(err, "create %s", key)
	case err != nil:
		return errors.Wrapf(err, "get %s", key)
	}

	merged, err := Merge(entry.Value(), payload)
	if err != nil {
		return err
	}
	_, err = s.kv.Update(ctx, key, merged, entry.Revision())
	return errors.Wrapf(err, "update %s", key)
}

// Delete removes the document.
func (s *NATSStore) Delete(ctx context.Context, table, id string) error {
	key := natsKey(table, id)
	return errors.Wrapf(s.kv.Delete(ctx, key), "delete %s", key)
}

// Get returns the stored document.
func (s *NATSStore) Get(ctx context.Context, table, id string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, natsKey(table, id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get document")
	}
	return entry.Value(), nil
}

// Close closes the connection when the store opened it.
func (s *NATSStore) Close() error {
	if s.ownsConn {
		s.nc.Close()
	}
	return nil
}
