package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// DefaultRedisPrefix namespaces document keys.
const DefaultRedisPrefix = "adherence:"

// RedisStore keeps each document as a hash whose fields are the document's
// top-level JSON fields, so HSET gives merge semantics directly.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse Redis URL")
	}
	opt.DialTimeout = 10 * time.Second
	opt.MaxRetries = 3

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping Redis server")
	}
	return NewRedisStore(client, DefaultRedisPrefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(table, id string) string {
	return s.prefix + Key(table, id)
}

// Upsert writes payload's top-level fields into the hash.
func (s *RedisStore) Upsert(ctx context.Context, table, id string, payload []byte) error {
	fields, err := decodeObject(payload)
	if err != nil {
		return errors.Wrap(err, "decode payload")
	}
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = string(v)
	}
	key := s.key(table, id)
	return errors.Wrapf(s.client.HSet(ctx, key, values).Err(), "hset %s", key)
}

// Delete removes the hash.
func (s *RedisStore) Delete(ctx context.Context, table, id string) error {
	key := s.key(table, id)
	return errors.Wrapf(s.client.Del(ctx, key).Err(), "del %s", key)
}

// Get reassembles the document from the hash.
func (s *RedisStore) Get(ctx context.Context, table, id string) ([]byte, error) {
	values, err := s.client.HGetAll(ctx, s.key(table, id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "hgetall")
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	doc := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		doc[k] = json.RawMessage(v)
	}
	return json.Marshal(doc)
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
