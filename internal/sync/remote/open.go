package remote

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// Options selects and addresses a backend for Open.
type Options struct {
	Backend    string // memory, nats, redis or badger
	NATSURL    string
	NATSBucket string
	RedisURL   string
	BadgerPath string
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch opts.Backend {
	case "", "memory":
		store = NewMemoryStore()
	case "nats":
		bucket := opts.NATSBucket
		if bucket == "" {
			bucket = DefaultBucket
		}
		store, err = DialNATS(ctx, opts.NATSURL, bucket)
	case "redis":
		store, err = DialRedis(ctx, opts.RedisURL)
	case "badger":
		store, err = OpenBadger(opts.BadgerPath)
	default:
		return nil, errors.Errorf("unknown remote backend %q", opts.Backend)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s remote store", opts.Backend)
	}

	logging.Info("Remote store opened", map[string]interface{}{"backend": opts.Backend})
	return store, nil
}
