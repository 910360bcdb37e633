package queue

import (
	"context"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

type Options struct {
	// Backend is "memory" or "redis".
	Backend  string
	Addr     string
	Password string
	Prefix   string
}

// Open builds the queue for opts.Backend. The returned func releases it.
func Open(ctx context.Context, opts Options) (Queue, func() error, error) {
	switch opts.Backend {
	case "memory":
		q := NewMemQ()
		return q, q.Close, nil
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: opts.Addr, Password: opts.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrapf(err, "redis ping %s", opts.Addr)
		}
		return NewRedisQ(rdb, opts.Prefix), rdb.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown queue backend %q", opts.Backend)
	}
}
