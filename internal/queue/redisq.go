package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/stockq/internal/domain"
)

// RedisQ keeps one Redis list per priority lane so pending work survives a
// restart. Lanes are "<prefix>:interactive" and "<prefix>:batch".
type RedisQ struct {
	rdb    *r.Client
	prefix string
	block  time.Duration // BLPOP timeout between ctx checks
}

func NewRedisQ(rdb *r.Client, prefix string) *RedisQ {
	return &RedisQ{rdb: rdb, prefix: prefix, block: time.Second}
}

func (q *RedisQ) key(p domain.Priority) string { return q.prefix + ":" + p.String() }

func (q *RedisQ) keys() []string {
	out := make([]string, len(lanes))
	for i, p := range lanes {
		out[i] = q.key(p)
	}
	return out
}

func (q *RedisQ) Enqueue(ctx context.Context, item domain.WorkItem) error {
	data, err := encode(item)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.key(item.Priority()), data).Err()
}

func (q *RedisQ) Dequeue(ctx context.Context) (domain.WorkItem, error) {
	keys := q.keys()
	for {
		if err := ctx.Err(); err != nil {
			return domain.WorkItem{}, err
		}
		// BLPOP checks keys in order, so the interactive lane always wins.
		res, err := q.rdb.BLPop(ctx, q.block, keys...).Result()
		if errors.Is(err, r.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.WorkItem{}, ctx.Err()
			}
			return domain.WorkItem{}, errors.Wrap(err, "blpop")
		}
		if len(res) != 2 {
			continue
		}
		return decode(res[1])
	}
}

func (q *RedisQ) PeekAhead(ctx context.Context, n int) ([]domain.WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}
	var cmds []*r.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		for _, k := range q.keys() {
			cmds = append(cmds, pipe.LRange(ctx, k, 0, int64(n-1)))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "peek")
	}
	return collect(cmds, n)
}

func (q *RedisQ) Requeue(ctx context.Context, items ...domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	payloads := make([]string, len(items))
	for i, it := range items {
		data, err := encode(it)
		if err != nil {
			return err
		}
		payloads[i] = data
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		// LPUSH prepends, so push back to front.
		for i := len(items) - 1; i >= 0; i-- {
			pipe.LPush(ctx, q.key(items[i].Priority()), payloads[i])
		}
		return nil
	})
	return errors.Wrap(err, "requeue")
}

func (q *RedisQ) DrainAll(ctx context.Context) ([]domain.WorkItem, error) {
	var cmds []*r.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		for _, k := range q.keys() {
			cmds = append(cmds, pipe.LRange(ctx, k, 0, -1))
		}
		pipe.Del(ctx, q.keys()...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "drain")
	}
	return collect(cmds, -1)
}

func (q *RedisQ) Len(ctx context.Context) (int, error) {
	var cmds []*r.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe r.Pipeliner) error {
		for _, k := range q.keys() {
			cmds = append(cmds, pipe.LLen(ctx, k))
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "len")
	}
	total := 0
	for _, c := range cmds {
		total += int(c.Val())
	}
	return total, nil
}

// collect decodes lane results in priority order, stopping at limit items
// (limit < 0 means all).
func collect(cmds []*r.StringSliceCmd, limit int) ([]domain.WorkItem, error) {
	var out []domain.WorkItem
	for _, c := range cmds {
		for _, raw := range c.Val() {
			if limit >= 0 && len(out) >= limit {
				return out, nil
			}
			it, err := decode(raw)
			if err != nil {
				return out, err
			}
			out = append(out, it)
		}
	}
	return out, nil
}

func encode(item domain.WorkItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(item)
	if err != nil {
		return "", errors.Wrapf(err, "encode item %s", item.ID)
	}
	return string(b), nil
}

func decode(raw string) (domain.WorkItem, error) {
	var it domain.WorkItem
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return domain.WorkItem{}, errors.Wrap(err, "decode item")
	}
	if err := it.Validate(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}
