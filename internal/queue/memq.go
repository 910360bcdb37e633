package queue

import (
	"context"
	"sync"

	"github.com/SirClappington/stockq/internal/domain"
)

// MemQ is an unbounded in-process queue.
type MemQ struct {
	mu     sync.Mutex
	lanes  map[domain.Priority][]domain.WorkItem
	notify chan struct{} // 1-buffered wakeup for the consumer
	closed bool
}

func NewMemQ() *MemQ {
	return &MemQ{
		lanes:  make(map[domain.Priority][]domain.WorkItem, len(lanes)),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemQ) Enqueue(_ context.Context, item domain.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	p := item.Priority()
	q.lanes[p] = append(q.lanes[p], item)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemQ) Dequeue(ctx context.Context) (domain.WorkItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.WorkItem{}, ErrClosed
		}
		if item, ok := q.popLocked(); ok {
			more := q.lenLocked() > 0
			q.mu.Unlock()
			if more {
				// keep the signal armed for the next call
				q.wake()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return domain.WorkItem{}, ctx.Err()
		}
	}
}

func (q *MemQ) PeekAhead(_ context.Context, n int) ([]domain.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.WorkItem
	for _, p := range lanes {
		for _, it := range q.lanes[p] {
			if len(out) >= n {
				return out, nil
			}
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *MemQ) Requeue(_ context.Context, items ...domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if err := it.Validate(); err != nil {
			q.mu.Unlock()
			return err
		}
		p := it.Priority()
		q.lanes[p] = append([]domain.WorkItem{it}, q.lanes[p]...)
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemQ) DrainAll(_ context.Context) ([]domain.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.WorkItem
	for _, p := range lanes {
		out = append(out, q.lanes[p]...)
		delete(q.lanes, p)
	}
	return out, nil
}

func (q *MemQ) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked(), nil
}

// Close wakes a blocked consumer with ErrClosed. Pending items are kept.
func (q *MemQ) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemQ) popLocked() (domain.WorkItem, bool) {
	for _, p := range lanes {
		if lane := q.lanes[p]; len(lane) > 0 {
			item := lane[0]
			lane[0] = domain.WorkItem{}
			q.lanes[p] = lane[1:]
			return item, true
		}
	}
	return domain.WorkItem{}, false
}

func (q *MemQ) lenLocked() int {
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

func (q *MemQ) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
