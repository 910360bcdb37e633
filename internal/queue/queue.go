// Package queue holds pending work ordered by priority lane, FIFO within a
// lane. It has any number of producers and exactly one consumer.
package queue

import (
	"context"
	"errors"

	"github.com/SirClappington/stockq/internal/domain"
)

var ErrClosed = errors.New("queue closed")

// Queue is implemented by MemQ and RedisQ.
type Queue interface {
	// Enqueue never blocks on the consumer.
	Enqueue(ctx context.Context, item domain.WorkItem) error
	// Dequeue blocks until an item is available or ctx is done. It returns the
	// earliest item of the highest non-empty priority lane.
	Dequeue(ctx context.Context) (domain.WorkItem, error)
	// PeekAhead returns up to n pending items in dequeue order without removing
	// them. The snapshot is atomic with respect to concurrent producers.
	PeekAhead(ctx context.Context, n int) ([]domain.WorkItem, error)
	// Requeue puts items back at the head of their lanes, keeping their order.
	Requeue(ctx context.Context, items ...domain.WorkItem) error
	// DrainAll empties every lane and returns what was discarded.
	DrainAll(ctx context.Context) ([]domain.WorkItem, error)
	Len(ctx context.Context) (int, error)
}

// HasInteractive reports whether any of items is interactive.
func HasInteractive(items []domain.WorkItem) bool {
	for _, it := range items {
		if it.Priority() == domain.PriorityInteractive {
			return true
		}
	}
	return false
}

var lanes = [...]domain.Priority{domain.PriorityInteractive, domain.PriorityBatch}
