package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/stockq/internal/domain"
)

// runContract exercises the Queue behaviour shared by every backend. newQ
// must return an empty queue.
func runContract(t *testing.T, newQ func(t *testing.T) Queue) {
	t.Run("PriorityThenFIFO", func(t *testing.T) {
		q := newQ(t)
		ctx := context.Background()

		b1 := domain.NewBatch("/tmp/1.csv", 10)
		i1 := domain.NewInteractive(domain.NewEntry("A", "1"))
		b2 := domain.NewBatch("/tmp/2.csv", 10)
		i2 := domain.NewInteractive(domain.NewEntry("B", "2"))
		for _, it := range []domain.WorkItem{b1, i1, b2, i2} {
			require.NoError(t, q.Enqueue(ctx, it))
		}

		var got []string
		for i := 0; i < 4; i++ {
			it, err := q.Dequeue(ctx)
			require.NoError(t, err)
			got = append(got, it.ID)
		}
		assert.Equal(t, []string{i1.ID, i2.ID, b1.ID, b2.ID}, got)
	})

	t.Run("PeekIsNonDestructive", func(t *testing.T) {
		q := newQ(t)
		ctx := context.Background()

		b := domain.NewBatch("/tmp/1.csv", 10)
		i := domain.NewInteractive(domain.NewEntry("A", "1"))
		require.NoError(t, q.Enqueue(ctx, b))
		require.NoError(t, q.Enqueue(ctx, i))

		peek, err := q.PeekAhead(ctx, 1)
		require.NoError(t, err)
		require.Len(t, peek, 1)
		assert.Equal(t, i.ID, peek[0].ID)
		assert.True(t, HasInteractive(peek))

		peek, err = q.PeekAhead(ctx, 8)
		require.NoError(t, err)
		assert.Len(t, peek, 2)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("RequeueGoesToHead", func(t *testing.T) {
		q := newQ(t)
		ctx := context.Background()

		tail := domain.NewBatch("/tmp/tail.csv", 1)
		require.NoError(t, q.Enqueue(ctx, tail))

		r1 := domain.NewBatch("/tmp/r1.csv", 1)
		r2 := domain.NewBatch("/tmp/r2.csv", 1)
		require.NoError(t, q.Requeue(ctx, r1, r2))

		var got []string
		for i := 0; i < 3; i++ {
			it, err := q.Dequeue(ctx)
			require.NoError(t, err)
			got = append(got, it.ID)
		}
		assert.Equal(t, []string{r1.ID, r2.ID, tail.ID}, got)
	})

	t.Run("DrainThenDequeueBlocks", func(t *testing.T) {
		q := newQ(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, domain.NewBatch("/tmp/1.csv", 1)))
		require.NoError(t, q.Enqueue(ctx, domain.NewInteractive(domain.NewEntry("A", "1"))))

		drained, err := q.DrainAll(ctx)
		require.NoError(t, err)
		assert.Len(t, drained, 2)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		short, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		defer cancel()
		_, err = q.Dequeue(short)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		fresh := domain.NewInteractive(domain.NewEntry("C", "3"))
		done := make(chan domain.WorkItem, 1)
		go func() {
			it, err := q.Dequeue(ctx)
			if err == nil {
				done <- it
			}
		}()
		require.NoError(t, q.Enqueue(ctx, fresh))

		select {
		case it := <-done:
			assert.Equal(t, fresh.ID, it.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("dequeue did not wake up after enqueue")
		}
	})

	t.Run("ConcurrentProducers", func(t *testing.T) {
		q := newQ(t)
		ctx := context.Background()

		const producers, each = 4, 25
		errs := make(chan error, producers)
		for p := 0; p < producers; p++ {
			go func() {
				for i := 0; i < each; i++ {
					if err := q.Enqueue(ctx, domain.NewInteractive(domain.NewEntry("X", "1"))); err != nil {
						errs <- err
						return
					}
				}
				errs <- nil
			}()
		}
		for p := 0; p < producers; p++ {
			require.NoError(t, <-errs)
		}

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, producers*each, n)
	})
}
