// Package scheduler runs the single worker that drains the priority queue.
//
// Interactive entries run to completion as soon as they are dequeued. Batch
// items run row by row; before every row the worker checks the cancel signal
// and peeks at the queue, and when interactive work is waiting it parks the
// unprocessed remainder in the resume ledger, enqueues it as a new batch item
// and goes back to the queue. Preemption is cooperative, so an interactive
// entry waits at most one row.
package scheduler

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/batch"
	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/events"
	"github.com/SirClappington/stockq/internal/ledger"
	"github.com/SirClappington/stockq/internal/metrics"
	"github.com/SirClappington/stockq/internal/processor"
	"github.com/SirClappington/stockq/internal/queue"
)

// ErrDiscarded is returned to interactive submitters whose item was cleared
// from the queue before it ran.
var ErrDiscarded = errors.New("item discarded from queue")

type Processor interface {
	Process(ctx context.Context, e domain.Entry) error
}

type Ledger interface {
	Suspend(ctx context.Context, cp ledger.Checkpoint) (ledger.Record, error)
	Claim(ctx context.Context, id string) (ledger.Record, error)
	Release(ctx context.Context, id string) error
}

type Options struct {
	// PeekWindow is how many pending items the preemption check inspects.
	PeekWindow int
	// YieldPause is slept between batch rows; 0 only yields the processor.
	YieldPause time.Duration
	// RecordPending gives every queued batch a ledger record before it is
	// enqueued, so Recover can rebuild a queue that does not survive a restart.
	RecordPending bool
	Log           *zap.Logger
	Metrics       *metrics.Metrics
	Events        events.Publisher
}

// Progress describes the batch currently being worked on.
type Progress struct {
	BatchID   string                  `json:"batch_id"`
	Source    string                  `json:"source"`
	Offset    int                     `json:"offset"`
	Total     int                     `json:"total"`
	Tally     domain.ProcessingResult `json:"tally"`
	StartedAt time.Time               `json:"started_at"`
}

type Status struct {
	State      domain.State `json:"state"`
	QueueDepth int          `json:"queue_depth"`
	Processing bool         `json:"processing"`
	Batch      *Progress    `json:"batch,omitempty"`
}

type Scheduler struct {
	q      queue.Queue
	proc   Processor
	ledger Ledger

	log        *zap.Logger
	metrics    *metrics.Metrics
	events     events.Publisher
	peekWindow int
	yieldPause time.Duration
	record     bool

	cancelBatch atomic.Bool

	mu      sync.Mutex
	state   domain.State
	active  *Progress
	waiters map[string]chan error
}

func New(q queue.Queue, proc Processor, l Ledger, opts Options) *Scheduler {
	if opts.PeekWindow < 1 {
		opts.PeekWindow = 8
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	return &Scheduler{
		q:          q,
		proc:       proc,
		ledger:     l,
		log:        opts.Log,
		metrics:    opts.Metrics,
		events:     opts.Events,
		peekWindow: opts.PeekWindow,
		yieldPause: opts.YieldPause,
		record:     opts.RecordPending,
		state:      domain.Idle,
		waiters:    make(map[string]chan error),
	}
}

// Run drains the queue until ctx is cancelled or the queue is closed. A batch
// in flight at shutdown is suspended and put back at the head of its lane.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("worker started", zap.Int("peek_window", s.peekWindow))
	defer s.log.Info("worker stopped")

	for {
		s.setState(domain.Idle)
		if ctx.Err() != nil {
			return nil
		}
		it, err := s.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			s.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		s.refreshDepth(ctx)

		switch it.Kind {
		case domain.KindInteractive:
			s.runInteractive(ctx, it)
		case domain.KindBatch:
			s.runBatch(ctx, it)
		}
	}
}

func (s *Scheduler) runInteractive(ctx context.Context, it domain.WorkItem) {
	s.setState(domain.RunningInteractive)
	start := time.Now()
	err := s.proc.Process(ctx, *it.Entry)
	s.metrics.Entry(domain.PriorityInteractive, err == nil, time.Since(start).Seconds())

	ev := events.Event{Type: events.TypeEntry, Entry: it.Entry}
	if err != nil {
		ev.Error = err.Error()
	}
	s.events.Publish(ev)
	s.deliver(it.ID, err)
}

// cursor is the worker's position in the batch it is running.
type cursor struct {
	item        domain.WorkItem
	ref         domain.BatchRef
	rows        []domain.Entry
	fingerprint uint64
	// sourceGone is set once the artifact at ref.Source has been deleted.
	sourceGone bool
}

func (c *cursor) remaining(offset int) []domain.Entry {
	return c.rows[offset-c.ref.StartOffset:]
}

func (s *Scheduler) runBatch(ctx context.Context, it domain.WorkItem) {
	s.setState(domain.RunningBatchRow)
	log := s.log.With(zap.String("batch", it.ID))

	cur, err := s.openBatch(ctx, it)
	if err != nil {
		if ctx.Err() != nil {
			s.requeueUnopened(ctx, log, it)
			return
		}
		s.failBatch(log, it, err)
		return
	}

	offset, tally := cur.ref.StartOffset, cur.ref.Tally
	s.setActive(&Progress{
		BatchID:   it.ID,
		Source:    cur.ref.Source,
		Offset:    offset,
		Total:     cur.ref.TotalCount,
		Tally:     tally,
		StartedAt: time.Now().UTC(),
	})
	defer s.leaveBatch()

	log.Info("batch started",
		zap.String("source", cur.ref.Source),
		zap.Int("offset", offset),
		zap.Int("total", cur.ref.TotalCount))
	s.events.Publish(events.Event{Type: events.TypeBatchStarted, BatchID: it.ID, Offset: offset, Total: cur.ref.TotalCount})

	for {
		if s.cancelBatch.CompareAndSwap(true, false) {
			s.leaveBatch()
			s.cancelled(log, cur, offset, tally)
			return
		}

		var exit func()
		switch {
		case offset == cur.ref.TotalCount:
			exit = func() { s.completeBatch(log, cur, tally) }
		case ctx.Err() != nil:
			exit = func() { s.shutdownBatch(ctx, log, cur, offset, tally) }
		case s.interactivePending(ctx):
			exit = func() { s.preempt(ctx, log, cur, offset, tally) }
		}
		if exit != nil {
			if s.leaveBatch() {
				s.cancelled(log, cur, offset, tally)
			} else {
				exit()
			}
			return
		}

		s.setState(domain.RunningBatchRow)
		row := cur.rows[offset-cur.ref.StartOffset]
		start := time.Now()
		err := s.proc.Process(ctx, row)
		if err != nil && ctx.Err() != nil {
			// interrupted by shutdown; the row is retried on resume
			continue
		}
		s.metrics.Entry(domain.PriorityBatch, err == nil, time.Since(start).Seconds())
		tally.Record(err == nil)
		offset++
		s.updateActive(offset, tally)
		s.events.Publish(events.Event{
			Type: events.TypeBatchProgress, BatchID: it.ID, Offset: offset, Total: cur.ref.TotalCount, Tally: snapshot(tally),
		})
		s.yield(ctx)
	}
}

// openBatch claims the ledger record of a resumed item and loads its rows.
func (s *Scheduler) openBatch(ctx context.Context, it domain.WorkItem) (*cursor, error) {
	cur := &cursor{item: it, ref: *it.Batch}
	materialized := cur.ref.Base > 0

	if id := cur.ref.ResumeID; id != "" {
		rec, err := s.ledger.Claim(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			s.log.Warn("resume record missing, using item", zap.String("batch", it.ID), zap.String("resume", id))
		case err != nil:
			return nil, errors.Wrapf(err, "claim resume %s", id)
		default:
			materialized = rec.Materialized
		}
	}

	src, err := batch.Open(cur.ref.Source)
	if err != nil {
		if errors.Is(err, batch.ErrMissingColumns) || errors.Is(err, batch.ErrUnsupportedFormat) {
			s.removeSource(cur)
		}
		return nil, err
	}
	if materialized {
		s.removeSource(cur)
	}

	rows, err := src.From(cur.ref.Base, cur.ref.StartOffset)
	if err != nil {
		return nil, err
	}
	if want := cur.ref.Remaining(); len(rows) != want {
		return nil, errors.Errorf("%s holds %d rows from offset %d, want %d", cur.ref.Source, len(rows), cur.ref.StartOffset, want)
	}
	cur.rows = rows
	cur.fingerprint = src.Fingerprint()
	return cur, nil
}

// interactivePending is the preemption check. A failed peek counts as no
// preemption.
func (s *Scheduler) interactivePending(ctx context.Context) bool {
	items, err := s.q.PeekAhead(ctx, s.peekWindow)
	if err != nil {
		s.log.Debug("peek failed", zap.Error(err))
		return false
	}
	return queue.HasInteractive(items)
}

// suspend writes the remainder to the ledger and returns the item that
// resumes it.
func (s *Scheduler) suspend(ctx context.Context, cur *cursor, offset int, tally domain.ProcessingResult) (domain.WorkItem, ledger.Record, error) {
	rec, err := s.ledger.Suspend(ctx, ledger.Checkpoint{
		BatchID:     cur.item.ID,
		Source:      cur.ref.Source,
		Base:        cur.ref.Base,
		Fingerprint: cur.fingerprint,
		Remaining:   cur.remaining(offset),
		Offset:      offset,
		Total:       cur.ref.TotalCount,
	})
	if err != nil {
		return domain.WorkItem{}, ledger.Record{}, err
	}
	if rec.Materialized {
		// the remainder now lives in its own copy
		s.removeSource(cur)
	}
	return domain.Resume(cur.item.ID, rec.Ref(tally)), rec, nil
}

func (s *Scheduler) preempt(ctx context.Context, log *zap.Logger, cur *cursor, offset int, tally domain.ProcessingResult) {
	s.setState(domain.PreemptingBatch)
	next, rec, err := s.suspend(ctx, cur, offset, tally)
	if err != nil {
		s.failBatch(log, cur.item, errors.Wrap(err, "suspend"))
		return
	}
	if err := s.q.Enqueue(ctx, next); err != nil {
		if rerr := s.ledger.Release(ctx, rec.ID); rerr != nil {
			log.Warn("release resume record", zap.Error(rerr))
		}
		s.failBatch(log, cur.item, errors.Wrap(err, "enqueue remainder"))
		return
	}
	s.refreshDepth(ctx)
	s.metrics.Preemptions.Inc()
	log.Info("batch preempted",
		zap.Int("offset", offset),
		zap.Int("total", cur.ref.TotalCount),
		zap.Bool("materialized", rec.Materialized))
	s.events.Publish(events.Event{
		Type: events.TypeBatchPaused, BatchID: cur.item.ID, Offset: offset, Total: cur.ref.TotalCount, Tally: snapshot(tally),
	})
}

// shutdownBatch parks the remainder at the head of the batch lane so the
// next worker picks it up first.
func (s *Scheduler) shutdownBatch(ctx context.Context, log *zap.Logger, cur *cursor, offset int, tally domain.ProcessingResult) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	next, _, err := s.suspend(dctx, cur, offset, tally)
	if err != nil {
		s.failBatch(log, cur.item, errors.Wrap(err, "suspend on shutdown"))
		return
	}
	if err := s.q.Requeue(dctx, next); err != nil {
		log.Error("requeue on shutdown failed", zap.Error(err), zap.String("resume", next.Batch.ResumeID))
		return
	}
	log.Info("batch suspended for shutdown", zap.Int("offset", offset), zap.Int("total", cur.ref.TotalCount))
}

// requeueUnopened puts back an item dequeued just before shutdown.
func (s *Scheduler) requeueUnopened(ctx context.Context, log *zap.Logger, it domain.WorkItem) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.q.Requeue(dctx, it); err != nil {
		log.Error("requeue on shutdown failed", zap.Error(err))
	}
}

func (s *Scheduler) completeBatch(log *zap.Logger, cur *cursor, tally domain.ProcessingResult) {
	s.removeSource(cur)
	s.metrics.Batches.Inc()
	log.Info("batch completed",
		zap.String("rows", humanize.Comma(int64(cur.ref.TotalCount))),
		zap.Int("attempted", tally.Attempted),
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("failed", tally.Failed))
	s.events.Publish(events.Event{
		Type: events.TypeBatchCompleted, BatchID: cur.item.ID, Offset: cur.ref.TotalCount, Total: cur.ref.TotalCount, Tally: snapshot(tally),
	})
}

func (s *Scheduler) cancelled(log *zap.Logger, cur *cursor, offset int, tally domain.ProcessingResult) {
	s.removeSource(cur)
	s.metrics.Cancellations.Inc()
	log.Info("batch cancelled", zap.Int("offset", offset), zap.Int("total", cur.ref.TotalCount))
	s.events.Publish(events.Event{
		Type: events.TypeBatchCancelled, BatchID: cur.item.ID, Offset: offset, Total: cur.ref.TotalCount, Tally: snapshot(tally),
	})
}

func (s *Scheduler) failBatch(log *zap.Logger, it domain.WorkItem, err error) {
	s.metrics.BatchFailures.Inc()
	log.Error("batch abandoned", zap.String("source", it.Batch.Source), zap.Error(err))
	s.events.Publish(events.Event{Type: events.TypeBatchFailed, BatchID: it.ID, Error: err.Error()})
}

// snapshot copies t so published events do not alias the worker's tally.
func snapshot(t domain.ProcessingResult) *domain.ProcessingResult { return &t }

func (s *Scheduler) removeSource(cur *cursor) {
	if cur.sourceGone {
		return
	}
	cur.sourceGone = true
	if err := os.Remove(cur.ref.Source); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove batch source", zap.String("source", cur.ref.Source), zap.Error(err))
	}
}

func (s *Scheduler) yield(ctx context.Context) {
	if s.yieldPause <= 0 {
		runtime.Gosched()
		return
	}
	t := time.NewTimer(s.yieldPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Scheduler) refreshDepth(ctx context.Context) {
	if n, err := s.q.Len(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(n))
	}
}

func (s *Scheduler) setState(st domain.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.SetState(st)
}

// setActive starts accepting cancels for the batch described by p.
func (s *Scheduler) setActive(p *Progress) {
	s.mu.Lock()
	s.active = p
	s.cancelBatch.Store(false)
	s.mu.Unlock()
}

// leaveBatch stops accepting cancels. It reports whether a cancel was
// accepted before that, in which case the batch must end as cancelled.
func (s *Scheduler) leaveBatch() (cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	return s.cancelBatch.Swap(false)
}

func (s *Scheduler) updateActive(offset int, tally domain.ProcessingResult) {
	s.mu.Lock()
	if s.active != nil {
		s.active.Offset = offset
		s.active.Tally = tally
	}
	s.mu.Unlock()
}

func (s *Scheduler) deliver(id string, err error) {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ok {
		ch <- err
	}
}

// Status is safe to call from any goroutine.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	depth, err := s.q.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, QueueDepth: depth, Processing: s.state != domain.Idle}
	if s.active != nil {
		p := *s.active
		st.Batch = &p
	}
	return st, nil
}

// SubmitInteractive enqueues e ahead of all batch work and waits for the
// worker's result. A nil error means the entry was processed successfully.
func (s *Scheduler) SubmitInteractive(ctx context.Context, e domain.Entry) error {
	if !e.Valid() {
		return processor.ErrInvalidEntry
	}
	it := domain.NewInteractive(e)
	ch := make(chan error, 1)

	s.mu.Lock()
	s.waiters[it.ID] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.waiters, it.ID)
		s.mu.Unlock()
	}

	if err := s.q.Enqueue(ctx, it); err != nil {
		forget()
		return err
	}
	s.refreshDepth(ctx)

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// SubmitBatch enqueues the file at source, holding total rows, and returns
// without waiting.
func (s *Scheduler) SubmitBatch(ctx context.Context, source string, total int) (domain.WorkItem, error) {
	it := domain.NewBatch(source, total)
	if err := s.Enqueue(ctx, it); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// Enqueue queues a batch item built elsewhere, recording it first when
// RecordPending is set. The item actually queued may carry a resume id.
func (s *Scheduler) Enqueue(ctx context.Context, it domain.WorkItem) error {
	if err := it.Validate(); err != nil {
		return err
	}
	if it.Kind != domain.KindBatch {
		return errors.Errorf("item %s: only batch items can be enqueued directly", it.ID)
	}

	var resumeID string
	if s.record && it.Batch.ResumeID == "" {
		rec, err := s.recordPending(ctx, it)
		if err != nil {
			return err
		}
		resumeID = rec.ID
		it = domain.Resume(it.ID, rec.Ref(it.Batch.Tally))
	}
	if err := s.q.Enqueue(ctx, it); err != nil {
		if resumeID != "" {
			if rerr := s.ledger.Release(ctx, resumeID); rerr != nil {
				s.log.Warn("release resume record", zap.String("resume", resumeID), zap.Error(rerr))
			}
		}
		return err
	}
	s.refreshDepth(ctx)
	s.log.Info("batch queued",
		zap.String("batch", it.ID),
		zap.String("source", it.Batch.Source),
		zap.Int("rows", it.Batch.Remaining()))
	return nil
}

// recordPending writes a range record covering every row of it.
func (s *Scheduler) recordPending(ctx context.Context, it domain.WorkItem) (ledger.Record, error) {
	src, err := batch.Open(it.Batch.Source)
	if err != nil {
		return ledger.Record{}, err
	}
	rows, err := src.From(it.Batch.Base, it.Batch.StartOffset)
	if err != nil {
		return ledger.Record{}, err
	}
	rec, err := s.ledger.Suspend(ctx, ledger.Checkpoint{
		BatchID:     it.ID,
		Source:      it.Batch.Source,
		Base:        it.Batch.Base,
		Fingerprint: src.Fingerprint(),
		Remaining:   rows,
		Offset:      it.Batch.StartOffset,
		Total:       it.Batch.TotalCount,
	})
	return rec, errors.Wrapf(err, "record batch %s", it.ID)
}

// CancelBatch raises the cancel signal for the running batch. It reports
// false when no batch is running, including a batch that is paused in the
// queue. A true result means no further row of that batch is processed.
func (s *Scheduler) CancelBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	s.cancelBatch.Store(true)
	return true
}

// ClearPending discards everything still queued and returns how many items
// were dropped. Drained batches lose their artifacts; drained interactive
// submitters get ErrDiscarded.
func (s *Scheduler) ClearPending(ctx context.Context) (int, error) {
	items, err := s.q.DrainAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		switch it.Kind {
		case domain.KindInteractive:
			s.deliver(it.ID, ErrDiscarded)
		case domain.KindBatch:
			if id := it.Batch.ResumeID; id != "" {
				if err := s.ledger.Release(ctx, id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
					s.log.Warn("release resume record", zap.String("resume", id), zap.Error(err))
				}
			}
			if err := os.Remove(it.Batch.Source); err != nil && !os.IsNotExist(err) {
				s.log.Warn("remove batch source", zap.String("source", it.Batch.Source), zap.Error(err))
			}
		}
	}
	s.refreshDepth(ctx)
	s.log.Info("queue cleared", zap.Int("discarded", len(items)))
	s.events.Publish(events.Event{Type: events.TypeQueueCleared, Count: len(items)})
	return len(items), nil
}

// Recover queues the remainder of every batch in recs: suspended ones and,
// with RecordPending, ones that never started. It is for a queue that lost
// its contents across a restart; the tally of each batch starts over at zero.
func (s *Scheduler) Recover(ctx context.Context, recs []ledger.Record) (int, error) {
	for i, rec := range recs {
		it := domain.Resume(rec.BatchID, rec.Ref(domain.ProcessingResult{}))
		if err := s.q.Enqueue(ctx, it); err != nil {
			return i, errors.Wrapf(err, "recover batch %s", rec.BatchID)
		}
		s.log.Info("suspended batch recovered",
			zap.String("batch", rec.BatchID), zap.Int("offset", rec.Offset), zap.Int("total", rec.Total))
	}
	s.refreshDepth(ctx)
	return len(recs), nil
}
