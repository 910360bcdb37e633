package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/stockq/internal/batch"
	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/events"
	"github.com/SirClappington/stockq/internal/ledger"
	"github.com/SirClappington/stockq/internal/processor"
	"github.com/SirClappington/stockq/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a Processor that remembers every entry it saw.
type recorder struct {
	mu   sync.Mutex
	seen []domain.Entry
	fail map[string]bool
	hook func(domain.Entry)
}

func (r *recorder) Process(_ context.Context, e domain.Entry) error {
	r.mu.Lock()
	r.seen = append(r.seen, e)
	hook, fail := r.hook, r.fail[e.Code]
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	if !e.Valid() {
		return processor.ErrInvalidEntry
	}
	if fail {
		return errors.New("upstream failed")
	}
	return nil
}

func (r *recorder) entries() []domain.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Entry(nil), r.seen...)
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
	// onPublish runs on the publishing goroutine; set it before start.
	onPublish func(events.Event)
}

func (l *eventLog) Publish(ev events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
	if l.onPublish != nil {
		l.onPublish(ev)
	}
}

func (l *eventLog) ofType(typ string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ string) events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.ofType(typ)) > 0 }, 5*time.Second, 5*time.Millisecond,
		"no %s event", typ)
	return l.ofType(typ)[0]
}

type harness struct {
	s      *Scheduler
	q      *queue.MemQ
	proc   *recorder
	ledger *ledger.Ledger
	events *eventLog
	dir    string
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.New(":memory:", filepath.Join(dir, "resume"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	h := &harness{
		q:      queue.NewMemQ(),
		proc:   &recorder{fail: map[string]bool{}},
		ledger: l,
		events: &eventLog{},
		dir:    dir,
	}
	opts := Options{PeekWindow: 4, Log: zaptest.NewLogger(t), Events: h.events}
	for _, fn := range tweak {
		fn(&opts)
	}
	h.s = New(h.q, h.proc, l, opts)
	return h
}

// start runs the worker until the returned stop func is called.
func (h *harness) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("worker did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) upload(t *testing.T, name string, entries ...domain.Entry) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("upc,zip\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s,%s\n", e.Code, e.Zone)
	}
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func entry(code, zone string) domain.Entry { return domain.Entry{Code: code, Zone: zone} }

func TestInteractivePreemptsBatchBetweenRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, c, x := entry("A", "1"), entry("B", "2"), entry("C", "3"), entry("X", "9")

	h.proc.hook = func(e domain.Entry) {
		if e == a {
			require.NoError(t, h.q.Enqueue(ctx, domain.NewInteractive(x)))
		}
	}
	src := h.upload(t, "abc.csv", a, b, c)
	it, err := h.s.SubmitBatch(ctx, src, 3)
	require.NoError(t, err)

	h.start(t)
	done := h.events.waitFor(t, events.TypeBatchCompleted)

	assert.Equal(t, []domain.Entry{a, x, b, c}, h.proc.entries())

	paused := h.events.ofType(events.TypeBatchPaused)
	require.Len(t, paused, 1)
	assert.Equal(t, it.ID, paused[0].BatchID)
	assert.Equal(t, 1, paused[0].Offset)
	assert.Equal(t, 3, paused[0].Total)

	assert.Equal(t, it.ID, done.BatchID)
	assert.Equal(t, domain.ProcessingResult{Attempted: 3, Succeeded: 3}, *done.Tally)
	assert.Len(t, h.events.ofType(events.TypeEntry), 1)

	assert.NoFileExists(t, src)
	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEveryRowRunsOnceUnderRepeatedPreemption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var rows []domain.Entry
	for i := 0; i < 25; i++ {
		rows = append(rows, entry(fmt.Sprintf("R%02d", i), fmt.Sprint(i)))
	}
	src := h.upload(t, "many.csv", rows...)

	var n int
	h.proc.hook = func(e domain.Entry) {
		if !strings.HasPrefix(e.Code, "R") {
			return
		}
		n++
		if n%3 == 0 {
			require.NoError(t, h.q.Enqueue(ctx, domain.NewInteractive(entry("I"+e.Code, "0"))))
		}
		if n == 10 {
			// a changed upload forces the remainder into its own copy
			f, err := os.OpenFile(src, os.O_APPEND|os.O_WRONLY, 0)
			require.NoError(t, err)
			_, err = f.WriteString("ZZ,99\n")
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}
	}

	_, err := h.s.SubmitBatch(ctx, src, len(rows))
	require.NoError(t, err)
	h.start(t)
	done := h.events.waitFor(t, events.TypeBatchCompleted)

	var batchRows []domain.Entry
	for _, e := range h.proc.entries() {
		if strings.HasPrefix(e.Code, "R") {
			batchRows = append(batchRows, e)
		}
	}
	assert.Equal(t, rows, batchRows)
	assert.Equal(t, len(rows), done.Tally.Succeeded)
	assert.Len(t, h.events.ofType(events.TypeBatchPaused), 8)

	assert.NoFileExists(t, src)
	left, err := os.ReadDir(filepath.Join(h.dir, "resume"))
	require.NoError(t, err)
	assert.Empty(t, left, "resume copies must be cleaned up")
}

func TestSubmitInteractiveReturnsResult(t *testing.T) {
	h := newHarness(t)
	h.proc.fail["BAD"] = true
	h.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, h.s.SubmitInteractive(ctx, entry("OK", "1")))
	assert.Error(t, h.s.SubmitInteractive(ctx, entry("BAD", "1")))

	err := h.s.SubmitInteractive(ctx, entry("", "1"))
	assert.True(t, errors.Is(err, processor.ErrInvalidEntry))
	assert.Len(t, h.proc.entries(), 2)
}

func TestCancelStopsBatchWithoutResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.False(t, h.s.CancelBatch(), "nothing to cancel while idle")

	h.proc.hook = func(e domain.Entry) {
		if e.Code == "B" {
			assert.True(t, h.s.CancelBatch())
		}
	}
	src := h.upload(t, "abcd.csv", entry("A", "1"), entry("B", "2"), entry("C", "3"), entry("D", "4"))
	_, err := h.s.SubmitBatch(ctx, src, 4)
	require.NoError(t, err)

	h.start(t)
	ev := h.events.waitFor(t, events.TypeBatchCancelled)

	assert.Equal(t, 2, ev.Offset)
	assert.Equal(t, []domain.Entry{entry("A", "1"), entry("B", "2")}, h.proc.entries())
	assert.NoFileExists(t, src)

	n, err := h.q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.events.ofType(events.TypeBatchCompleted))

	// the signal does not leak into the next batch
	next := h.upload(t, "next.csv", entry("E", "5"))
	_, err = h.s.SubmitBatch(ctx, next, 1)
	require.NoError(t, err)
	h.events.waitFor(t, events.TypeBatchCompleted)
}

func TestCancelIsRefusedWhileBatchIsPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, c, x := entry("A", "1"), entry("B", "2"), entry("C", "3"), entry("X", "9")

	h.proc.hook = func(e domain.Entry) {
		if e == a {
			require.NoError(t, h.q.Enqueue(ctx, domain.NewInteractive(x)))
		}
	}
	accepted := make(chan bool, 1)
	h.events.onPublish = func(ev events.Event) {
		if ev.Type == events.TypeBatchPaused {
			accepted <- h.s.CancelBatch()
		}
	}
	src := h.upload(t, "abc.csv", a, b, c)
	_, err := h.s.SubmitBatch(ctx, src, 3)
	require.NoError(t, err)

	h.start(t)
	h.events.waitFor(t, events.TypeBatchCompleted)

	assert.False(t, <-accepted, "a paused batch is not running")
	assert.Equal(t, []domain.Entry{a, x, b, c}, h.proc.entries())
	assert.Empty(t, h.events.ofType(events.TypeBatchCancelled))
}

func TestCancelAcceptedBeforePreemptionWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, c, x := entry("A", "1"), entry("B", "2"), entry("C", "3"), entry("X", "9")

	h.proc.hook = func(e domain.Entry) {
		if e == a {
			require.NoError(t, h.q.Enqueue(ctx, domain.NewInteractive(x)))
			assert.True(t, h.s.CancelBatch())
		}
	}
	src := h.upload(t, "abc.csv", a, b, c)
	_, err := h.s.SubmitBatch(ctx, src, 3)
	require.NoError(t, err)

	h.start(t)
	ev := h.events.waitFor(t, events.TypeBatchCancelled)
	h.events.waitFor(t, events.TypeEntry)

	assert.Equal(t, 1, ev.Offset)
	assert.Equal(t, []domain.Entry{a, x}, h.proc.entries())
	assert.Empty(t, h.events.ofType(events.TypeBatchPaused))
	assert.Empty(t, h.events.ofType(events.TypeBatchCompleted))
	assert.NoFileExists(t, src)

	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	n, err := h.q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRowFailuresAreTallied(t *testing.T) {
	h := newHarness(t)
	h.proc.fail["B"] = true
	src := h.upload(t, "abc.csv", entry("A", "1"), entry("B", "2"), entry("C", ""))

	_, err := h.s.SubmitBatch(context.Background(), src, 3)
	require.NoError(t, err)
	h.start(t)
	done := h.events.waitFor(t, events.TypeBatchCompleted)

	assert.Equal(t, domain.ProcessingResult{Attempted: 3, Succeeded: 1, Failed: 2}, *done.Tally)
}

func TestBatchReadFailureDoesNotStopWorker(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bad := filepath.Join(h.dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("name,price\nx,1\n"), 0o600))
	_, err := h.s.SubmitBatch(ctx, bad, 1)
	require.NoError(t, err)
	_, err = h.s.SubmitBatch(ctx, filepath.Join(h.dir, "missing.csv"), 1)
	require.NoError(t, err)

	h.start(t)
	require.Eventually(t, func() bool { return len(h.events.ofType(events.TypeBatchFailed)) == 2 },
		5*time.Second, 5*time.Millisecond)
	assert.NoFileExists(t, bad)

	assert.NoError(t, h.s.SubmitInteractive(ctx, entry("X", "9")))
}

func TestClearPendingDiscardsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := h.upload(t, "queued.csv", entry("A", "1"))
	_, err := h.s.SubmitBatch(ctx, src, 1)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.s.SubmitInteractive(ctx, entry("X", "9")) }()
	require.Eventually(t, func() bool {
		n, _ := h.q.Len(ctx)
		return n == 2
	}, time.Second, 5*time.Millisecond)

	n, err := h.s.ClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(<-waitErr, ErrDiscarded))
	assert.NoFileExists(t, src)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClearPendingReleasesResumeRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := h.upload(t, "ab.csv", entry("A", "1"), entry("B", "2"))
	rec, err := h.ledger.Suspend(ctx, ledger.Checkpoint{
		BatchID: "b1", Source: src, Remaining: []domain.Entry{entry("B", "2")}, Offset: 1, Total: 2,
	})
	require.NoError(t, err)
	require.True(t, rec.Materialized)
	require.NoError(t, h.q.Enqueue(ctx, domain.Resume("b1", rec.Ref(domain.ProcessingResult{}))))

	n, err := h.s.ClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, rec.Source)

	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestShutdownRequeuesRemainderAtHead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.proc.hook = func(e domain.Entry) {
		if e.Code == "A" {
			cancel()
		}
	}
	src := h.upload(t, "abc.csv", entry("A", "1"), entry("B", "2"), entry("C", "3"))
	it, err := h.s.SubmitBatch(ctx, src, 3)
	require.NoError(t, err)
	later := h.upload(t, "later.csv", entry("Z", "1"))
	_, err = h.s.SubmitBatch(ctx, later, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.s.Run(runCtx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	head, err := h.q.PeekAhead(ctx, 2)
	require.NoError(t, err)
	require.Len(t, head, 2)
	assert.Equal(t, it.ID, head[0].ID)
	ref := head[0].Batch
	assert.Equal(t, 1, ref.StartOffset)
	assert.Equal(t, 3, ref.TotalCount)
	assert.NotEmpty(t, ref.ResumeID)
	assert.Equal(t, 1, ref.Tally.Succeeded)
	assert.Equal(t, later, head[1].Batch.Source)
	assert.FileExists(t, src)
	assert.Equal(t, []domain.Entry{entry("A", "1")}, h.proc.entries())
}

func TestStatusReportsActiveBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Idle, st.State)
	assert.False(t, st.Processing)
	assert.Nil(t, st.Batch)

	seen := make(chan Status, 1)
	h.proc.hook = func(e domain.Entry) {
		if e.Code == "B" {
			st, err := h.s.Status(ctx)
			assert.NoError(t, err)
			seen <- st
		}
	}
	src := h.upload(t, "abc.csv", entry("A", "1"), entry("B", "2"), entry("C", "3"))
	it, err := h.s.SubmitBatch(ctx, src, 3)
	require.NoError(t, err)
	h.start(t)

	select {
	case st := <-seen:
		assert.Equal(t, domain.RunningBatchRow, st.State)
		assert.True(t, st.Processing)
		require.NotNil(t, st.Batch)
		assert.Equal(t, it.ID, st.Batch.BatchID)
		assert.Equal(t, 1, st.Batch.Offset)
		assert.Equal(t, 3, st.Batch.Total)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not reach row B")
	}
}

func TestRecoverResumesSuspendedBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := h.upload(t, "abc.csv", entry("A", "1"), entry("B", "2"), entry("C", "3"))
	fp, err := batch.Fingerprint(src)
	require.NoError(t, err)
	rec, err := h.ledger.Suspend(ctx, ledger.Checkpoint{BatchID: "b1", Source: src, Fingerprint: fp, Offset: 2, Total: 3})
	require.NoError(t, err)
	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{rec.ID}, []string{recs[0].ID})

	n, err := h.s.Recover(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.start(t)
	done := h.events.waitFor(t, events.TypeBatchCompleted)
	assert.Equal(t, "b1", done.BatchID)
	assert.Equal(t, []domain.Entry{{Code: "C", Zone: "3"}}, h.proc.entries())
	assert.Equal(t, domain.ProcessingResult{Attempted: 1, Succeeded: 1}, *done.Tally)
	assert.NoFileExists(t, src)

	left, err := h.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func recordPending(o *Options) { o.RecordPending = true }

func TestRecordedBatchSurvivesLostQueue(t *testing.T) {
	h := newHarness(t, recordPending)
	ctx := context.Background()

	src := h.upload(t, "abc.csv", entry("A", "1"), entry("B", "2"), entry("C", "3"))
	it, err := h.s.SubmitBatch(ctx, src, 3)
	require.NoError(t, err)

	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, it.ID, recs[0].BatchID)
	assert.Equal(t, 0, recs[0].Offset)
	assert.False(t, recs[0].Materialized)

	// restart: the queue is gone, the ledger is not
	h.q = queue.NewMemQ()
	h.s = New(h.q, h.proc, h.ledger, Options{Log: zaptest.NewLogger(t), Events: h.events, RecordPending: true})
	n, err := h.s.Recover(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.start(t)
	done := h.events.waitFor(t, events.TypeBatchCompleted)
	assert.Equal(t, it.ID, done.BatchID)
	assert.Equal(t, []domain.Entry{entry("A", "1"), entry("B", "2"), entry("C", "3")}, h.proc.entries())
	assert.NoFileExists(t, src)

	left, err := h.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRecordedBatchIsReleasedWhenEnqueueFails(t *testing.T) {
	h := newHarness(t, recordPending)
	ctx := context.Background()
	require.NoError(t, h.q.Close())

	src := h.upload(t, "abc.csv", entry("A", "1"))
	_, err := h.s.SubmitBatch(ctx, src, 1)
	assert.ErrorIs(t, err, queue.ErrClosed)

	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEnqueueRejectsInteractiveItems(t *testing.T) {
	h := newHarness(t)
	err := h.s.Enqueue(context.Background(), domain.NewInteractive(entry("A", "1")))
	assert.Error(t, err)
}
