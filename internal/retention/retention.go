// Package retention prunes old lookups and re-queues stale pairs on a cron
// schedule.
package retention

import (
	"context"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/batch"
	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/storage"
)

type Store interface {
	SweepOlderThan(ctx context.Context, cutoff time.Time) (storage.SweepResult, error)
	StaleLookups(ctx context.Context, cutoff time.Time, limit int) ([]domain.Entry, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, it domain.WorkItem) error
}

// LockFunc tries to become the only runner. ok is false when another
// process holds the lock; release is only called when ok is true.
type LockFunc func(ctx context.Context) (release func(), ok bool, err error)

type Options struct {
	UploadDir string
	// MaxAge is how long a lookup is kept; 0 disables the sweep.
	MaxAge time.Duration
	// RefreshAfter re-queues pairs not seen for this long; 0 disables refresh.
	RefreshAfter time.Duration
	RefreshLimit int
	Lock         LockFunc
	Log          *zap.Logger
}

type Runner struct {
	store Store
	q     Enqueuer
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, q Enqueuer, opts Options) *Runner {
	if opts.RefreshLimit <= 0 {
		opts.RefreshLimit = 5000
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Runner{store: store, q: q, opts: opts, log: opts.Log, now: time.Now}
}

// Sweep deletes lookups older than MaxAge and the items left without one.
func (r *Runner) Sweep(ctx context.Context) (storage.SweepResult, error) {
	if r.opts.MaxAge <= 0 {
		return storage.SweepResult{}, nil
	}
	res, err := r.store.SweepOlderThan(ctx, r.now().UTC().Add(-r.opts.MaxAge))
	if err != nil {
		return res, err
	}
	r.log.Info("retention sweep", zap.Int64("lookups", res.Lookups), zap.Int64("items", res.Items))
	return res, nil
}

// Refresh writes pairs not seen for RefreshAfter into a new upload and
// queues it as a batch. ok is false when nothing was stale.
func (r *Runner) Refresh(ctx context.Context) (it domain.WorkItem, ok bool, err error) {
	if r.opts.RefreshAfter <= 0 {
		return domain.WorkItem{}, false, nil
	}
	stale, err := r.store.StaleLookups(ctx, r.now().UTC().Add(-r.opts.RefreshAfter), r.opts.RefreshLimit)
	if err != nil || len(stale) == 0 {
		return domain.WorkItem{}, false, err
	}

	path := filepath.Join(r.opts.UploadDir, "refresh-"+uuid.NewString()+".csv")
	if err := batch.WriteCSV(path, stale); err != nil {
		return domain.WorkItem{}, false, errors.Wrap(err, "write refresh batch")
	}
	it = domain.NewBatch(path, len(stale))
	if err := r.q.Enqueue(ctx, it); err != nil {
		return domain.WorkItem{}, false, errors.Wrap(err, "enqueue refresh batch")
	}
	r.log.Info("stale pairs queued", zap.String("batch", it.ID), zap.Int("rows", len(stale)))
	return it, true, nil
}

// RunOnce sweeps then refreshes, under the lock when one is configured.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r.opts.Lock != nil {
		release, ok, err := r.opts.Lock(ctx)
		if err != nil {
			return errors.Wrap(err, "retention lock")
		}
		if !ok {
			r.log.Debug("retention lock held elsewhere")
			return nil
		}
		defer release()
	}

	_, serr := r.Sweep(ctx)
	_, _, rerr := r.Refresh(ctx)
	return multierr.Append(errors.Wrap(serr, "sweep"), errors.Wrap(rerr, "refresh"))
}

// Run executes RunOnce at every tick of cronExpr until ctx is done.
func (r *Runner) Run(ctx context.Context, cronExpr string) error {
	if !gronx.IsValid(cronExpr) {
		return errors.Errorf("invalid retention cron expression %q", cronExpr)
	}
	r.log.Info("retention scheduler started", zap.String("cron", cronExpr))

	for {
		next, err := gronx.NextTickAfter(cronExpr, r.now().UTC(), false)
		if err != nil {
			return errors.Wrap(err, "next retention tick")
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			r.log.Info("retention scheduler stopping")
			return nil
		case <-t.C:
		}
		if err := r.RunOnce(ctx); err != nil {
			r.log.Error("retention run failed", zap.Error(err))
		}
	}
}
