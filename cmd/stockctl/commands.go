package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/SirClappington/stockq/internal/batch"
	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/ledger"
	"github.com/SirClappington/stockq/internal/queue"
	"github.com/SirClappington/stockq/internal/retention"
	"github.com/SirClappington/stockq/internal/storage"
)

var sweepRefresh bool

func init() {
	// migrate
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir)
		},
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return storage.MigrationStatus(cfg.PostgresDSN, cfg.MigrationsDir)
		},
	})
	rootCmd.AddCommand(migrateCmd)

	// import
	rootCmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Queue a CSV or XLSX file as a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	})

	// queue
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the shared queue",
	}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "peek",
		Short: "List the next pending items",
		RunE:  runPeek,
	})
	rootCmd.AddCommand(queueCmd)

	// ledger
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ledger",
		Short: "List suspended batches",
		RunE:  runLedger,
	})

	// sweep
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired lookups now",
		RunE:  runSweep,
	}
	sweepCmd.Flags().BoolVar(&sweepRefresh, "refresh", false, "also queue stale pairs for re-enrichment")
	rootCmd.AddCommand(sweepCmd)
}

// openSharedQueue refuses the memory backend, which only exists inside the
// api process.
func openSharedQueue(ctx context.Context) (queue.Queue, func() error, error) {
	if cfg.QueueBackend != "redis" {
		return nil, nil, errors.Errorf("QUEUE_BACKEND=%s is private to the api process; use redis or upload through POST /v1/batches", cfg.QueueBackend)
	}
	return queue.Open(ctx, queue.Options{
		Backend:  cfg.QueueBackend,
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   cfg.QueuePrefix,
	})
}

func runImport(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	src := args[0]

	rows, err := batch.Count(src)
	if err != nil {
		return err
	}
	q, closeQueue, err := openSharedQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeQueue()) }()

	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		return errors.Wrap(err, "upload dir")
	}
	dst := filepath.Join(cfg.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(src)))
	if err := copyFile(dst, src); err != nil {
		return err
	}

	it := domain.NewBatch(dst, rows)
	if err := q.Enqueue(ctx, it); err != nil {
		return multierr.Append(err, os.Remove(dst))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued batch %s: %s rows from %s\n", it.ID, humanize.Comma(int64(rows)), src)
	return nil
}

func copyFile(dst, src string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	err = multierr.Append(err, out.Close())
	if err != nil {
		err = multierr.Append(err, os.Remove(dst))
	}
	return errors.Wrapf(err, "copy %s", src)
}

func runPeek(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	q, closeQueue, err := openSharedQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeQueue()) }()

	n, err := q.Len(ctx)
	if err != nil {
		return err
	}
	items, err := q.PeekAhead(ctx, cfg.PeekWindow)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%d pending\n", n)
	fmt.Fprintln(w, "ID\tKIND\tWORK\tQUEUED")
	for _, it := range items {
		work := ""
		if it.Entry != nil {
			work = it.Entry.String()
		} else if it.Batch != nil {
			work = fmt.Sprintf("%s rows %d-%d", filepath.Base(it.Batch.Source), it.Batch.StartOffset, it.Batch.TotalCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.ID, it.Kind, work, humanize.Time(it.EnqueuedAt))
	}
	return w.Flush()
}

func runLedger(cmd *cobra.Command, args []string) (err error) {
	l, err := ledger.New(cfg.LedgerPath, filepath.Join(cfg.UploadDir, "resume"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, l.Close()) }()

	recs, err := l.List(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tPROGRESS\tSOURCE\tMATERIALIZED\tSUSPENDED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%t\t%s\n", r.BatchID, r.Offset, r.Total, r.Source, r.Materialized, humanize.Time(r.CreatedAt))
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	db, err := storage.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	locker, err := storage.OpenLocker(cfg.PostgresDSN, storage.RetentionLockKey, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, locker.Close()) }()

	opts := retention.Options{
		UploadDir: cfg.UploadDir,
		MaxAge:    cfg.RetentionMaxAge,
		Lock:      locker.TryLock,
		Log:       logger.Named("retention"),
	}
	var q retention.Enqueuer
	if sweepRefresh {
		if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
			return errors.Wrap(err, "upload dir")
		}
		shared, closeQueue, qerr := openSharedQueue(ctx)
		if qerr != nil {
			return qerr
		}
		defer func() { err = multierr.Append(err, closeQueue()) }()
		q = shared
		opts.RefreshAfter = cfg.RefreshAfter
	}
	return retention.New(storage.New(db), q, opts).RunOnce(ctx)
}
