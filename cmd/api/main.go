package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/stockq/internal/api"
	"github.com/SirClappington/stockq/internal/config"
	"github.com/SirClappington/stockq/internal/enrich"
	"github.com/SirClappington/stockq/internal/events"
	"github.com/SirClappington/stockq/internal/ledger"
	"github.com/SirClappington/stockq/internal/logging"
	"github.com/SirClappington/stockq/internal/metrics"
	"github.com/SirClappington/stockq/internal/processor"
	"github.com/SirClappington/stockq/internal/queue"
	"github.com/SirClappington/stockq/internal/retention"
	"github.com/SirClappington/stockq/internal/scheduler"
	"github.com/SirClappington/stockq/internal/storage"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
	logger.Info("api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		return err
	}
	db, err := storage.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.New(db)

	client, err := enrich.New(enrich.Options{
		URL:     cfg.EnrichURL,
		Source:  cfg.EnrichSource,
		Timeout: cfg.EnrichTimeout,
		RPS:     cfg.EnrichRPS,
	})
	if err != nil {
		return err
	}

	q, closeQueue, err := queue.Open(ctx, queue.Options{
		Backend:  cfg.QueueBackend,
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   cfg.QueuePrefix,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		return pkgerrors.Wrap(err, "upload dir")
	}
	led, err := ledger.New(cfg.LedgerPath, filepath.Join(cfg.UploadDir, "resume"))
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	m := metrics.New()
	hub := events.NewHub(logger.Named("events"))
	sched := scheduler.New(q, processor.New(store, client, logger.Named("processor")), led, scheduler.Options{
		PeekWindow:    cfg.PeekWindow,
		YieldPause:    cfg.YieldPause,
		RecordPending: cfg.QueueBackend == "memory",
		Log:           logger.Named("scheduler"),
		Metrics:       m,
		Events:        hub,
	})
	srv := api.NewServer(sched, api.Options{
		UploadDir: cfg.UploadDir,
		Log:       logger.Named("http"),
		Events:    hub,
		Metrics:   m.Handler(),
	})

	if cfg.QueueBackend == "memory" {
		recs, err := led.List(ctx)
		if err != nil {
			return err
		}
		if _, err := sched.Recover(ctx, recs); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		// Waiting interactive submitters give up when the process stops.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.APIAddr), zap.String("queue", cfg.QueueBackend))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	// A memory queue is unreachable from cmd/scheduler, so retention runs here.
	if cfg.QueueBackend == "memory" {
		runner := retention.New(store, sched, retention.Options{
			UploadDir:    cfg.UploadDir,
			MaxAge:       cfg.RetentionMaxAge,
			RefreshAfter: cfg.RefreshAfter,
			Log:          logger.Named("retention"),
		})
		g.Go(func() error { return runner.Run(gctx, cfg.RetentionCron) })
	}

	return g.Wait()
}
