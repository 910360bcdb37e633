package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/config"
	"github.com/SirClappington/stockq/internal/logging"
	"github.com/SirClappington/stockq/internal/queue"
	"github.com/SirClappington/stockq/internal/retention"
	"github.com/SirClappington/stockq/internal/storage"
)

// The retention leader. Any number of replicas may run; the advisory lock
// lets one of them act per tick.
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
		logger.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.QueueBackend != "redis" {
		return errors.New("cmd/scheduler needs QUEUE_BACKEND=redis; the memory backend runs retention inside cmd/api")
	}

	db, err := storage.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	locker, err := storage.OpenLocker(cfg.PostgresDSN, storage.RetentionLockKey, logger)
	if err != nil {
		return err
	}
	defer func() { _ = locker.Close() }()

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
		return errors.Wrap(err, "upload dir")
	}

	runner := retention.New(storage.New(db), q, retention.Options{
		UploadDir:    cfg.UploadDir,
		MaxAge:       cfg.RetentionMaxAge,
		RefreshAfter: cfg.RefreshAfter,
		Lock:         locker.TryLock,
		Log:          logger.Named("retention"),
	})
	return runner.Run(ctx, cfg.RetentionCron)
}
