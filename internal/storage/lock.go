package storage

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RetentionLockKey is the advisory lock key held by the retention leader.
const RetentionLockKey int64 = 42

// Locker takes session-level advisory locks. A held lock pins one
// connection until released.
type Locker struct {
	db  *sql.DB
	key int64
	log *zap.Logger
}

func OpenLocker(dsn string, key int64, log *zap.Logger) (*Locker, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	// Connections are never reused, so closing one always drops its locks.
	db.SetMaxIdleConns(0)
	return &Locker{db: db, key: key, log: log}, nil
}

func (l *Locker) Close() error { return l.db.Close() }

// TryLock has the shape of retention.LockFunc.
func (l *Locker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "advisory lock conn")
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, errors.Wrap(err, "pg_try_advisory_lock")
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), "select pg_advisory_unlock($1)", l.key); err != nil {
			l.log.Warn("advisory unlock", zap.Int64("key", l.key), zap.Error(err))
		}
		_ = conn.Close()
	}, true, nil
}
