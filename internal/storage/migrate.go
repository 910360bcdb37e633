package storage

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	"go.uber.org/multierr"
)

// Migrate applies every pending migration in dir.
func Migrate(dsn, dir string) error {
	return withGoose(dsn, func(db *sql.DB) error {
		return goose.Up(db, dir)
	})
}

// MigrationStatus prints the applied state of every migration in dir.
func MigrationStatus(dsn, dir string) error {
	return withGoose(dsn, func(db *sql.DB) error {
		return goose.Status(db, dir)
	})
}

func withGoose(dsn string, fn func(*sql.DB) error) (err error) {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	return errors.Wrap(fn(db), "goose")
}
