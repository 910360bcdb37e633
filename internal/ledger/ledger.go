// Package ledger records where a paused batch should resume.
//
// A record is either a range reference into the original upload, when the
// upload is unchanged since the batch started, or a pointer to a
// materialized CSV holding only the unprocessed rows.
package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/SirClappington/stockq/internal/batch"
	"github.com/SirClappington/stockq/internal/domain"
)

var ErrNotFound = errors.New("resume record not found")

// Checkpoint is the worker's view of a batch at the moment it is paused.
type Checkpoint struct {
	BatchID     string
	Source      string
	Base        int
	Fingerprint uint64
	Remaining   []domain.Entry
	Offset      int
	Total       int
}

// Record is a persisted resume point.
type Record struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batch_id"`
	Source       string    `json:"source"`
	Base         int       `json:"base"`
	Offset       int       `json:"offset"`
	Total        int       `json:"total"`
	Materialized bool      `json:"materialized"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ref converts the record into the batch reference of the resumed item.
func (r Record) Ref(tally domain.ProcessingResult) domain.BatchRef {
	return domain.BatchRef{
		Source:      r.Source,
		Base:        r.Base,
		StartOffset: r.Offset,
		TotalCount:  r.Total,
		ResumeID:    r.ID,
		Tally:       tally,
	}
}

// Ledger provides SQLite-backed resume records.
type Ledger struct {
	db  *sql.DB
	dir string
}

// New opens the ledger at dbPath. Materialized remainders are written to dir.
func New(dbPath, dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "running migrations"), db.Close())
	}
	return &Ledger{db: db, dir: dir}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Suspend persists the remainder described by cp.
func (l *Ledger) Suspend(ctx context.Context, cp Checkpoint) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		BatchID:   cp.BatchID,
		Source:    cp.Source,
		Base:      cp.Base,
		Offset:    cp.Offset,
		Total:     cp.Total,
		CreatedAt: time.Now().UTC(),
	}

	if fp, err := batch.Fingerprint(cp.Source); err != nil || fp != cp.Fingerprint {
		rec.Source = filepath.Join(l.dir, "resume-"+rec.ID+".csv")
		rec.Base = cp.Offset
		rec.Materialized = true
		if err := batch.WriteCSV(rec.Source, cp.Remaining); err != nil {
			return Record{}, errors.Wrapf(err, "materialize batch %s", cp.BatchID)
		}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO resumes (id, batch_id, source, base, start_offset, total, materialized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.BatchID, rec.Source, rec.Base, rec.Offset, rec.Total, rec.Materialized, rec.CreatedAt)
	if err != nil {
		err = errors.Wrapf(err, "insert resume for batch %s", cp.BatchID)
		if rec.Materialized {
			err = multierr.Append(err, os.Remove(rec.Source))
		}
		return Record{}, err
	}
	return rec, nil
}

// Claim removes the record and returns it. The caller owns any materialized
// file from then on.
func (l *Ledger) Claim(ctx context.Context, id string) (Record, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if err != nil {
		return Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resumes WHERE id = ?`, id); err != nil {
		return Record{}, err
	}
	return rec, tx.Commit()
}

// Release drops the record and its materialized file, if any.
func (l *Ledger) Release(ctx context.Context, id string) error {
	rec, err := l.Claim(ctx, id)
	if err != nil {
		return err
	}
	if rec.Materialized {
		if err := os.Remove(rec.Source); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns all pending records, oldest first.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, selectRecord+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectRecord = `SELECT id, batch_id, source, base, start_offset, total, materialized, created_at FROM resumes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.BatchID, &rec.Source, &rec.Base, &rec.Offset, &rec.Total, &rec.Materialized, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	return rec, err
}
