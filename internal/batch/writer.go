package batch

import (
	"encoding/csv"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/SirClappington/stockq/internal/domain"
)

// WriteCSV writes entries to a new CSV file at path with upc,zip headers.
// The file is written to a temp name and renamed, so readers never see a
// partial file.
func WriteCSV(path string, entries []domain.Entry) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp))
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"upc", "zip"}); err != nil {
		return multierr.Append(err, f.Close())
	}
	for _, e := range entries {
		if err := w.Write([]string{e.Code, e.Zone}); err != nil {
			return multierr.Append(err, f.Close())
		}
	}
	w.Flush()
	if err := multierr.Append(w.Error(), f.Sync()); err != nil {
		return multierr.Append(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s", tmp)
}
