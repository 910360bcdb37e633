// Package batch reads uploaded bulk files into ordered (code, zone) entries.
//
// Row order is the resume contract: the index of an entry is stable across
// reads of the same unmodified file, because fully blank rows are always
// skipped the same way and nothing is reordered.
package batch

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/SirClappington/stockq/internal/domain"
)

var (
	ErrMissingColumns    = errors.New("missing required columns")
	ErrUnsupportedFormat = errors.New("unsupported batch format")
)

var (
	codeColumns = []string{"upc", "code"}
	zoneColumns = []string{"zip", "zipcode", "zone"}
)

// MissingColumnsError lists the headers that were found instead.
type MissingColumnsError struct {
	Found []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("%v: need %s and %s columns, found %q",
		ErrMissingColumns, strings.Join(codeColumns, "/"), strings.Join(zoneColumns, "/"), e.Found)
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingColumns }

// Source is a parsed batch file.
type Source struct {
	Path        string
	entries     []domain.Entry
	fingerprint uint64
}

// Open reads and validates the whole file at path.
func Open(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read batch %s", path)
	}

	var rows [][]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(data)
	case ".xlsx":
		rows, err = readXLSX(data)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse batch %s", path)
	}

	entries, err := toEntries(rows)
	if err != nil {
		return nil, err
	}
	return &Source{Path: path, entries: entries, fingerprint: xxhash.Sum64(data)}, nil
}

// Entries returns the rows in file order.
func (s *Source) Entries() []domain.Entry { return s.entries }

func (s *Source) Len() int { return len(s.entries) }

// Fingerprint is the xxhash64 of the file bytes at the time of Open.
func (s *Source) Fingerprint() uint64 { return s.fingerprint }

// From returns the entries starting at the original row index offset, for a
// source whose first row has original index base.
func (s *Source) From(base, offset int) ([]domain.Entry, error) {
	i := offset - base
	if i < 0 || i > len(s.entries) {
		return nil, errors.Errorf("offset %d outside %s (base %d, %d rows)", offset, s.Path, base, len(s.entries))
	}
	return s.entries[i:], nil
}

// Fingerprint hashes the current contents of path.
func Fingerprint(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

func readCSV(data []byte) ([][]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	return f.GetRows(sheets[0])
}

func toEntries(rows [][]string) ([]domain.Entry, error) {
	if len(rows) == 0 {
		return nil, &MissingColumnsError{}
	}
	header := rows[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	codeIdx, zoneIdx := columnIndex(header, codeColumns), columnIndex(header, zoneColumns)
	if codeIdx < 0 || zoneIdx < 0 {
		return nil, &MissingColumnsError{Found: append([]string(nil), header...)}
	}

	entries := make([]domain.Entry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		entries = append(entries, domain.NewEntry(cell(row, codeIdx), cell(row, zoneIdx)))
	}
	return entries, nil
}

func columnIndex(header []string, names []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Count validates the file at path and returns its row count.
func Count(path string) (int, error) {
	s, err := Open(path)
	if err != nil {
		return 0, err
	}
	return s.Len(), nil
}
