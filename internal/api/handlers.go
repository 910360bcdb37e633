package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/batch"
	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/processor"
	"github.com/SirClappington/stockq/internal/scheduler"
)

type entryRequest struct {
	Code string `json:"code"`
	Zone string `json:"zone"`
}

type batchResponse struct {
	BatchID    string `json:"batch_id"`
	Rows       int    `json:"rows"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *Server) submitEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	e := domain.NewEntry(req.Code, req.Zone)
	if !e.Valid() {
		writeError(w, http.StatusBadRequest, processor.ErrInvalidEntry.Error())
		return
	}

	err := s.sched.SubmitInteractive(r.Context(), e)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, processor.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request ended before the entry ran")
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *Server) uploadBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".csv" && ext != ".xlsx" {
		writeError(w, http.StatusBadRequest, batch.ErrUnsupportedFormat.Error()+": "+ext)
		return
	}

	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+ext)
	size, err := saveUpload(path, file)
	if err != nil {
		s.log.Error("save upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	rows, err := batch.Count(path)
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			s.log.Warn("remove rejected upload", zap.Error(rerr))
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	it, err := s.sched.SubmitBatch(r.Context(), path, rows)
	if err != nil {
		_ = os.Remove(path)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info("batch uploaded",
		zap.String("batch", it.ID),
		zap.String("file", header.Filename),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.String("rows", humanize.Comma(int64(rows))))

	resp := batchResponse{BatchID: it.ID, Rows: rows}
	if st, err := s.sched.Status(r.Context()); err == nil {
		resp.QueueDepth = st.QueueDepth
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func saveUpload(path string, src io.Reader) (n int64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, err
	}
	n, err = io.Copy(f, src)
	err = multierr.Append(err, f.Close())
	if err != nil {
		err = multierr.Append(err, os.Remove(path))
	}
	return n, err
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.sched.CancelBatch()})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.ClearPending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

var _ Scheduler = (*scheduler.Scheduler)(nil)
