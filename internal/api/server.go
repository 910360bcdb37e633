// Package api is the HTTP ingress for producers of work.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/domain"
	"github.com/SirClappington/stockq/internal/scheduler"
)

// Scheduler is the producer side of scheduler.Scheduler.
type Scheduler interface {
	SubmitInteractive(ctx context.Context, e domain.Entry) error
	SubmitBatch(ctx context.Context, source string, total int) (domain.WorkItem, error)
	Status(ctx context.Context) (scheduler.Status, error)
	CancelBatch() bool
	ClearPending(ctx context.Context) (int, error)
}

type Options struct {
	UploadDir string
	// MaxUpload caps the multipart body in bytes.
	MaxUpload int64
	Log       *zap.Logger
	// Events serves GET /v1/events; Metrics serves GET /metrics.
	Events  http.Handler
	Metrics http.Handler
}

type Server struct {
	sched  Scheduler
	opts   Options
	log    *zap.Logger
	router chi.Router
}

func NewServer(sched Scheduler, opts Options) *Server {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 64 << 20
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	s := &Server{sched: sched, opts: opts, log: opts.Log, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/entries", s.submitEntry)
	r.Post("/v1/batches", s.uploadBatch)
	r.Post("/v1/batches/cancel", s.cancelBatch)
	r.Post("/v1/queue/clear", s.clearQueue)
	r.Get("/v1/status", s.status)
	if s.opts.Events != nil {
		r.Method(http.MethodGet, "/v1/events", s.opts.Events)
	}
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
