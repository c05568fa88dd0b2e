package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MimeLyc/volback/internal/jobs"
	"github.com/MimeLyc/volback/internal/service"
	"github.com/MimeLyc/volback/pkg/log"
)

// Backend is the part of the backup service the status server drives.
type Backend interface {
	RunOnce(ctx context.Context, opts service.Options) (service.Summary, error)
	Status(ctx context.Context, opts service.Options) ([]service.RepoStatus, error)
}

type Server struct {
	backend  Backend
	history  jobs.Store
	gatherer prometheus.Gatherer
	runOpts  service.Options
	logger   *log.Logger

	// runs triggered over HTTP outlive the request that started them
	baseCtx context.Context

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithRunOptions sets the volume and repository filters used for status and
// triggered runs.
func WithRunOptions(opts service.Options) Option {
	return func(s *Server) {
		s.runOpts = opts
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.baseCtx = ctx
	}
}

func NewServer(backend Backend, history jobs.Store, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		history: history,
		logger:  log.Discard(),
		baseCtx: context.Background(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = jobs.NopStore{}
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/backup", s.handleBackup)
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}
