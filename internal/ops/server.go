// Package ops serves the local operations endpoints: health, worker
// snapshots and, optionally, pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stashd/internal/runtime/supervisor"
	"stashd/internal/workers"
	logx "stashd/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

type Config struct {
	Addr        string
	Pprof       bool
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// WorkerSource is the part of workers.Registry the server reads.
type WorkerSource interface {
	Snapshot() []workers.WorkerSnapshot
}

// Pinger is a dependency the health check probes, e.g. the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg     Config
	workers WorkerSource
	checks  map[string]Pinger
	log     logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *supervisor.Supervisor
}

func New(cfg Config, ws WorkerSource, checks map[string]Pinger, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Server{cfg: cfg, workers: ws, checks: checks, log: log.With(logx.String("comp", "ops"))}
}

// Handler builds the router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", s.health)
	r.Get("/debug/workers", s.workerSnapshot)
	if s.cfg.Pprof {
		// Profiler serves /pprof/* and /vars under the mount point.
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start listens and serves in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	if !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("ops server bound to a non-loopback address", logx.String("addr", s.cfg.Addr))
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
		// No WriteTimeout: pprof profiles stream for 30s and more.
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup.Launch("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.srv, s.ln, s.sup = srv, ln, sup
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
	return err
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rep := healthReport{Status: "ok"}
	code := http.StatusOK
	for name, p := range s.checks {
		if rep.Checks == nil {
			rep.Checks = map[string]string{}
		}
		if err := p.Ping(ctx); err != nil {
			rep.Checks[name] = err.Error()
			rep.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[name] = "ok"
	}
	writeJSON(w, code, rep)
}

func (s *Server) workerSnapshot(w http.ResponseWriter, _ *http.Request) {
	var snap []workers.WorkerSnapshot
	if s.workers != nil {
		snap = s.workers.Snapshot()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
