// Package status serves engine diagnostics over HTTP.
package status

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

	"tasksched/internal/lockstore"
	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
	"tasksched/pkg/sched"
)

// Source is the read side of the engine.
type Source interface {
	Status() sched.Status
	Tasks() []string
	TaskStatus(name string) (sched.TaskStatus, bool)
}

type Config struct {
	Addr        string
	Pprof       bool
	LockName    string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

type Server struct {
	cfg   Config
	src   Source
	store lockstore.Store
	log   logx.Logger

	mu  sync.Mutex
	sup *rtsup.Supervisor
	ln  net.Listener
}

// New builds the server. store may be nil when no lock store is configured.
func New(cfg Config, src Source, store lockstore.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, store: store, log: log.With(logx.Component("status"))}
}

// Handler returns the router:
//
//	GET /healthz
//	GET /status
//	GET /tasks
//	GET /tasks/{name}
//	GET /lease            current holder, when a lock store is configured
//	    /debug/pprof/*    when Pprof is set
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Status())
	})
	r.Get("/tasks", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Tasks())
	})
	r.Get("/tasks/{name}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := s.src.TaskStatus(chi.URLParam(r, "name"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	if s.store != nil {
		r.Get("/lease", s.handleLease)
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	h, ok, err := s.store.Holder(ctx, s.cfg.LockName)
	if err != nil {
		s.log.Warn("lease lookup failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"name": s.cfg.LockName, "held": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": h.Name, "held": true, "owner": h.Owner, "expires_at": h.ExpiresAt})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Start listens on Addr and serves under a restart loop. Idempotent.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if !isLoopbackAddr(addr) {
		s.log.Warn("status server bound to non-loopback addr; it has no authentication", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	handler := s.Handler()
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serve(c, handler)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
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

func (s *Server) serve(ctx context.Context, handler http.Handler) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	// The listener is gone; reopen it for the next attempt.
	nl, lerr := net.Listen("tcp", s.cfg.Addr)
	if lerr == nil {
		s.mu.Lock()
		s.ln = nl
		s.mu.Unlock()
	}
	return err
}

// Stop shuts the server down and waits for the serve loop.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, ln := s.sup, s.ln
	s.sup, s.ln = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("status server stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
