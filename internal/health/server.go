package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"

	"argosd/internal/logging"
	"argosd/internal/metrics"
)

// StatusFunc supplies the daemon portion of the /status payload.
type StatusFunc func(ctx context.Context) any

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, normally loopback only.
	Addr string

	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes /healthz, /readyz, /status and /metrics.
type Server struct {
	cfg      ServerConfig
	checker  *Checker
	statusFn StatusFunc
	log      *logging.Logger

	srv *http.Server
	ln  net.Listener
}

// NewServer wires the checker and status provider into an HTTP server.
func NewServer(cfg ServerConfig, checker *Checker, statusFn StatusFunc, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default().Component("http")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		checker:  checker,
		statusFn: statusFn,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.WriteTimeout))

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the listener and serves in the background. Bind errors
// surface here; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleLiveness answers as long as the process is serving requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// handleReadiness reflects pipeline readiness plus check aggregation.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.checker.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "not ready",
			"timestamp": time.Now(),
		})
		return
	}

	status := s.checker.OverallStatus()
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"ready":     true,
		"timestamp": time.Now(),
	})
}

// handleStatus serves the full picture: daemon state, per-component
// health, and a sample of the daemon's own resource usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload := map[string]any{
		"health":  s.checker.Response(ctx, true),
		"process": selfStats(ctx),
	}
	if s.statusFn != nil {
		payload["daemon"] = s.statusFn(ctx)
	}

	code := http.StatusOK
	if s.checker.OverallStatus() == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// selfStats samples this process. Fields that cannot be read on the
// platform are simply omitted.
func selfStats(ctx context.Context) map[string]any {
	stats := map[string]any{
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
	}

	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats["cpu_percent"] = cpu
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		stats["rss_bytes"] = mi.RSS
	}
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		stats["open_fds"] = fds
	}
	return stats
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
