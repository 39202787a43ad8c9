package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shizukutanaka/batchd/internal/batcher"
	"github.com/shizukutanaka/batchd/internal/config"
	"go.uber.org/zap"
)

// StatusProvider exposes the engine state.
type StatusProvider interface {
	Snapshot() batcher.Snapshot
}

// HostReporter exposes the dispatch host's capacity.
type HostReporter interface {
	Capacity(ctx context.Context) (batcher.Capacity, error)
}

// Options are the server's data sources.
type Options struct {
	Status   StatusProvider
	Host     HostReporter
	Gatherer prometheus.Gatherer
	Version  string
}

// Server serves the read-only status API and Prometheus metrics.
type Server struct {
	logger  *zap.Logger
	config  config.APIConfig
	opts    Options
	router  *mux.Router
	limiter *IPRateLimiter
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// HostStatus is the capacity view of the dispatch host.
type HostStatus struct {
	Total       float64 `json:"total"`
	Used        float64 `json:"used"`
	Utilization float64 `json:"utilization"`
}

// Status is the payload of GET /api/v1/status.
type Status struct {
	Service string           `json:"service"`
	Version string           `json:"version"`
	Uptime  float64          `json:"uptime_seconds"`
	Engine  batcher.Snapshot `json:"engine"`
	Host    *HostStatus      `json:"host,omitempty"`
}

// NewServer creates a new API server
func NewServer(cfg config.APIConfig, logger *zap.Logger, opts Options) (*Server, error) {
	if !cfg.Enabled {
		return nil, errors.New("API server disabled")
	}
	if opts.Status == nil {
		return nil, errors.New("status provider is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		opts:    opts,
		limiter: NewIPRateLimiter(cfg.RateLimit, time.Second, cfg.RateBurst),
		started: time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. Bind errors
// are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("listen_addr", ln.Addr().String()))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Service: "batchd",
		Version: s.opts.Version,
		Uptime:  time.Since(s.started).Seconds(),
		Engine:  s.opts.Status.Snapshot(),
	}

	if s.opts.Host != nil {
		c, err := s.opts.Host.Capacity(r.Context())
		if err != nil {
			s.logger.Debug("Host capacity unavailable", zap.Error(err))
		} else {
			hs := &HostStatus{Total: c.Total, Used: c.Used}
			if c.Total > 0 {
				hs.Utilization = c.Used / c.Total
			}
			status.Host = hs
		}
	}

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: status, Time: time.Now()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Status.Snapshot()
	healthy := snap.Phase != batcher.PhaseStopped

	code := http.StatusOK
	state := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "stopped"
	}

	s.sendJSON(w, code, Response{
		Success: healthy,
		Data: map[string]interface{}{
			"status": state,
			"phase":  snap.Phase,
			"target": snap.Target,
		},
		Time: time.Now(),
	})
}

// sendJSON sends JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// sendError sends error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}
