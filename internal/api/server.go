package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/clawinfra/parlo/internal/channels"
	"github.com/clawinfra/parlo/internal/journal"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/profiles"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/scheduler"
	"github.com/clawinfra/parlo/internal/security"
	"github.com/clawinfra/parlo/internal/skills"
)

// Version is reported by /api/health.
var Version = "dev"

// DeviceLister reports the devices with an open dialogue connection.
type DeviceLister interface {
	Devices() []string
}

// Server is the HTTP API server
type Server struct {
	port      int
	registry  *skills.Registry
	devices   *profiles.DeviceProfiles
	router    *router.Router
	online    DeviceLister
	ws        *channels.WSChannel
	journal   *journal.Journal
	scheduler *scheduler.Scheduler
	models    *models.Router
	metrics   http.Handler

	auth     *security.Authority // nil in dev mode
	adminKey string
	tokenTTL time.Duration

	startedAt  time.Time
	logger     *slog.Logger
	httpServer *http.Server
}

// Option configures optional server surfaces.
type Option func(*Server)

// WithOnline reports connected devices.
func WithOnline(l DeviceLister) Option {
	return func(s *Server) { s.online = l }
}

// WithWebSocket serves device sockets at /ws.
func WithWebSocket(ch *channels.WSChannel) Option {
	return func(s *Server) { s.ws = ch }
}

// WithJournal serves turn history.
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithScheduler serves scheduled jobs.
func WithScheduler(sc *scheduler.Scheduler) Option {
	return func(s *Server) { s.scheduler = sc }
}

// WithModels serves configured LLMs and their usage.
func WithModels(m *models.Router) Option {
	return func(s *Server) { s.models = m }
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAuth enables JWT authentication. An empty secret keeps dev mode.
func WithAuth(secret, adminKey string, ttl time.Duration) Option {
	return func(s *Server) {
		s.auth = security.NewAuthority(secret)
		s.adminKey = adminKey
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// NewServer creates a new API server
func NewServer(
	port int,
	registry *skills.Registry,
	devices *profiles.DeviceProfiles,
	rt *router.Router,
	logger *slog.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		port:      port,
		registry:  registry,
		devices:   devices,
		router:    rt,
		tokenTTL:  30 * 24 * time.Hour,
		startedAt: time.Now(),
		logger:    logger.With("component", "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/token", s.handleToken)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	mux.Handle("/api/stats", s.protect(s.handleStats))
	mux.Handle("/api/functions", s.protect(s.handleFunctions))
	mux.Handle("/api/profiles", s.protect(s.handleProfiles))
	mux.Handle("/api/classify", s.protect(s.handleClassify))
	mux.Handle("/api/devices", s.protect(s.handleDevices))
	mux.Handle("/api/devices/", s.protect(s.handleDeviceDetail))
	mux.Handle("/api/turns/search", s.protect(s.handleTurnSearch))
	mux.Handle("/api/models", s.protect(s.handleModels))
	mux.Handle("/api/scheduler", s.protect(s.handleSchedulerStatus))
	mux.Handle("/api/scheduler/jobs", s.protect(s.handleSchedulerJobs))
	mux.Handle("/api/scheduler/jobs/", s.protect(s.handleSchedulerJobRoutes))
	if s.ws != nil {
		mux.Handle("/ws", s.protect(s.handleDeviceWS))
	}

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// protect applies authentication and route permissions.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.auth.Protect(h)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("API server starting", "port", s.port, "auth", s.auth.Enabled())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusWriter remembers the status code for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack hands the connection to the WebSocket upgrade on /ws.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		level := slog.LevelDebug
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware lets browser dashboards on other origins call the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth is unauthenticated liveness plus a little context.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	online := 0
	if s.online != nil {
		online = len(s.online.Devices())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_sec":     int64(time.Since(s.startedAt).Seconds()),
		"functions":      s.registry.Len(),
		"devices_online": online,
	})
}

// handleStats returns classifier counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.router.Stats())
}
