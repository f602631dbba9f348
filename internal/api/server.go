// Package api implements harbor's HTTP surface: session lifecycle and
// messaging endpoints, the observer event stream, health, metrics and
// version.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nugget/harbor/internal/buildinfo"
	"github.com/nugget/harbor/internal/bus"
	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/connwatch"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/metrics"
	"github.com/nugget/harbor/internal/session"
	"github.com/nugget/harbor/internal/usage"
)

// Sessions is the orchestrator surface the API drives.
// *session.Orchestrator satisfies it.
type Sessions interface {
	StartSession(ctx context.Context, req session.StartRequest) error
	StopSession(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id string, cmd commands.Command) (string, error)
	Abort(ctx context.Context, id string) error
	UpdateModel(ctx context.Context, id, model string) error
	Session(id string) (session.Snapshot, bool)
	Sessions() []session.Snapshot
}

// Lifecycle submits durable lifecycle entries. *listener.Producer
// satisfies it.
type Lifecycle interface {
	Submit(ctx context.Context, lc commands.Lifecycle) (int64, error)
}

// Replay reads the structural event log. *replay.Log satisfies it.
type Replay interface {
	Since(ctx context.Context, sessionID string, cursor int64) ([]events.Envelope, error)
	Head(ctx context.Context, sessionID string) (int64, error)
}

// Usage aggregates the token ledger. *usage.Store satisfies it.
type Usage interface {
	Summary(ctx context.Context, f usage.Filter) (usage.Summary, error)
	SummaryBy(ctx context.Context, g usage.Grouping, f usage.Filter) (map[string]usage.Summary, error)
}

// Config holds listener settings.
type Config struct {
	Address  string
	Port     int
	MaxConns int
	// Token, when set, is required as a bearer token on mutating
	// endpoints.
	Token string
}

// Deps are the server's collaborators. Lifecycle, Usage, Health and
// Metrics are optional. Without Lifecycle, start, stop and model
// changes call the orchestrator directly.
type Deps struct {
	Sessions  Sessions
	Lifecycle Lifecycle
	Replay    Replay
	// Events is the bus session events are observed on.
	Events  bus.PubSub
	Usage   Usage
	Health  *connwatch.Manager
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
	ctx    context.Context
}

// NewServer creates a server.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, ctx: context.Background()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions", s.authorized(s.handleSessionStart))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.authorized(s.handleSessionStop))
	mux.HandleFunc("PUT /v1/sessions/{id}/model", s.authorized(s.handleSessionModel))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.authorized(s.handleMessage))
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.authorized(s.handleAbort))
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/usage", s.handleSessionUsage)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves until the listener fails or Shutdown is called. Event
// streams end when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port, "max_conns", s.cfg.MaxConns)
	err = s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// authorized requires the configured bearer token, if any.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="harbor"`)
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.respond(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

// sessionError maps orchestrator errors onto status codes.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrBusy):
		s.errorResponse(w, http.StatusConflict, "session busy: a turn is already running")
	case errors.Is(err, session.ErrNotReady):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrLaunchFailed):
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("session operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"name":    "harbor",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := connwatch.Report{Healthy: true}
	if s.deps.Health != nil {
		report = s.deps.Health.Report()
	}
	code, status := http.StatusOK, "healthy"
	if !report.Healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	s.respond(w, code, map[string]any{
		"status":       status,
		"uptime":       buildinfo.Uptime().Round(time.Second).String(),
		"sessions":     len(s.deps.Sessions.Sessions()),
		"dependencies": report.Dependencies,
	})
}
