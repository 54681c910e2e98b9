// Package server exposes a running bridge over HTTP: server health and
// restarts, the tool catalog, synchronous and background sessions, session
// history with a live event stream, schedules and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petal-labs/petalbridge/bridge"
	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/otel"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/schedule"
	"github.com/petal-labs/petalbridge/tool"
)

// Defaults for Config.
const (
	DefaultMaxBody        = 1 << 20
	DefaultRequestTimeout = 5 * time.Minute
	DefaultShutdownGrace  = 10 * time.Second
)

// SessionRunner runs one bridge session.
type SessionRunner interface {
	RunSession(ctx context.Context, req bridge.SessionRequest) (bridge.Result, error)
}

// ServerControl is the part of the process manager the API exposes.
type ServerControl interface {
	Snapshots() []process.Snapshot
	Snapshot(name string) (process.Snapshot, bool)
	Restart(ctx context.Context, name string) error
}

// ScheduleLister reports scheduled prompt state.
type ScheduleLister interface {
	Statuses() []schedule.Status
}

// MetricsCollector reads the current metric values.
type MetricsCollector interface {
	Collect(ctx context.Context) ([]otel.MetricPoint, error)
}

// Config wires the API to the rest of the bridge. Sessions, Servers and
// Registry are required; the other dependencies disable their routes when
// nil.
type Config struct {
	Sessions SessionRunner
	Servers  ServerControl
	Registry *tool.Registry

	Events    bus.EventStore
	Bus       bus.EventBus
	Schedules ScheduleLister
	Metrics   MetricsCollector

	MaxBody        int64
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Version        string
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger

	// background tracks sessions started with async=true.
	background sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("server: session runner is required")
	case cfg.Servers == nil:
		return nil, errors.New("server: server control is required")
	case cfg.Registry == nil:
		return nil, errors.New("server: tool registry is required")
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}, nil
}

// Handler returns the router with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.maxBodyMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// The event stream stays open past the request timeout.
		r.Get("/sessions/{id}/events", s.handleSessionEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Get("/servers", s.handleListServers)
			r.Get("/servers/{name}", s.handleGetServer)
			r.Post("/servers/{name}/restart", s.handleRestartServer)
			r.Get("/tools", s.handleListTools)
			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/schedules", s.handleListSchedules)
			r.Get("/metrics", s.handleMetrics)
		})
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is canceled, then shuts
// down gracefully and waits for background sessions.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close cancels background sessions and waits for them until ctx ends.
func (s *Server) Close(ctx context.Context) {
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// --- Middleware ---

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   []string       `json:"details,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
