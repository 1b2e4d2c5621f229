// Package server implements the steward HTTP server, REST API, auth, and SSE live events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/server/ws"
)

// Server is the steward HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	handlers *api.Handlers
	hub      *ws.Hub
	detach   func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	routesOnce sync.Once
	now        func() time.Time
}

// New creates a Server. h carries the API dependencies; its Version and
// StartAt are filled in when unset.
func New(cfg config.Config, h *api.Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if h == nil {
		h = &api.Handlers{}
	}
	if h.Logger == nil {
		h.Logger = logger
	}
	if h.StartAt.IsZero() {
		h.StartAt = time.Now()
	}
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		logger:   logger,
		handlers: h,
		hub:      ws.NewHub(logger),
		now:      time.Now,
	}
	if h.Bus != nil {
		s.detach = s.hub.Attach(h.Bus)
	}
	return s
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	return s.httpSrv.Serve(ln)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully shuts down the HTTP server and detaches from the bus.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := s.handlers

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE: auth via query param because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE authenticates the token query parameter and hands the
// connection to the hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifyToken(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeSSE(w, r)
}
