// Package simulator is a local stand-in for the chat backend. It serves the
// frame websocket the visitor client talks to, a scripted operator, and the
// file upload API.
package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/visitor-chat/internal/config"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
)

const healthCheckTimeout = 5 * time.Second

// Server holds the simulator's dependencies.
type Server struct {
	cfg    config.SimulatorConfig
	repo   store.Repository
	hub    *Hub
	logger *slog.Logger
	isDev  bool

	methods map[string]methodHandler
	chatMu  sync.Mutex
	ids     atomic.Int64

	uploadMu sync.Mutex
	uploads  map[string]*uploadTicket
}

// New creates a simulator persisting chats in repo.
func New(cfg config.SimulatorConfig, repo store.Repository, isDev bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	s := &Server{
		cfg:     cfg,
		repo:    repo,
		hub:     NewHub(),
		logger:  logger.With("component", "simulator"),
		isDev:   isDev,
		uploads: make(map[string]*uploadTicket),
	}
	s.ids.Store(time.Now().UnixMilli() % 1_000_000_000)
	s.methods = s.protocol()
	return s
}

// Hub returns the chat connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes mounts the frame and upload endpoints.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Get("/aid/{accountID}"+transport.FramePath, s.ServeFrame)
	r.Post("/aid/{accountID}/account-id/{uploadAccountID}/v1/files", s.RequestUploadToken)
	r.Put("/aid/{accountID}/account-id/{uploadAccountID}/v1/files/{token}", s.RegisterUpload)
	r.Post("/upload/{token}", s.ReceiveUpload)
}

// Health reports the simulator and storage status.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status := map[string]any{
		"status":       "healthy",
		"checks":       checks,
		"active_chats": s.hub.Count(),
	}
	code := http.StatusOK
	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, status)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
