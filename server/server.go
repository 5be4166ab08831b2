// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"modwatch/history"
	"modwatch/pkg/modwatch"
	"modwatch/poll"
	"modwatch/storage"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Monitor is the watch state the endpoints act on.
type Monitor interface {
	CheckAll(ctx context.Context) error
	SubscribeUser(ctx context.Context, user, pageURL string) error
	UnsubscribeUser(ctx context.Context, user string) error
	SubscribeID(ctx context.Context, id, pageURL string) error
	UnsubscribeID(ctx context.Context, id string) error
	MarkSeen(ctx context.Context, t modwatch.Target, ids []string) (int, error)
	MarkAllSeen(ctx context.Context) error
	ResolveTarget(ctx context.Context, t modwatch.Target) (string, error)
	History(ctx context.Context) ([]history.Row, error)
	Options(ctx context.Context) (modwatch.Options, error)
	SetOptions(ctx context.Context, opts modwatch.Options) error
	Badge() string
	Unseen() int
	Degraded() bool
}

// Scheduler reschedules polling when the interval changes.
type Scheduler interface {
	Reschedule(minutes int) error
}

// Server handles HTTP requests.
type Server struct {
	monitor   Monitor
	scheduler Scheduler
	logger    *slog.Logger
	limiter   *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Monitor   Monitor
	Scheduler Scheduler
	Logger    *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		monitor:   cfg.Monitor,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
		limiter:   newRateLimiter(30, time.Minute),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/seen", s.handleSeen)
	mux.HandleFunc("/badge", s.handleBadge)
	mux.HandleFunc("/open", s.handleOpen)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/options", s.handleOptions)
	return mux
}

// HTTPServer returns an http.Server for the routes on port.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // /pollz runs a full cycle
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"degraded": s.monitor.Degraded(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	err := s.monitor.CheckAll(r.Context())
	if errors.Is(err, poll.ErrCycleInProgress) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "in_progress"})
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps storage and validation errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrInvalidTarget):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrMaxSubscriptions):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrAlreadySubscribed):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "op", op, "error", err)
		http.Error(w, "Internal server error", status)
		return
	}
	s.logger.Warn("Request rejected", "op", op, "status", status, "error", err)
	http.Error(w, fmt.Sprintf("%s: %v", op, err), status)
}

// limited reports whether the client is over the rate limit and answers the
// request if so.
func (s *Server) limited(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if s.limiter.allow(ip) {
		return false
	}
	s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return true
}
