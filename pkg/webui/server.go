// Package webui serves the appforge HTTP API: the chat event stream, project
// and message management, project state and usage, secrets, metrics and the
// sandbox preview files.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"appforge/pkg/eventlog"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/orchestrator"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/state"
)

const (
	// DefaultProjectID is used by the chat stream when the request names no project.
	DefaultProjectID = "default"
	// DefaultUserID is used by the chat stream when the request names no user.
	DefaultUserID = "local"

	// UserIDHeader carries the caller's user ID. The userId query parameter is the fallback.
	UserIDHeader = "X-User-ID"

	authUsername = "appforge"
	maxBodyBytes = 4 << 20
)

// Runner runs one user turn through the orchestration loop.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, sink orchestrator.EventSink) (*proto.ProjectState, error)
}

// ProjectRepository stores project metadata.
type ProjectRepository interface {
	Create(ctx context.Context, p persistence.Project) (persistence.Project, error)
	Get(ctx context.Context, userID, projectID string) (persistence.Project, error)
	List(ctx context.Context, userID string) ([]persistence.ProjectSummary, error)
	Update(ctx context.Context, p persistence.Project) (persistence.Project, error)
	Touch(ctx context.Context, userID, projectID string) error
	Delete(ctx context.Context, userID, projectID string) error
}

// MessageRepository stores chat messages.
type MessageRepository interface {
	Add(ctx context.Context, m persistence.Message) (persistence.Message, error)
	AddBatch(ctx context.Context, msgs []persistence.Message) ([]persistence.Message, error)
	List(ctx context.Context, projectID string, limit int) ([]persistence.Message, error)
	DeleteAll(ctx context.Context, projectID string) (int64, error)
	History(ctx context.Context, projectID string, n int) ([]proto.HistoryEntry, error)
}

// UsageQuerier reports token usage for a project.
type UsageQuerier interface {
	GetProjectUsage(ctx context.Context, projectID string) (*metrics.ProjectUsage, error)
}

// Options wires a Server. Runner is required; a nil repository disables the
// routes that need it.
type Options struct {
	Runner   Runner
	States   state.Store
	Projects ProjectRepository
	Messages MessageRepository
	Usage    UsageQuerier
	// Events receives a copy of every streamed chat event. Failures are logged only.
	Events   eventlog.Sink
	Gatherer prometheus.Gatherer

	// PreviewDir is served under /preview/ when set.
	PreviewDir  string
	AllowOrigin string
	// Password enables basic auth on every route except /health.
	Password string
	// HistoryWindow is how many stored messages seed a chat turn that
	// arrives without conversation history.
	HistoryWindow int

	SecretsDir      string
	SecretsPassword string
}

// Server is the appforge HTTP server.
type Server struct {
	opts   Options
	logger *logx.Logger
	done   chan struct{}
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: logx.NewLogger("webui"),
		done:   make(chan struct{}),
	}
}

// requireAuth wraps a handler with Basic Authentication when a password is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Password == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username != authUsername ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.Password)) != 1 {
			if ok {
				s.logger.Warn("Failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="appforge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("POST /api/chat/stream", s.requireAuth(s.handleChatStream))
	mux.HandleFunc("POST /api/chat/fix-error", s.requireAuth(s.handleChatFix))

	mux.HandleFunc("GET /api/messages/{projectID}", s.requireAuth(s.handleMessagesList))
	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handleMessagesAdd))
	mux.HandleFunc("POST /api/messages/{projectID}", s.requireAuth(s.handleMessagesAdd))
	mux.HandleFunc("POST /api/messages/batch", s.requireAuth(s.handleMessagesBatch))
	mux.HandleFunc("DELETE /api/messages/{projectID}", s.requireAuth(s.handleMessagesDelete))

	mux.HandleFunc("GET /api/projects", s.requireAuth(s.handleProjectsList))
	mux.HandleFunc("POST /api/projects", s.requireAuth(s.handleProjectsCreate))
	mux.HandleFunc("GET /api/projects/{projectID}", s.requireAuth(s.handleProjectGet))
	mux.HandleFunc("PUT /api/projects/{projectID}", s.requireAuth(s.handleProjectUpdate))
	mux.HandleFunc("DELETE /api/projects/{projectID}", s.requireAuth(s.handleProjectDelete))
	mux.HandleFunc("GET /api/projects/{projectID}/state", s.requireAuth(s.handleProjectState))
	mux.HandleFunc("GET /api/projects/{projectID}/usage", s.requireAuth(s.handleProjectUsage))

	mux.HandleFunc("GET /api/secrets", s.requireAuth(s.handleSecretsList))
	mux.HandleFunc("POST /api/secrets", s.requireAuth(s.handleSecretsSet))
	mux.HandleFunc("DELETE /api/secrets/{name}", s.requireAuth(s.handleSecretsDelete))

	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", s.requireAuth(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	if s.opts.PreviewDir != "" {
		mux.Handle("GET /preview/", http.StripPrefix("/preview/", http.FileServer(http.Dir(s.opts.PreviewDir))))
	}
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AllowOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserIDHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer listens on addr and serves until ctx is cancelled, then shuts
// down gracefully. It returns the bound address once listening.
func (s *Server) StartServer(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting web server on %s", ln.Addr())

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		s.logger.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return ln.Addr().String(), nil
}

// Done is closed once a started server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// userIDFrom returns the caller's user ID from the header or query string.
func userIDFrom(r *http.Request) string {
	if id := r.Header.Get(UserIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("userId")
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
