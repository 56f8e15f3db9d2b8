// Package admin provides the administrative listener: health probes, metrics
// and the persisted query and response cache endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig configures admin API authentication.
type AuthConfig struct {
	Enabled bool              // Enable authentication
	Users   map[string]string // Username -> password hash (bcrypt)
	Realm   string            // HTTP Basic Auth realm
}

// Config wires the admin server.
type Config struct {
	// Auth guards every endpoint except the health probes.
	Auth AuthConfig
	// GraphQL serves /admin/graphql/.
	GraphQL http.Handler
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	// Version is reported by /info.
	Version string
	Logger  *slog.Logger
}

// Server provides the admin API server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config) *Server {
	if cfg.Auth.Realm == "" {
		cfg.Auth.Realm = "apqgate admin"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    cfg.Logger,
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("/info", s.handleInfo)
	if s.cfg.Metrics != nil {
		protected.Handle(s.cfg.MetricsPath, s.cfg.Metrics)
	}
	if s.cfg.GraphQL != nil {
		protected.Handle("/admin/graphql/", s.cfg.GraphQL)
	}

	var protectedHandler http.Handler = protected
	if s.cfg.Auth.Enabled && len(s.cfg.Auth.Users) > 0 {
		protectedHandler = s.basicAuth(protected)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/", protectedHandler)
	return mux
}

// Serve accepts admin connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// basicAuth provides HTTP Basic authentication against bcrypt hashes.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			s.unauthorized(w, r, "", "no_credentials")
			return
		}

		expectedHash, exists := s.cfg.Auth.Users[username]
		if !exists {
			// Keep the timing of unknown users close to a real comparison.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$dummy"), []byte(password))
			s.unauthorized(w, r, username, "user_not_found")
			return
		}

		if err := VerifyPassword(expectedHash, password); err != nil {
			s.unauthorized(w, r, username, "invalid_password")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, username, reason string) {
	s.logger.Warn("admin authentication failed",
		"username", username,
		"reason", reason,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
	w.Header().Set("WWW-Authenticate", `Basic realm="`+s.cfg.Auth.Realm+`"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// DefaultBcryptCost is the cost factor used by HashPassword.
const DefaultBcryptCost = 10

// HashPassword hashes a password for storage using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks if a password matches a bcrypt hash.
func VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.cfg.Version,
		"go_version": runtime.Version(),
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
