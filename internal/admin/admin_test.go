package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("password123")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == "" || hash == "password123" {
		t.Errorf("unexpected hash %q", hash)
	}

	if err := VerifyPassword(hash, "password123"); err != nil {
		t.Errorf("VerifyPassword should accept the original password: %v", err)
	}
	if err := VerifyPassword(hash, "different"); err == nil {
		t.Error("VerifyPassword should reject a different password")
	}
}

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(Config{})
	if s.cfg.Auth.Realm != "apqgate admin" {
		t.Errorf("expected default realm, got %s", s.cfg.Auth.Realm)
	}
	if s.cfg.MetricsPath != "/metrics" {
		t.Errorf("expected default metrics path, got %s", s.cfg.MetricsPath)
	}
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func TestHandler_Routes(t *testing.T) {
	s := NewServer(Config{
		GraphQL: okHandler("graphql"),
		Metrics: okHandler("metrics"),
		Version: "v1.2.3",
	})
	h := s.Handler()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/admin/graphql/stats", http.StatusOK, "graphql"},
		{"/metrics", http.StatusOK, "metrics"},
		{"/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var info map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info["version"] != "v1.2.3" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		ready      func(context.Context) error
		wantStatus int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"redis down", func(context.Context) error { return errors.New("dial tcp: refused") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{Ready: tt.ready})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	passwordHash, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(Config{
		Auth: AuthConfig{
			Enabled: true,
			Users:   map[string]string{"admin": passwordHash},
			Realm:   "Test Realm",
		},
		GraphQL: okHandler("success"),
	})
	h := s.Handler()

	tests := []struct {
		name       string
		path       string
		username   string
		password   string
		wantStatus int
	}{
		{"valid credentials", "/admin/graphql/stats", "admin", "secret", http.StatusOK},
		{"wrong password", "/admin/graphql/stats", "admin", "wrong", http.StatusUnauthorized},
		{"unknown user", "/admin/graphql/stats", "unknown", "secret", http.StatusUnauthorized},
		{"no credentials", "/admin/graphql/stats", "", "", http.StatusUnauthorized},
		{"health is public", "/healthz", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.username != "" || tt.password != "" {
				req.SetBasicAuth(tt.username, tt.password)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}

			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="Test Realm"` {
					t.Errorf("WWW-Authenticate = %q", got)
				}
			}
		})
	}
}

func TestServeAndShutdown(t *testing.T) {
	s := NewServer(Config{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + l.Addr().String() + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("admin server did not come up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}

func TestShutdownWithoutServe(t *testing.T) {
	s := NewServer(Config{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
