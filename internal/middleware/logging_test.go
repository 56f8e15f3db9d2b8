package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newJSONLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func TestDefaultAccessLogConfig(t *testing.T) {
	cfg := DefaultAccessLogConfig()

	if cfg.Logger == nil {
		t.Error("expected default logger")
	}
	if cfg.CacheHeader != "X-Cache" {
		t.Errorf("cache header = %q", cfg.CacheHeader)
	}
	if len(cfg.MaskHeaders) == 0 {
		t.Error("expected mask headers to be set")
	}
}

func TestAccessLog(t *testing.T) {
	logger, buf := newJSONLogger()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{}}`))
	})

	handler := Chain(next, RequestID(), AccessLog(AccessLogConfig{Logger: logger, CacheHeader: "X-Cache"}))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"method":     "POST",
		"path":       "/graphql",
		"status":     float64(200),
		"size":       float64(11),
		"cache":      "HIT",
		"request_id": "req-42",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestAccessLog_SkipPaths(t *testing.T) {
	logger, buf := newJSONLogger()

	handler := AccessLog(AccessLogConfig{Logger: logger, SkipPaths: []string{"/healthz"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if buf.Len() > 0 {
		t.Error("should not log skipped path")
	}
}

func TestAccessLog_Headers(t *testing.T) {
	logger, buf := newJSONLogger()

	cfg := AccessLogConfig{
		Logger:       logger,
		LogHeaders:   []string{"User-Agent"},
		MaskHeaders:  []string{"Authorization"},
		IncludeQuery: true,
	}
	handler := AccessLog(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/graphql?extensions=x", nil)
	req.Header.Set("User-Agent", "apollo-client")
	req.Header.Set("Authorization", "Bearer secret-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "apollo-client") {
		t.Error("log should contain the User-Agent value")
	}
	if !strings.Contains(out, "extensions=x") {
		t.Error("log should contain query parameters")
	}
	if strings.Contains(out, "secret-token") {
		t.Error("log should not contain actual Authorization header value")
	}
	if !strings.Contains(out, "[MASKED]") {
		t.Error("log should contain [MASKED] for Authorization header")
	}
}

func TestAccessLog_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantLevel  string
	}{
		{"success", http.StatusOK, "INFO"},
		{"client error", http.StatusBadRequest, "WARN"},
		{"server error", http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newJSONLogger()

			handler := AccessLog(AccessLogConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/graphql", nil))

			if !strings.Contains(buf.String(), `"level":"`+tt.wantLevel+`"`) {
				t.Errorf("expected log level %s, got: %s", tt.wantLevel, buf.String())
			}
		})
	}
}

func TestAccessLogResponseWriter_Flush(t *testing.T) {
	logger, _ := newJSONLogger()

	flushed := false
	handler := AccessLog(AccessLogConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
			flushed = true
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !flushed {
		t.Error("expected Flush to be called")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remoteIP string
		wantIP   string
	}{
		{
			name:     "X-Forwarded-For single",
			headers:  map[string]string{"X-Forwarded-For": "10.0.0.1"},
			remoteIP: "192.168.1.1:12345",
			wantIP:   "10.0.0.1",
		},
		{
			name:     "X-Forwarded-For multiple",
			headers:  map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"},
			remoteIP: "192.168.1.1:12345",
			wantIP:   "10.0.0.1",
		},
		{
			name:     "X-Real-IP",
			headers:  map[string]string{"X-Real-IP": "10.0.0.2"},
			remoteIP: "192.168.1.1:12345",
			wantIP:   "10.0.0.2",
		},
		{
			name:     "RemoteAddr fallback",
			headers:  map[string]string{},
			remoteIP: "192.168.1.1:12345",
			wantIP:   "192.168.1.1:12345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteIP
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			if ip := clientIP(req); ip != tt.wantIP {
				t.Errorf("expected %s, got %s", tt.wantIP, ip)
			}
		})
	}
}
