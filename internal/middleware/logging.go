// Package middleware provides the HTTP middleware wrapped around the GraphQL
// and admin handlers.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Logger       *slog.Logger
	SkipPaths    []string // paths to skip logging
	LogHeaders   []string // request headers to include in logs
	MaskHeaders  []string // headers to mask (e.g., Authorization)
	CacheHeader  string   // response header carrying the cache status
	IncludeQuery bool     // include query parameters
}

// DefaultAccessLogConfig returns default access log configuration.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		Logger:      slog.Default(),
		SkipPaths:   []string{"/healthz", "/readyz"},
		LogHeaders:  []string{"User-Agent"},
		MaskHeaders: []string{"Authorization", "Cookie"},
		CacheHeader: "X-Cache",
	}
}

// accessLogResponseWriter wraps http.ResponseWriter to capture response info.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// WriteHeader captures the status code.
func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response size.
func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// Flush implements http.Flusher.
func (w *accessLogResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLog logs one line per request. Server errors log at error level,
// client errors at warn.
func AccessLog(cfg AccessLogConfig) func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range cfg.SkipPaths {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			start := time.Now()

			lrw := &accessLogResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(lrw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", lrw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int("size", lrw.size),
				slog.String("remote_addr", clientIP(r)),
			}

			if id := RequestIDFromContext(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if cfg.CacheHeader != "" {
				if v := lrw.Header().Get(cfg.CacheHeader); v != "" {
					attrs = append(attrs, slog.String("cache", v))
				}
			}

			if cfg.IncludeQuery && r.URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", r.URL.RawQuery))
			}

			for _, header := range cfg.LogHeaders {
				if val := r.Header.Get(header); val != "" {
					attrs = append(attrs, slog.String("header_"+header, val))
				}
			}

			for _, header := range cfg.MaskHeaders {
				if r.Header.Get(header) != "" {
					attrs = append(attrs, slog.String("header_"+header, "[MASKED]"))
				}
			}

			level := slog.LevelInfo
			switch {
			case lrw.statusCode >= 500:
				level = slog.LevelError
			case lrw.statusCode >= 400:
				level = slog.LevelWarn
			}
			cfg.Logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
