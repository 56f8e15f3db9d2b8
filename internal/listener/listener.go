// Package listener serves an http.Handler over HTTP/1.1, h2c, HTTPS with
// HTTP/2, and optionally HTTP/3 (QUIC).
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Protocol represents a listener protocol type.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolH2C   Protocol = "h2c"
)

// ErrHTTP3RequiresTLS is returned when HTTP/3 is enabled without HTTPS.
var ErrHTTP3RequiresTLS = errors.New("HTTP/3 requires the https protocol")

// Config configures a Listener.
type Config struct {
	Protocol Protocol
	// CertFile and KeyFile are required for https.
	CertFile string
	KeyFile  string
	// HTTP3 additionally serves HTTP/3 on the UDP port matching the TCP one
	// and advertises it with Alt-Svc.
	HTTP3 bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       *slog.Logger
}

// Listener serves one handler on one address.
type Listener struct {
	cfg         Config
	tlsConfig   *tls.Config
	httpServer  *http.Server
	http3Server *http3.Server
	logger      *slog.Logger

	mu       sync.Mutex
	shutdown bool
}

// New creates a listener for handler. Certificates are loaded here so that a
// bad TLS setup fails at startup.
func New(cfg Config, handler http.Handler) (*Listener, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolHTTP
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	l := &Listener{cfg: cfg, logger: cfg.Logger}

	switch cfg.Protocol {
	case ProtocolHTTP, ProtocolH2C:
		if cfg.HTTP3 {
			return nil, ErrHTTP3RequiresTLS
		}
	case ProtocolHTTPS:
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		l.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}

	if cfg.HTTP3 {
		tlsConfig := l.tlsConfig.Clone()
		tlsConfig.NextProtos = []string{"h3"}
		l.http3Server = &http3.Server{
			Handler:   handler,
			TLSConfig: tlsConfig,
		}
		handler = l.altSvc(handler)
	}

	// Support HTTP/2 cleartext (h2c) for internal traffic
	if cfg.Protocol == ProtocolH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	l.httpServer = &http.Server{
		Handler:           handler,
		TLSConfig:         l.tlsConfig,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	if cfg.Protocol == ProtocolHTTPS {
		if err := http2.ConfigureServer(l.httpServer, &http2.Server{}); err != nil {
			return nil, fmt.Errorf("configuring HTTP/2: %w", err)
		}
	}

	return l, nil
}

// altSvc advertises the HTTP/3 endpoint on TCP responses.
func (l *Listener) altSvc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if err := l.http3Server.SetQUICHeaders(w.Header()); err != nil {
				l.logger.Debug("alt-svc header not set", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Protocol returns the TCP protocol served.
func (l *Listener) Protocol() Protocol {
	return l.cfg.Protocol
}

// Serve accepts connections on ln until Shutdown. With HTTP/3 enabled it also
// serves QUIC on the UDP port of ln's address.
func (l *Listener) Serve(ln net.Listener) error {
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.httpServer.TLSConfig)
	}

	errCh := make(chan error, 2)
	if l.http3Server != nil {
		udpAddr := ln.Addr().String()
		l.http3Server.Addr = udpAddr
		go func() {
			l.logger.Info("starting HTTP/3 (QUIC) listener", "address", udpAddr, "protocol", "h3")
			if err := l.http3Server.ListenAndServe(); err != nil && !l.isShutdown() {
				errCh <- fmt.Errorf("http3: %w", err)
			}
		}()
	}

	go func() {
		err := l.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	err := <-errCh
	if err != nil && l.http3Server != nil {
		// Bring the TCP side down too when QUIC fails.
		l.httpServer.Close()
	}
	return err
}

func (l *Listener) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Shutdown gracefully stops the listener.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()

	var errs []error
	if err := l.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if l.http3Server != nil {
		if err := l.http3Server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
