// Package httpserver serves the daemon's loopback HTTP endpoints: the OAuth
// redirect target for loopback redirect URIs and a health check.
package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/winter-ide/winter-auth/internal/config"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Authenticator is the part of the sign-in core the HTTP server needs
type Authenticator interface {
	DeliverRedirect(ctx context.Context, rawURL string) error
	PendingCount() int
}

// Server is the HTTP server for handling OAuth redirects and health checks
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	auth       Authenticator
	limiter    *clientLimiters
	version    string
	started    time.Time
}

// NewServer creates a new HTTP server. auth may be nil, in which case
// redirects are rejected.
func NewServer(cfg *config.Config, auth Authenticator, version string) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	if version == "" {
		version = "dev"
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		auth:      auth,
		limiter:   newClientLimiters(10, 50),
		version:   version,
		started:   time.Now(),
	}

	s.mux.HandleFunc("GET /callback", s.handleCallback)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Wrap with middleware
	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return s, nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen.HTTP)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("starting HTTP server",
		"addr", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	return s.httpServer.Serve(ln)
}

// Handler returns the server's handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
