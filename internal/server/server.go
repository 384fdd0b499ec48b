// Package server exposes the OAuth callback and context attachment endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/contextlinker/internal/oauthexchange"
)

// CallbackHandler completes the OAuth authorization code flow.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, code string) (*oauthexchange.TokenResponse, error)
}

// AuthURLBuilder produces the provider URL that starts authorization.
type AuthURLBuilder interface {
	AuthCodeURL(state string) string
}

// Attacher attaches a named context to a task.
type Attacher interface {
	Attach(ctx context.Context, taskGID, contextName string) error
}

// Dependencies are the collaborators the HTTP layer calls into.
type Dependencies struct {
	Callback CallbackHandler
	AuthURLs AuthURLBuilder
	Linker   Attacher
	// MCPServerURL is reported by the health endpoint.
	MCPServerURL string
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Server is the service's HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server with all routes registered.
func New(deps Dependencies) (*Server, error) {
	if deps.Callback == nil {
		return nil, fmt.Errorf("missing callback handler")
	}
	if deps.AuthURLs == nil {
		return nil, fmt.Errorf("missing auth URL builder")
	}
	if deps.Linker == nil {
		return nil, fmt.Errorf("missing linker")
	}

	s := &Server{deps: deps}

	logger := slog.Default()
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, applyMiddlewares(h,
			RedactQuery,
			Logging(logger),
			RestoreQuery,
			Recovery,
			LimitBody,
		))
	}

	handle("GET /health", s.handleHealth)
	handle("GET /asana/oauth/authorize", s.handleAuthorize)
	handle("GET /asana/oauth/callback", s.handleCallback)
	handle("POST /asana/attach-context", s.handleAttachContext)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Attach waits on two upstream calls, each bounded by the client timeout
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
