package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/contextlinker/internal/asana"
	"github.com/florianilch/contextlinker/internal/linker"
	"github.com/florianilch/contextlinker/internal/mcp"
	"github.com/florianilch/contextlinker/internal/oauthexchange"
	"github.com/florianilch/contextlinker/internal/observability"
	"github.com/florianilch/contextlinker/internal/server"
	"github.com/florianilch/contextlinker/internal/tokenmanager"
	"github.com/florianilch/contextlinker/internal/tokenstore"
)

// App orchestrates the lifecycle of the HTTP server and its collaborators.
type App struct {
	cfg    *Config
	server *server.Server
}

// Auth bundles the pieces needed to drive the authorization flow outside the server.
type Auth struct {
	Store    tokenstore.Store
	Exchange *oauthexchange.Client
	Manager  *tokenmanager.Manager
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics {
		metrics = observability.NewMetrics()
	}

	// I/O deferred to first ValidToken() call
	auth, err := newAuth(cfg, metrics)
	if err != nil {
		return nil, err
	}

	contexts, err := mcp.New(cfg.MCP.BaseURL, mcp.WithHTTPClient(&http.Client{Timeout: cfg.HTTPClient.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	stories, err := asana.New(
		asana.WithBaseURL(cfg.Asana.APIBaseURL),
		asana.WithTimeout(cfg.HTTPClient.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Asana client: %w", err)
	}

	attacher, err := linker.New(auth.Manager, contexts, stories, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create linker: %w", err)
	}

	deps := server.Dependencies{
		Callback:     auth.Manager,
		AuthURLs:     auth.Exchange,
		Linker:       attacher,
		MCPServerURL: contexts.BaseURL(),
	}
	if metrics != nil {
		deps.Metrics = metrics.Handler()
	}

	srv, err := server.New(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &App{
		cfg:    cfg,
		server: srv,
	}, nil
}

// NewAuth builds the exchange client and token manager from configuration, for
// commands that run the authorization flow without starting the server.
func NewAuth(cfg *Config) (*Auth, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newAuth(cfg, nil)
}

func newAuth(cfg *Config, metrics *observability.Metrics) (*Auth, error) {
	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	exchange, err := oauthexchange.New(cfg.Asana.OAuthConfig(), oauthexchange.WithTimeout(cfg.HTTPClient.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth client: %w", err)
	}

	manager, err := tokenmanager.New(store, exchange,
		tokenmanager.WithExpiryLeeway(cfg.Auth.ExpiryLeeway),
		tokenmanager.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	return &Auth{Store: store, Exchange: exchange, Manager: manager}, nil
}

// Handler exposes the configured routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting HTTP server", "address", address, "mcp_server", a.cfg.MCP.BaseURL)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
