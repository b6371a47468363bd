// Package daemon orchestrates all the components of the Winter auth daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winter-ide/winter-auth/internal/authenticator"
	"github.com/winter-ide/winter-auth/internal/backend"
	"github.com/winter-ide/winter-auth/internal/browser"
	"github.com/winter-ide/winter-auth/internal/config"
	"github.com/winter-ide/winter-auth/internal/httpserver"
	"github.com/winter-ide/winter-auth/internal/ipc"
	"github.com/winter-ide/winter-auth/internal/oauth"
	"github.com/winter-ide/winter-auth/internal/pending"
	"github.com/winter-ide/winter-auth/internal/secrets"
	"github.com/winter-ide/winter-auth/internal/session"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 30 * time.Second

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg     *config.Config
	version string

	storageCloser io.Closer
	store         *session.Store
	auth          *authenticator.Authenticator
	backend       *backend.Client
	httpServer    *httpserver.Server
	ipcServer     *ipc.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	storage, closer, err := secrets.Open(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret storage: %w", err)
	}

	store := session.NewStore(storage, session.StoreOptions{
		Key:    cfg.Storage.Key,
		Policy: cfg.Auth.AccountPolicy,
	})

	slog.Info("session store initialized",
		"backend", cfg.Storage.Backend,
		"account_policy", store.Policy(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	oauthClient, err := oauth.NewClient(ctx, &cfg.OAuth, nil)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to initialize OAuth client: %w", err)
	}

	slog.Info("OAuth client initialized",
		"client_id", cfg.OAuth.ClientID,
		"redirect_uri", cfg.OAuth.RedirectURI,
	)

	registry := pending.NewRegistry(cfg.Auth.SignInTimeoutDuration())
	auth := authenticator.New(
		oauthClient,
		browser.New(cfg.Auth.OpenBrowser, os.Stderr),
		store,
		registry,
		authenticator.Options{DefaultScopes: cfg.OAuth.Scopes},
	)

	slog.Info("authenticator initialized",
		"sign_in_timeout", registry.Timeout(),
		"open_browser", cfg.Auth.OpenBrowser,
	)

	httpServer, err := httpserver.NewServer(cfg, auth, version)
	if err != nil {
		auth.Close()
		_ = closer.Close()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	d := &Daemon{
		cfg:           cfg,
		version:       version,
		storageCloser: closer,
		store:         store,
		auth:          auth,
		backend:       backend.NewClient(cfg.API.BaseURL, cfg.API.ChatModel, nil),
		httpServer:    httpServer,
	}
	d.ipcServer = ipc.NewServer(cfg.Listen.Socket, d.handle)

	slog.Info("IPC server initialized", "socket", cfg.Listen.Socket)

	return d, nil
}

// Run starts all daemon components and blocks until ctx is done, a shutdown
// signal is received or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting Winter auth daemon", "version", d.version)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start IPC server synchronously to catch startup errors
	if err := d.ipcServer.Start(ctx); err != nil {
		d.closeAuth()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		d.watchSessions(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("shutdown requested")
		}
		d.shutdown()
		return nil
	})

	err := g.Wait()
	slog.Info("daemon shutdown complete")
	return err
}

// shutdown stops components in dependency order: no new requests, then
// in-flight sign-ins, then storage.
func (d *Daemon) shutdown() {
	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.httpServer.Shutdown(ctx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.closeAuth()
}

func (d *Daemon) closeAuth() {
	d.auth.Close()
	if err := d.storageCloser.Close(); err != nil {
		slog.Error("error closing secret storage", "error", err)
	}
}

// watchSessions logs session changes until ctx is done.
func (d *Daemon) watchSessions(ctx context.Context) {
	events, unsubscribe := d.auth.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, rec := range ev.Added {
				slog.Info("session added", "session_id", rec.ID, "account_id", rec.Account.ID)
			}
			for _, rec := range ev.Changed {
				slog.Info("session changed", "session_id", rec.ID, "account_id", rec.Account.ID)
			}
			for _, rec := range ev.Removed {
				slog.Info("session removed", "session_id", rec.ID, "account_id", rec.Account.ID)
			}
		}
	}
}
