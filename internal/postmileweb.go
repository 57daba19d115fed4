// Package internal wires the postmile web front-end together: storage,
// the API client, login providers, and the HTTP server.
package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outmoded/postmile-web/internal/api"
	"github.com/outmoded/postmile-web/internal/config"
	"github.com/outmoded/postmile-web/internal/crypto"
	"github.com/outmoded/postmile-web/internal/json"
	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/login"
	"github.com/outmoded/postmile-web/internal/provider"
	"github.com/outmoded/postmile-web/internal/server"
	"github.com/outmoded/postmile-web/internal/session"
	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/ticket"
)

const (
	handshakeCleanupInterval = 10 * time.Minute
	handshakeMaxAge          = time.Hour
)

// PostmileWeb is the assembled application
type PostmileWeb struct {
	config     config.Config
	store      storage.Store
	cleanup    *storage.CleanupManager
	httpServer *server.HTTPServer
}

// NewPostmileWeb builds the application from configuration
func NewPostmileWeb(ctx context.Context, cfg config.Config) (*PostmileWeb, error) {
	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("setting up storage: %w", err)
	}

	apiClient := api.New(cfg.Server.API.BaseURL(), ticket.Credential{
		ID:        cfg.Vault.APIClient.ID,
		Key:       string(cfg.Vault.APIClient.Key),
		Algorithm: cfg.Vault.APIClient.Algorithm,
	})

	sessions := session.NewManager(store)
	finalizer := login.NewFinalizer(apiClient, sessions)

	drivers, err := provider.NewDrivers(cfg.Login, cfg.Server.Web.URI)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("setting up login providers: %w", err)
	}

	handlers := server.NewAuthHandlers(drivers, finalizer, sessions, store, nil)

	mux := http.NewServeMux()
	mux.Handle("/auth/{provider}", http.HandlerFunc(handlers.AuthHandler))
	mux.HandleFunc("GET /login", handlers.LoginHandler)
	mux.HandleFunc("GET /login/email/{token}", handlers.EmailTokenHandler)
	mux.HandleFunc("GET /logout", handlers.LogoutHandler)
	mux.HandleFunc("POST /account/unlink", handlers.UnlinkHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.Write(w, map[string]string{"status": "ok"})
	})

	handler := server.ChainMiddleware(mux,
		server.NewRecoverMiddleware(),
		server.NewLoggerMiddleware(),
	)

	return &PostmileWeb{
		config:     cfg,
		store:      store,
		cleanup:    storage.NewCleanupManager(store, handshakeCleanupInterval, handshakeMaxAge),
		httpServer: server.NewHTTPServer(cfg.Server.Web.Addr, handler),
	}, nil
}

// Run starts the application and blocks until shutdown
func (p *PostmileWeb) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.cleanup.Start(ctx)

	errCh := make(chan error, 1)
	p.httpServer.Start(errCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.LogInfoWithFields("app", "Shutting down", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errCh:
		if err != nil {
			p.shutdown()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := p.httpServer.Stop(stopCtx); err != nil {
		log.LogErrorWithFields("app", "Graceful shutdown failed", map[string]any{
			"error": err.Error(),
		})
	}

	p.shutdown()
	return nil
}

func (p *PostmileWeb) shutdown() {
	p.cleanup.Stop()
	if err := p.store.Close(); err != nil {
		log.LogErrorWithFields("app", "Failed to close storage", map[string]any{
			"error": err.Error(),
		})
	}
}

func setupStorage(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Kind == config.StorageKindMemory {
		log.Logf("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	if cfg.Storage.Kind != config.StorageKindFirestore {
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Storage.Kind)
	}

	encryptor, err := crypto.NewEncryptor([]byte(cfg.Vault.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	store, err := storage.NewFirestoreStorage(ctx, cfg.Storage.GCPProject, cfg.Storage.Database, cfg.Storage.Collection, encryptor)
	if err != nil {
		return nil, err
	}
	log.LogInfoWithFields("app", "Using Firestore storage", map[string]any{
		"project": cfg.Storage.GCPProject,
	})
	return store, nil
}
