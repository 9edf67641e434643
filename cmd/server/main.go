package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/mailsift/mailsift/internal/app"
	"github.com/mailsift/mailsift/internal/audit"
	"github.com/mailsift/mailsift/internal/crypto"
	"github.com/mailsift/mailsift/internal/database"
	"github.com/mailsift/mailsift/internal/domain"
	"github.com/mailsift/mailsift/internal/oauth"
	"github.com/mailsift/mailsift/internal/platform/config"
	"github.com/mailsift/mailsift/internal/platform/logging"
	"github.com/mailsift/mailsift/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.TokenMasterKey == "" {
		// Config validation only lets this through in development.
		slog.Warn("TOKEN_MASTER_KEY not set, storing tokens in plaintext (development only)")
		return crypto.NoopService{}
	}

	svc, err := crypto.NewVaultService(cfg.TokenMasterKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	return svc
}

func setupAudit(cfg *config.Config) (domain.RefreshEventPublisher, func()) {
	if cfg.RedisURL == "" {
		slog.Info("No REDIS_URL configured, refresh events go to the log")
		return audit.LogPublisher{}, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	publisher, err := audit.NewRedisPublisher(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return publisher, func() { _ = publisher.Close() }
}

func providerCredentials(cfg *config.Config) map[domain.Provider]oauth.ClientCredentials {
	creds := make(map[domain.Provider]oauth.ClientCredentials)
	if cfg.GoogleClientID != "" {
		creds[domain.ProviderGoogle] = oauth.ClientCredentials{ID: cfg.GoogleClientID, Secret: cfg.GoogleClientSecret}
	}
	if cfg.MicrosoftClientID != "" {
		creds[domain.ProviderMicrosoft] = oauth.ClientCredentials{ID: cfg.MicrosoftClientID, Secret: cfg.MicrosoftClientSecret}
	}
	return creds
}

func runGracefulShutdown(srv *server.Server) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	cryptoSvc := setupCrypto(cfg)

	publisher, closePublisher := setupAudit(cfg)
	defer closePublisher()

	connectionRepo := database.NewConnectionRepo(pool, cryptoSvc)
	oauthClient := oauth.NewClient(providerCredentials(cfg), cfg.RefreshTimeout)

	appSvc := app.NewService(connectionRepo, cryptoSvc, oauthClient, publisher, clock, cfg.RefreshBuffer, cfg.RefreshTimeout)

	srv := server.NewServer(cfg, appSvc, pool)
	done := runGracefulShutdown(srv)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
