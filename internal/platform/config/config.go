package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	// TokenMasterKey is the hex-encoded 256-bit root secret for token
	// encryption at rest. Required outside development: starting without it
	// would mean either serving plaintext tokens or generating an ephemeral
	// key that makes every stored credential unrecoverable on restart.
	TokenMasterKey string `env:"TOKEN_MASTER_KEY"`

	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`

	// RedisURL enables the refresh audit event publisher when set.
	RedisURL string `env:"REDIS_URL"`

	// AdminTokenHash is the salted PBKDF2 hash ("hexsalt:hexhash") of the
	// bearer token guarding the management API. Empty leaves the API open,
	// for deployments that front it with their own auth.
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RefreshBuffer is the lead time before expiry at which a token is
	// proactively treated as needing refresh.
	RefreshBuffer  time.Duration `env:"REFRESH_BUFFER" default:"5m"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" default:"10s"`
}

// IsDevelopment reports whether the service runs in development mode.
// Only development may run without a master key (plaintext passthrough).
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.TokenMasterKey == "" {
		if !cfg.IsDevelopment() {
			return fmt.Errorf("TOKEN_MASTER_KEY is required when APP_ENV=%s: refusing to start without a persistent master key", cfg.AppEnv)
		}
	} else {
		keyBytes, err := hex.DecodeString(cfg.TokenMasterKey)
		if err != nil {
			return fmt.Errorf("TOKEN_MASTER_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_MASTER_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	pairs := []struct {
		name   string
		id     string
		secret string
	}{
		{"GOOGLE", cfg.GoogleClientID, cfg.GoogleClientSecret},
		{"MICROSOFT", cfg.MicrosoftClientID, cfg.MicrosoftClientSecret},
	}
	for _, p := range pairs {
		if (p.id == "") != (p.secret == "") {
			return fmt.Errorf("%s_CLIENT_ID and %s_CLIENT_SECRET must be set together", p.name, p.name)
		}
	}

	if cfg.AdminTokenHash != "" {
		if err := validateAdminTokenHash(cfg.AdminTokenHash); err != nil {
			return err
		}
	}

	if !cfg.IsDevelopment() {
		if err := validateDatabaseSSL(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	if cfg.RefreshBuffer <= 0 {
		return fmt.Errorf("REFRESH_BUFFER must be positive")
	}
	if cfg.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be positive")
	}

	return nil
}

// validateAdminTokenHash rejects a malformed hash at startup; letting it
// through would lock every management request out with no hint why.
func validateAdminTokenHash(combined string) error {
	saltHex, hashHex, ok := strings.Cut(combined, ":")
	if !ok {
		return fmt.Errorf("ADMIN_TOKEN_HASH must be of the form hexsalt:hexhash")
	}
	if _, err := hex.DecodeString(saltHex); err != nil {
		return fmt.Errorf("ADMIN_TOKEN_HASH salt is not valid hex: %w", err)
	}
	if _, err := hex.DecodeString(hashHex); err != nil {
		return fmt.Errorf("ADMIN_TOKEN_HASH hash is not valid hex: %w", err)
	}
	return nil
}

func validateDatabaseSSL(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
