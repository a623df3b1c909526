package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8080"`
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET,required"`

	// Mail provider
	Provider          string `env:"MAIL_PROVIDER" envDefault:"google"` // "google" or "microsoft"
	OAuthClientID     string `env:"OAUTH_CLIENT_ID,required"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET,required"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL"` // override for non-default endpoints
	WatchTopic        string `env:"WATCH_TOPIC"`     // pub/sub topic leases are bound to

	// Push notification verification (optional)
	PushJWKSURL  string `env:"PUSH_JWKS_URL"`
	PushAudience string `env:"PUSH_AUDIENCE"`

	// Sync tuning
	PageSize         int           `env:"SYNC_PAGE_SIZE" envDefault:"50"`
	FetchConcurrency int           `env:"SYNC_FETCH_CONCURRENCY" envDefault:"5"`
	TokenMargin      time.Duration `env:"TOKEN_SAFETY_MARGIN" envDefault:"60s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`
	SweepDelay       time.Duration `env:"SWEEP_MAILBOX_DELAY" envDefault:"2s"`
	LeaseRenewWithin time.Duration `env:"LEASE_RENEW_WITHIN" envDefault:"24h"`
	LeaseRenewEvery  time.Duration `env:"LEASE_RENEW_EVERY" envDefault:"1h"`

	// Storage / events
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailsync.db"`
	NATSURL      string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Provider != "google" && cfg.Provider != "microsoft" {
		return nil, fmt.Errorf("unsupported MAIL_PROVIDER %q", cfg.Provider)
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}
	if cfg.FetchConcurrency <= 0 {
		return nil, fmt.Errorf("SYNC_FETCH_CONCURRENCY must be positive, got %d", cfg.FetchConcurrency)
	}

	return cfg, nil
}
