package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"60s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"55s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// PGDSN enables the audit trail and idempotency keys; empty disables both.
	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	OffersBaseURL       string        `envconfig:"OFFERS_BASE_URL" required:"true"`
	OffersAPIToken      string        `envconfig:"OFFERS_API_TOKEN"`
	OffersTimeout       time.Duration `envconfig:"OFFERS_TIMEOUT" default:"20s"`
	OffersRatePerSec    float64       `envconfig:"OFFERS_RATE_PER_SEC" default:"10"`
	OffersWriteStrategy []string      `envconfig:"OFFERS_WRITE_STRATEGIES" default:"put,patch,patch_items"`
	OffersIndexEndpoint string        `envconfig:"OFFERS_INDEX_ENDPOINT"`

	SaveTimeout      time.Duration `envconfig:"SAVE_TIMEOUT" default:"45s"`
	StatusSessionTTL time.Duration `envconfig:"STATUS_SESSION_TTL" default:"8h"`
	StatusIndexTTL   time.Duration `envconfig:"STATUS_INDEX_TTL" default:"5m"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"72h"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// LoadConfig reads configuration from environment variables. A .env file in
// the working directory is loaded first when present; real environment
// variables take precedence.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(strings.TrimSpace(c.OffersBaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("OFFERS_BASE_URL must be an absolute URL, got %q", c.OffersBaseURL)
	}
	if c.SaveTimeout <= 0 {
		return errors.New("SAVE_TIMEOUT must be positive")
	}
	if c.AppRequestTimeout > 0 && c.AppRequestTimeout < c.SaveTimeout {
		return errors.New("APP_REQUEST_TIMEOUT must not be shorter than SAVE_TIMEOUT")
	}
	if c.OffersRatePerSec < 0 {
		return errors.New("OFFERS_RATE_PER_SEC must not be negative")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
