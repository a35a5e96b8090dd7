// Package config loads the process configuration from environment variables
// (with an optional .env file for local development), following the same
// env-var-driven pattern as the rest of the stack.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds every environment-variable-driven setting for the service.
type Config struct {
	Debug            bool   `env:"DEBUG" envDefault:"false"`
	AppName          string `env:"APP_NAME" envDefault:"webhookd"`
	AppDescription   string `env:"APP_DESCRIPTION" envDefault:"Webhook ingest and delivery engine"`
	AppVersion       string `env:"APP_VERSION" envDefault:"dev"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS" envDefault:"*"`
	AllowedHeaders   string `env:"ALLOWED_HEADERS" envDefault:"*"`
	AllowedMethods   string `env:"ALLOWED_METHODS" envDefault:"*"`

	MongoURL    string `env:"MONGO_URL,required,notEmpty"`
	MongoDBName string `env:"MONGO_DB_NAME,required,notEmpty"`

	SecretKey                  string `env:"SECRET_KEY,required,notEmpty"`
	TimestampToleranceSeconds  int    `env:"TIMESTAMP_TOLERANCE_SECONDS" envDefault:"300"`

	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`

	BEBaseURL string `env:"BE_BASE_URL,required,notEmpty"`

	ConcurrentWorkers int `env:"CONCURRENT_WORKERS" envDefault:"10"`

	PageSize    int `env:"PAGE_SIZE" envDefault:"20"`
	DefaultPage int `env:"DEFAULT_PAGE" envDefault:"1"`
}

// DownstreamURL is the outbound delivery target derived from BEBaseURL.
func (c *Config) DownstreamURL() string {
	return c.BEBaseURL + "/api/v1/webhooks/downstream/receive"
}

// Load reads configuration from a .env file (if present) and the process
// environment. Environment variables always take precedence over values
// loaded from .env.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the host:port pair go-redis expects.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
