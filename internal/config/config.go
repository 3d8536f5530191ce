// Package config loads the session daemon configuration from the environment
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/wispberry-tech/wispy-trust/core"
)

// Config holds all daemon configuration parsed from environment variables
type Config struct {
	// Server
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Storage. DATABASE_URL wins over SQLITE_PATH; neither selects the in-memory store.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	// Geolocation
	GeoEnabled       bool   `env:"GEO_ENABLED" envDefault:"true"`
	GeoEndpoint      string `env:"GEO_ENDPOINT" envDefault:"http://ip-api.com/json/"`
	GeoRatePerMinute int    `env:"GEO_RATE_PER_MINUTE" envDefault:"45"`

	// Kafka
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaTopic   string `env:"KAFKA_TOPIC" envDefault:"session-security-events"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// Tracing. An empty endpoint leaves tracing off.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Session engine
	SessionLifetime       time.Duration `env:"SESSION_LIFETIME" envDefault:"24h"`
	RememberMeLifetime    time.Duration `env:"REMEMBER_ME_LIFETIME" envDefault:"720h"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT" envDefault:"30m"`
	RememberMeIdleTimeout time.Duration `env:"REMEMBER_ME_IDLE_TIMEOUT" envDefault:"168h"`
	StepUpWindow          time.Duration `env:"STEP_UP_WINDOW" envDefault:"5m"`
	ActivityRetention     time.Duration `env:"ACTIVITY_RETENTION" envDefault:"2160h"`
	SweepInterval         time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`
	GeoTimeout            time.Duration `env:"GEO_TIMEOUT" envDefault:"3s"`
	GeoCacheTTL           time.Duration `env:"GEO_CACHE_TTL" envDefault:"1h"`
	GeoCacheSize          int           `env:"GEO_CACHE_SIZE" envDefault:"10000"`
	NotificationQueueSize int           `env:"NOTIFICATION_QUEUE_SIZE" envDefault:"256"`
	NotificationTimeout   time.Duration `env:"NOTIFICATION_TIMEOUT" envDefault:"10s"`
	FailedAttemptWindow   time.Duration `env:"FAILED_ATTEMPT_WINDOW" envDefault:"24h"`
	HistoryLimit          int           `env:"HISTORY_LIMIT" envDefault:"100"`
	DefaultMaxSessions    int           `env:"DEFAULT_MAX_SESSIONS" envDefault:"5"`
	ConflictStrategy      string        `env:"CONFLICT_STRATEGY" envDefault:"keep_newest"`
	AutoResolveOnCreate   bool          `env:"AUTO_RESOLVE_ON_CREATE" envDefault:"true"`
}

// Load reads an optional .env file, then parses the environment
func Load() (*Config, error) {
	// Missing .env is fine outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if _, err := core.ParseResolutionStrategy(c.ConflictStrategy); err != nil {
		return fmt.Errorf("invalid CONFLICT_STRATEGY: %w", err)
	}
	if c.DefaultMaxSessions < 1 {
		return fmt.Errorf("DEFAULT_MAX_SESSIONS must be at least 1, got %d", c.DefaultMaxSessions)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.SessionLifetime <= 0 || c.RememberMeLifetime <= 0 {
		return fmt.Errorf("session lifetimes must be positive")
	}
	if c.IdleTimeout <= 0 || c.RememberMeIdleTimeout <= 0 || c.StepUpWindow <= 0 {
		return fmt.Errorf("idle timeouts and STEP_UP_WINDOW must be positive")
	}
	if c.GeoCacheSize < 1 || c.NotificationQueueSize < 1 {
		return fmt.Errorf("GEO_CACHE_SIZE and NOTIFICATION_QUEUE_SIZE must be at least 1")
	}
	return nil
}

// SessionConfig maps the environment onto the engine configuration
func (c *Config) SessionConfig() core.SessionConfig {
	strategy, _ := core.ParseResolutionStrategy(c.ConflictStrategy)
	return core.SessionConfig{
		SessionLifetime:       c.SessionLifetime,
		RememberMeLifetime:    c.RememberMeLifetime,
		IdleTimeout:           c.IdleTimeout,
		RememberMeIdleTimeout: c.RememberMeIdleTimeout,
		StepUpWindow:          c.StepUpWindow,
		ActivityRetention:     c.ActivityRetention,
		SweepInterval:         c.SweepInterval,
		GeoTimeout:            c.GeoTimeout,
		GeoCacheTTL:           c.GeoCacheTTL,
		GeoCacheSize:          c.GeoCacheSize,
		NotificationQueueSize: c.NotificationQueueSize,
		NotificationTimeout:   c.NotificationTimeout,
		FailedAttemptWindow:   c.FailedAttemptWindow,
		HistoryLimit:          c.HistoryLimit,
		DefaultMaxSessions:    c.DefaultMaxSessions,
		ConflictStrategy:      strategy,
		AutoResolveOnCreate:   c.AutoResolveOnCreate,
	}
}
