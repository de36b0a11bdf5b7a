package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	BaseURL     string `mapstructure:"BASE_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	Dialect     string `mapstructure:"DIALECT"`

	// StatementTimeout applies to every database statement.
	StatementTimeout time.Duration `mapstructure:"STATEMENT_TIMEOUT"`

	// CacheSize bounds the in-process common-value cache entries per kind.
	CacheSize int `mapstructure:"CACHE_SIZE"`

	// PayloadOffloadBytes moves payloads above this size out of the
	// version row. Zero keeps everything inline.
	PayloadOffloadBytes int `mapstructure:"PAYLOAD_OFFLOAD_BYTES"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`

	ReindexWorkers      int           `mapstructure:"REINDEX_WORKERS"`
	ReindexBatchSize    int           `mapstructure:"REINDEX_BATCH_SIZE"`
	ReindexStagger      time.Duration `mapstructure:"REINDEX_STAGGER"`
	ReindexProbeBackoff time.Duration `mapstructure:"REINDEX_PROBE_BACKOFF"`
	ReindexJoinTimeout  time.Duration `mapstructure:"REINDEX_JOIN_TIMEOUT"`
	ReindexEndpoint     string        `mapstructure:"REINDEX_ENDPOINT"`
	ReindexCallTimeout  time.Duration `mapstructure:"REINDEX_CALL_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DIALECT", "postgres")
	v.SetDefault("STATEMENT_TIMEOUT", "30s")
	v.SetDefault("CACHE_SIZE", 10000)
	v.SetDefault("PAYLOAD_OFFLOAD_BYTES", 0)
	v.SetDefault("REINDEX_WORKERS", 4)
	v.SetDefault("REINDEX_BATCH_SIZE", 100)
	v.SetDefault("REINDEX_STAGGER", "100ms")
	v.SetDefault("REINDEX_PROBE_BACKOFF", "2s")
	v.SetDefault("REINDEX_JOIN_TIMEOUT", "30s")
	v.SetDefault("REINDEX_CALL_TIMEOUT", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("BASE_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DIALECT")
	v.BindEnv("STATEMENT_TIMEOUT")
	v.BindEnv("CACHE_SIZE")
	v.BindEnv("PAYLOAD_OFFLOAD_BYTES")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("REINDEX_WORKERS")
	v.BindEnv("REINDEX_BATCH_SIZE")
	v.BindEnv("REINDEX_STAGGER")
	v.BindEnv("REINDEX_PROBE_BACKOFF")
	v.BindEnv("REINDEX_JOIN_TIMEOUT")
	v.BindEnv("REINDEX_ENDPOINT")
	v.BindEnv("REINDEX_CALL_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production
// requires AUTH_SECRET so mutating routes are never left open.
func (c *Config) Validate() error {
	switch c.Dialect {
	case "postgres", "ansi", "postgres+sharded":
	default:
		return fmt.Errorf("DIALECT must be \"postgres\", \"ansi\", or \"postgres+sharded\", got %q", c.Dialect)
	}
	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("CACHE_SIZE must not be negative, got %d", c.CacheSize)
	}
	if c.ReindexWorkers < 1 || c.ReindexWorkers > 512 {
		return fmt.Errorf("REINDEX_WORKERS must be between 1 and 512, got %d", c.ReindexWorkers)
	}
	if c.ReindexBatchSize < 1 {
		return fmt.Errorf("REINDEX_BATCH_SIZE must be at least 1, got %d", c.ReindexBatchSize)
	}
	return nil
}
