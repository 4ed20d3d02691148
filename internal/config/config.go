// Package config loads process configuration from the environment.
package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	DBPath string `env:"DB_PATH" envDefault:"./var/tasks.db"`

	MaxConcurrent      int   `env:"MAX_CONCURRENT" envDefault:"3"`
	SchedTickMs        int64 `env:"SCHED_TICK_MS" envDefault:"200"`
	LeaseMs            int64 `env:"LEASE_MS" envDefault:"60000"`
	MaxAttempts        int   `env:"MAX_ATTEMPTS" envDefault:"3"`
	RecoveryIntervalMs int64 `env:"RECOVERY_INTERVAL_MS" envDefault:"5000"`
	ClaimBatchSize     int   `env:"CLAIM_BATCH_SIZE" envDefault:"50"`

	Host     string `env:"HOST" envDefault:"127.0.0.1"`
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads a .env file when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrent <= 0 {
		return errors.New("MAX_CONCURRENT must be > 0")
	}
	if c.SchedTickMs <= 0 {
		return errors.New("SCHED_TICK_MS must be > 0")
	}
	if c.LeaseMs <= 0 {
		return errors.New("LEASE_MS must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("MAX_ATTEMPTS must be > 0")
	}
	if c.RecoveryIntervalMs < 0 {
		return errors.New("RECOVERY_INTERVAL_MS must be >= 0")
	}
	if c.ClaimBatchSize <= 0 {
		return errors.New("CLAIM_BATCH_SIZE must be > 0")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	return nil
}
