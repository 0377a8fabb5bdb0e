// Package config loads the core's process-wide, env-sourced settings
// (spec §6.4) into a single struct built once at startup and threaded
// through to components as a value — never read back out of a
// package-level global.
package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the recognized options of spec §6.4.
type Config struct {
	// DefaultWindowSize is the window size, in seconds, a Descriptor falls
	// back to when a QuotaMap entry omits one.
	DefaultWindowSize int64 `env:"RATELIMIT_WINDOW_SIZE_DEFAULT" env-default:"60"`

	// LazyRejectionEnabled turns hard rejection into admit-with-annotation.
	LazyRejectionEnabled bool `env:"RATELIMIT_LAZY_REJECTION_ENABLED" env-default:"false"`

	// TokenRateLimitKind selects which usage field the reconciler charges:
	// output, input, or total.
	TokenRateLimitKind string `env:"RATELIMIT_TOKEN_RATE_LIMIT_KIND" env-default:"total"`

	// LocalOnly forces the counter store into its diagnostic, remote-free
	// mode even when a remote tier is configured.
	LocalOnly bool `env:"RATELIMIT_LOCAL_ONLY" env-default:"false"`

	// BatchFlushIntervalSeconds is the background flush tick for the
	// counter store's buffered increments.
	BatchFlushIntervalSeconds int64 `env:"RATELIMIT_BATCH_FLUSH_INTERVAL_SECONDS" env-default:"1"`

	// RedisAddr is the remote tier's address, empty meaning no remote tier
	// is configured (the store runs local-only).
	RedisAddr string `env:"RATELIMIT_REDIS_ADDR"`
}

// Load reads configuration from environment variables into a new Config,
// applying env-default tags for anything unset.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	return &cfg, nil
}
