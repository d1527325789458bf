// Package config loads the cachegate configuration from an optional YAML
// file overlaid by CACHEGATE_* environment variables. Durations accept
// human-readable strings like "90s", "5m" or "1h30m".
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Config is the recognized configuration surface.
type Config struct {
	// Addr is the listen address for the HTTP surface.
	Addr string `yaml:"addr" env:"CACHEGATE_ADDR"`

	// TTL is the freshness window for cached entries.
	TTL string `yaml:"ttl" env:"CACHEGATE_TTL"`

	// NegativeTTL enables caching of not-found results when non-empty.
	NegativeTTL string `yaml:"negative_ttl" env:"CACHEGATE_NEGATIVE_TTL"`

	// CoalesceWindow bounds how long a read waits to join an in-flight
	// load before starting its own. Empty waits indefinitely.
	CoalesceWindow string `yaml:"coalesce_window" env:"CACHEGATE_COALESCE_WINDOW"`

	// InvalidationScope is "key" (default) or "all".
	InvalidationScope string `yaml:"invalidation_scope" env:"CACHEGATE_INVALIDATION_SCOPE"`

	// WriteThrough updates the cache on writes instead of invalidating.
	WriteThrough bool `yaml:"write_through" env:"CACHEGATE_WRITE_THROUGH"`

	// FreshFor is the client-side freshness window.
	FreshFor string `yaml:"fresh_for" env:"CACHEGATE_FRESH_FOR"`

	// RedisURL switches the entry cache to Redis when set.
	RedisURL string `yaml:"redis_url" env:"CACHEGATE_REDIS_URL"`

	// KeyPrefix namespaces entries in a shared Redis.
	KeyPrefix string `yaml:"key_prefix" env:"CACHEGATE_KEY_PREFIX"`

	// SQLitePath is the authoritative store location. Empty means an
	// in-memory store.
	SQLitePath string `yaml:"sqlite_path" env:"CACHEGATE_SQLITE_PATH"`

	// LogLevel is trace, debug, info, warn or error.
	LogLevel string `yaml:"log_level" env:"CACHEGATE_LOG_LEVEL"`

	// LogJSON switches from console to JSON line logging.
	LogJSON bool `yaml:"log_json" env:"CACHEGATE_LOG_JSON"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Addr:              ":8017",
		TTL:               "5m",
		InvalidationScope: "key",
		FreshFor:          "30s",
		LogLevel:          "info",
	}
}

// Load reads path (when non-empty), then overlays environment variables.
// A missing file at an explicitly given path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "config: read file")
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, errors.Wrap(err, "config: parse yaml")
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse environment")
	}
	return cfg, nil
}

// Duration parses one of the duration-valued fields. Empty returns zero.
func Duration(val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return 0, errors.Wrapf(err, "config: invalid duration %q", val)
	}
	return d, nil
}
