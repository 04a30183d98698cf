// Package config loads the dispatch service configuration: a TOML file
// (dispatch.toml) merged with DISPATCH_-prefixed environment variables
// over built-in defaults. A file watcher supports hot reload of tunables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brighthome/dispatch/errors"
)

// Config is the full service configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig locates the cache backend. An empty address means the
// in-process cache is used without trying Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig controls the logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// AllocationConfig tunes the allocation engine.
type AllocationConfig struct {
	QueueWeight      float64 `mapstructure:"queue_weight"`
	DistanceWeight   float64 `mapstructure:"distance_weight"`
	RatingWeight     float64 `mapstructure:"rating_weight"`
	MaxCandidates    int     `mapstructure:"max_candidates"`
	AttemptTimeoutMS int     `mapstructure:"attempt_timeout_ms"`
	ExpandRegions    bool    `mapstructure:"expand_regions"`
	FullFallback     bool    `mapstructure:"full_fallback"`
}

// AttemptTimeout returns the per-candidate commit deadline.
func (a AllocationConfig) AttemptTimeout() time.Duration {
	return time.Duration(a.AttemptTimeoutMS) * time.Millisecond
}

// MonitorConfig tunes the background sweep cadences, in seconds.
type MonitorConfig struct {
	StartSLASeconds        int `mapstructure:"start_sla_seconds"`
	CooldownReleaseSeconds int `mapstructure:"cooldown_release_seconds"`
	PaymentTimeoutSeconds  int `mapstructure:"payment_timeout_seconds"`
	OfflineCheckSeconds    int `mapstructure:"offline_check_seconds"`
	OrphanCheckSeconds     int `mapstructure:"orphan_check_seconds"`
}

// RateLimitConfig tunes the per-actor token buckets.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// SetDefaults configures default values for all options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "dispatch.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.json", true)
	v.SetDefault("log.level", "info")

	v.SetDefault("allocation.queue_weight", 0.40)
	v.SetDefault("allocation.distance_weight", 0.30)
	v.SetDefault("allocation.rating_weight", 0.30)
	v.SetDefault("allocation.max_candidates", 5)
	v.SetDefault("allocation.attempt_timeout_ms", 3000)
	v.SetDefault("allocation.expand_regions", true)
	v.SetDefault("allocation.full_fallback", true)

	v.SetDefault("monitor.start_sla_seconds", 30)
	v.SetDefault("monitor.cooldown_release_seconds", 60)
	v.SetDefault("monitor.payment_timeout_seconds", 300)
	v.SetDefault("monitor.offline_check_seconds", 120)
	v.SetDefault("monitor.orphan_check_seconds", 600)

	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)
}

// Load reads the configuration, caching the result until Reset.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file, bypassing the
// global cache and environment merge.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config from %s", configPath)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Reset clears the cached configuration. Used by tests and the watcher.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		// A malformed file falls back to defaults plus environment.
		_ = v.MergeInConfig()
	}

	viperInstance = v
	return v
}

// findConfigFile searches for dispatch.toml from the working directory
// upward.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, "dispatch.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	sum := c.Allocation.QueueWeight + c.Allocation.DistanceWeight + c.Allocation.RatingWeight
	if sum < 0.999 || sum > 1.001 {
		return errors.NewBadRequestError(
			"allocation weights must sum to 1.0, got %.3f", sum)
	}
	if c.Allocation.MaxCandidates <= 0 {
		return errors.NewBadRequestError("allocation.max_candidates must be positive")
	}
	if c.Allocation.AttemptTimeoutMS <= 0 {
		return errors.NewBadRequestError("allocation.attempt_timeout_ms must be positive")
	}
	if c.Database.Path == "" {
		return errors.NewBadRequestError("database.path must be set")
	}
	for name, seconds := range map[string]int{
		"monitor.start_sla_seconds":        c.Monitor.StartSLASeconds,
		"monitor.cooldown_release_seconds": c.Monitor.CooldownReleaseSeconds,
		"monitor.payment_timeout_seconds":  c.Monitor.PaymentTimeoutSeconds,
		"monitor.offline_check_seconds":    c.Monitor.OfflineCheckSeconds,
		"monitor.orphan_check_seconds":     c.Monitor.OrphanCheckSeconds,
	} {
		if seconds <= 0 {
			return errors.NewBadRequestError("%s must be positive", name)
		}
	}
	return nil
}
