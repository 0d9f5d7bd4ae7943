// Package config loads server configuration from defaults, an optional TOML
// file, a .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// Config holds every runtime setting.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Log       LogConfig       `toml:"log"`
	Ops       OpsConfig       `toml:"ops"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Billing   BillingConfig   `toml:"billing"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// OpsConfig is the health/metrics listener.
type OpsConfig struct {
	Addr string `toml:"addr"`
}

// SchedulerConfig controls the monthly billing loop.
type SchedulerConfig struct {
	Enabled       bool          `toml:"enabled"`
	CheckInterval time.Duration `toml:"check_interval"`
	// RunDay is the first day of the month on which the run is enqueued.
	RunDay int `toml:"run_day"`
}

type BillingConfig struct {
	Concurrency      int `toml:"concurrency"`
	DefaultGraceDays int `toml:"default_grace_days"`
}

// DefaultConfig returns settings that work for a local single-node setup.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "dues.db"},
		Log:      LogConfig{Level: "info"},
		Ops:      OpsConfig{Addr: ":9090"},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			CheckInterval: time.Hour,
			RunDay:        1,
		},
		Billing: BillingConfig{
			Concurrency:      8,
			DefaultGraceDays: 0,
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Path = getEnv("DUES_DB_PATH", cfg.Database.Path)
	cfg.Log.Level = getEnv("DUES_LOG_LEVEL", cfg.Log.Level)
	cfg.Ops.Addr = getEnv("DUES_OPS_ADDR", cfg.Ops.Addr)
	cfg.Scheduler.Enabled = getEnvBool("DUES_SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.CheckInterval = getEnvDuration("DUES_SCHEDULER_INTERVAL", cfg.Scheduler.CheckInterval)
	cfg.Scheduler.RunDay = getEnvInt("DUES_SCHEDULER_RUN_DAY", cfg.Scheduler.RunDay)
	cfg.Billing.Concurrency = getEnvInt("DUES_BILLING_CONCURRENCY", cfg.Billing.Concurrency)
	cfg.Billing.DefaultGraceDays = getEnvInt("DUES_DEFAULT_GRACE_DAYS", cfg.Billing.DefaultGraceDays)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Scheduler.Enabled && c.Scheduler.CheckInterval <= 0 {
		return errors.New("scheduler.check_interval must be positive")
	}
	if c.Scheduler.RunDay < 1 || c.Scheduler.RunDay > 28 {
		return fmt.Errorf("scheduler.run_day must be between 1 and 28, got %d", c.Scheduler.RunDay)
	}
	if c.Billing.Concurrency < 1 {
		return fmt.Errorf("billing.concurrency must be at least 1, got %d", c.Billing.Concurrency)
	}
	if c.Billing.DefaultGraceDays < 0 {
		return fmt.Errorf("billing.default_grace_days must not be negative, got %d", c.Billing.DefaultGraceDays)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
