// Package config reads service settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by STATE_BACKEND.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds the account engine settings.
type Config struct {
	Port           string
	Backend        string
	StateDir       string
	StateKey       string
	RedisURL       string
	DatabaseURL    string
	PersistTimeout time.Duration
}

// Load reads .env (if present) and then the process environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	var (
		cfg Config
		err error
	)
	if cfg.Port, err = GetEnv("PORT", "8080"); err != nil {
		return Config{}, err
	}
	if cfg.Backend, err = GetEnv("STATE_BACKEND", BackendFile); err != nil {
		return Config{}, err
	}
	if cfg.StateDir, err = GetEnv("STATE_DIR", "./data"); err != nil {
		return Config{}, err
	}
	if cfg.StateKey, err = GetEnv("STATE_KEY", "kalshi-clone:account:v1"); err != nil {
		return Config{}, err
	}
	if cfg.RedisURL, err = GetEnv("REDIS_URL", ""); err != nil {
		return Config{}, err
	}
	if cfg.DatabaseURL, err = GetEnv("DATABASE_URL", ""); err != nil {
		return Config{}, err
	}
	ms, err := GetEnv("PERSIST_TIMEOUT_MS", 2000)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistTimeout = time.Duration(ms) * time.Millisecond

	return cfg, cfg.Validate()
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if c.StateDir == "" {
			return errors.New("config: STATE_DIR is required for the file backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown STATE_BACKEND %q", c.Backend)
	}
	if c.StateKey == "" {
		return errors.New("config: STATE_KEY must not be empty")
	}
	if c.PersistTimeout <= 0 {
		return errors.New("config: PERSIST_TIMEOUT_MS must be positive")
	}
	return nil
}

// GetEnv returns the value of key parsed as T, or defaultValue when the
// variable is unset.
func GetEnv[T any](key string, defaultValue T) (T, error) {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}

	var err error
	var parsed any

	switch any(defaultValue).(type) {
	case string:
		return any(v).(T), nil
	case int:
		parsed, err = strconv.Atoi(v)
	case bool:
		parsed, err = strconv.ParseBool(v)
	case time.Duration:
		parsed, err = time.ParseDuration(v)
	default:
		return defaultValue, fmt.Errorf("unsupported type for env var %s: %T", key, defaultValue)
	}

	if err != nil {
		return defaultValue, fmt.Errorf("failed to parse env %s as %T: %w", key, defaultValue, err)
	}
	return parsed.(T), nil
}
