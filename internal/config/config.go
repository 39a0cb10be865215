package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task console service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	SharedSecret   string

	DatabaseURL string

	// Pipeline tuning.
	DedupTTL          time.Duration
	RetryBaseDelay    time.Duration
	SaveMaxAttempts   int
	DeleteMaxAttempts int

	// Verification runner.
	VerifyRunnerCmd  string
	VerifyTimeout    time.Duration
	VerifyMaxAttempt int

	// Staged files are written here during processing; apply moves them
	// under ApplyRoot (the live tree).
	StagingRoot string
	ApplyRoot   string

	// Event channel tuning.
	EventDebounceWindow time.Duration
	EventDedupWindow    time.Duration
	ConnRateWindow      time.Duration
	ConnRateLimit       int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "codesmith"),
		AllowAnyOrigin:   false,
		SharedSecret:     trimmedEnv("APP_SHARED_SECRET"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:   15 * time.Second,
		DedupTTL:          time.Hour,
		RetryBaseDelay:    200 * time.Millisecond,
		SaveMaxAttempts:   3,
		DeleteMaxAttempts: 15,

		VerifyRunnerCmd:  envOrDefault("VERIFY_RUNNER_CMD", "codesmith-verify"),
		VerifyTimeout:    2 * time.Minute,
		VerifyMaxAttempt: 3,

		StagingRoot: envOrDefault("APP_STAGING_ROOT", ".codesmith/staging"),
		ApplyRoot:   envOrDefault("APP_APPLY_ROOT", "."),

		EventDebounceWindow: 250 * time.Millisecond,
		EventDedupWindow:    5 * time.Minute,
		ConnRateWindow:      time.Minute,
		ConnRateLimit:       20,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupTTL, err = durationFromEnv("APP_DEDUP_TTL", cfg.DedupTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBaseDelay, err = durationFromEnv("APP_RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.VerifyTimeout, err = durationFromEnv("VERIFY_TIMEOUT", cfg.VerifyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EventDebounceWindow, err = durationFromEnv("APP_EVENT_DEBOUNCE_WINDOW", cfg.EventDebounceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.EventDedupWindow, err = durationFromEnv("APP_EVENT_DEDUP_WINDOW", cfg.EventDedupWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnRateWindow, err = durationFromEnv("APP_CONN_RATE_WINDOW", cfg.ConnRateWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnRateLimit, err = intFromEnv("APP_CONN_RATE_LIMIT", cfg.ConnRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.SaveMaxAttempts, err = intFromEnv("APP_SAVE_MAX_ATTEMPTS", cfg.SaveMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.DeleteMaxAttempts, err = intFromEnv("APP_DELETE_MAX_ATTEMPTS", cfg.DeleteMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.VerifyMaxAttempt, err = intFromEnv("VERIFY_MAX_ATTEMPTS", cfg.VerifyMaxAttempt)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.DedupTTL < time.Second {
		return Config{}, fmt.Errorf("APP_DEDUP_TTL must be at least 1s")
	}
	if cfg.RetryBaseDelay <= 0 {
		return Config{}, fmt.Errorf("APP_RETRY_BASE_DELAY must be positive")
	}
	if cfg.SaveMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("APP_SAVE_MAX_ATTEMPTS must be positive")
	}
	if cfg.DeleteMaxAttempts < cfg.SaveMaxAttempts {
		return Config{}, fmt.Errorf("APP_DELETE_MAX_ATTEMPTS must be >= APP_SAVE_MAX_ATTEMPTS")
	}
	if cfg.VerifyMaxAttempt <= 0 {
		return Config{}, fmt.Errorf("VERIFY_MAX_ATTEMPTS must be positive")
	}
	if cfg.ConnRateLimit <= 0 {
		return Config{}, fmt.Errorf("APP_CONN_RATE_LIMIT must be positive")
	}
	if strings.TrimSpace(cfg.StagingRoot) == "" {
		return Config{}, fmt.Errorf("APP_STAGING_ROOT must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
