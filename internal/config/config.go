// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvIntervalMultiplier = "DEV_INTERVAL_MULTIPLIER"
	EnvMaxConcurrentPolls = "MAX_CONCURRENT_POLLS"
	EnvPollTimeoutMS      = "POLL_TIMEOUT_MS"
	EnvAPIBase            = "TORBOX_API_BASE"
	EnvAPIVersion         = "TORBOX_API_VERSION"
	EnvDataDir            = "BOXPILOT_DATA_DIR"
	EnvAdminPort          = "BOXPILOT_ADMIN_PORT"
)

// Defaults.
const (
	DefaultAPIBase            = "https://api.torbox.app"
	DefaultAPIVersion         = "v1"
	DefaultMaxConcurrentPolls = 7
	DefaultPollTimeout        = 300 * time.Second
	DefaultAdminPort          = 4280
)

// Config holds the resolved daemon configuration.
type Config struct {
	IntervalMultiplier float64
	MaxConcurrentPolls int
	PollTimeout        time.Duration
	APIBase            string
	APIVersion         string
	DataDir            string
	AdminPort          int
}

// Load reads configuration from the environment, applying defaults and
// clamping out-of-range values.
func Load() (Config, error) {
	cfg := Config{
		IntervalMultiplier: 1.0,
		MaxConcurrentPolls: DefaultMaxConcurrentPolls,
		PollTimeout:        DefaultPollTimeout,
		APIBase:            DefaultAPIBase,
		APIVersion:         DefaultAPIVersion,
		AdminPort:          DefaultAdminPort,
	}

	if v := os.Getenv(EnvIntervalMultiplier); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvIntervalMultiplier, err)
		}
		// Clamp rather than reject: an out-of-range multiplier should never
		// hammer the external API.
		if m < 0.001 {
			m = 0.001
		}
		if m > 1.0 {
			m = 1.0
		}
		cfg.IntervalMultiplier = m
	}

	if v := os.Getenv(EnvMaxConcurrentPolls); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvMaxConcurrentPolls, err)
		}
		if n < 1 {
			n = 1
		}
		cfg.MaxConcurrentPolls = n
	}

	if v := os.Getenv(EnvPollTimeoutMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvPollTimeoutMS, err)
		}
		if ms > 0 {
			cfg.PollTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv(EnvAPIBase); v != "" {
		cfg.APIBase = v
	}
	if v := os.Getenv(EnvAPIVersion); v != "" {
		cfg.APIVersion = v
	}

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	} else {
		appData, err := os.UserConfigDir()
		if err != nil {
			return cfg, fmt.Errorf("failed to get config dir: %w", err)
		}
		cfg.DataDir = filepath.Join(appData, "Boxpilot")
	}

	if v := os.Getenv(EnvAdminPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvAdminPort, err)
		}
		cfg.AdminPort = p
	}

	return cfg, nil
}
