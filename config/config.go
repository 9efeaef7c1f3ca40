// Package config loads the host-side TOML configuration: where the worker
// binary lives, how patient the transports are, and how chatty the logs get.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"fmbridge/client"
	"fmbridge/lifecycle"
	"fmbridge/transport"
)

const (
	defaultHandshakeTimeoutMS = 3_000
	defaultCallTimeoutMS      = 60_000
	defaultProgressTimeoutMS  = 120_000
	defaultIdleTimeoutSeconds = 300
	defaultMaxRestarts        = 3
	defaultBackoffInitialMS   = 100
	defaultBackoffMaxMS       = 5_000
	defaultRatePerSecond      = 5.0
	defaultRateBurst          = 10
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// Worker locates and paces the managed subprocess.
type Worker struct {
	Path         string `toml:"path"`
	LockPath     string `toml:"lock_path"`
	RequiredOS   string `toml:"required_os"`
	RequiredArch string `toml:"required_arch"`

	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`
	CallTimeoutMS      int `toml:"call_timeout_ms"`
	ProgressTimeoutMS  int `toml:"progress_timeout_ms"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	MaxRestarts        int `toml:"max_restarts"`
	BackoffInitialMS   int `toml:"backoff_initial_ms"`
	BackoffMaxMS       int `toml:"backoff_max_ms"`
}

// Limits is the worker-side admission control.
type Limits struct {
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Logging selects level and encoder.
type Logging struct {
	Level string `toml:"level"`
	// Format is "console", "json", or "auto" (console when stderr is a
	// terminal).
	Format string `toml:"format"`
}

type Config struct {
	Worker  Worker  `toml:"worker"`
	Limits  Limits  `toml:"limits"`
	Logging Logging `toml:"logging"`
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Worker: Worker{
			HandshakeTimeoutMS: defaultHandshakeTimeoutMS,
			CallTimeoutMS:      defaultCallTimeoutMS,
			ProgressTimeoutMS:  defaultProgressTimeoutMS,
			IdleTimeoutSeconds: defaultIdleTimeoutSeconds,
			MaxRestarts:        defaultMaxRestarts,
			BackoffInitialMS:   defaultBackoffInitialMS,
			BackoffMaxMS:       defaultBackoffMaxMS,
		},
		Limits: Limits{
			RatePerSecond: defaultRatePerSecond,
			Burst:         defaultRateBurst,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load reads path on top of Default and validates the result. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	for name, v := range map[string]int{
		"worker.handshake_timeout_ms": c.Worker.HandshakeTimeoutMS,
		"worker.call_timeout_ms":      c.Worker.CallTimeoutMS,
		"worker.progress_timeout_ms":  c.Worker.ProgressTimeoutMS,
		"worker.idle_timeout_seconds": c.Worker.IdleTimeoutSeconds,
		"worker.backoff_initial_ms":   c.Worker.BackoffInitialMS,
		"worker.backoff_max_ms":       c.Worker.BackoffMaxMS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Worker.MaxRestarts < 0 {
		return errors.New("worker.max_restarts must not be negative")
	}
	if c.Worker.BackoffMaxMS < c.Worker.BackoffInitialMS {
		return errors.New("worker.backoff_max_ms must be at least worker.backoff_initial_ms")
	}
	if c.Limits.RatePerSecond < 0 {
		return errors.New("limits.rate_per_second must not be negative")
	}
	if c.Limits.RatePerSecond > 0 && c.Limits.Burst <= 0 {
		return errors.New("limits.burst must be positive when rate limiting is on")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of auto, console, json", c.Logging.Format)
	}
	return nil
}

// ClientConfig translates the file representation into the client facade's
// config, including the lifecycle and transport timeouts.
func (c *Config) ClientConfig() client.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return client.Config{
		WorkerPath:   c.Worker.Path,
		RequiredOS:   c.Worker.RequiredOS,
		RequiredArch: c.Worker.RequiredArch,
		Lifecycle: lifecycle.Config{
			MaxRestarts:      c.Worker.MaxRestarts,
			BackoffInitial:   ms(c.Worker.BackoffInitialMS),
			BackoffMax:       ms(c.Worker.BackoffMaxMS),
			HandshakeTimeout: ms(c.Worker.HandshakeTimeoutMS),
			IdleTimeout:      time.Duration(c.Worker.IdleTimeoutSeconds) * time.Second,
			LockPath:         c.Worker.LockPath,
			TransportOptions: []transport.Option{
				transport.WithCallTimeout(ms(c.Worker.CallTimeoutMS)),
				transport.WithProgressTimeout(ms(c.Worker.ProgressTimeoutMS)),
			},
		},
	}
}
