package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node identification
	NodeID   int
	RingSize int

	// Topology: node i listens on BasePort+i and dials BasePort+((i+1) mod RingSize)
	Host     string
	BasePort int

	// Successor link establishment
	StartupDelay    time.Duration // Pause before the first dial so peers can bind
	ConnectAttempts int           // Dial attempts before the link is marked failed
	ConnectBackoff  time.Duration // Wait between dial attempts
	WriteTimeout    time.Duration // Longest a single write to the successor may block, 0 disables

	// Token discipline
	TokenHold  time.Duration // Dwell after draining before the token is released
	SendPacing time.Duration // Gap between successive sends while draining

	// Background tasks
	StatusInterval time.Duration // Periodic status emission, 0 disables
	ShutdownGrace  time.Duration // How long Shutdown waits for background tasks

	// Control plane, 0 disables
	ControlPort int
	HTTPPort    int
	AuthToken   string // Shared secret for the control plane, empty disables auth

	// Delivery
	RedisAddr     string        // Optional Redis inbox for delivered messages
	RedisInboxMax int64         // Inbox list cap, 0 keeps everything
	RedisTimeout  time.Duration // Bound on each inbox write

	// Logging (compatible with pkg.Logger)
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // Rotating log file, empty disables
}

// DefaultConfig returns the configuration the ring was designed around
func DefaultConfig() *Config {
	return &Config{
		NodeID:          0,
		RingSize:        1,
		Host:            "localhost",
		BasePort:        8000,
		StartupDelay:    2 * time.Second,
		ConnectAttempts: 10,
		ConnectBackoff:  1 * time.Second,
		WriteTimeout:    10 * time.Second,
		TokenHold:       3 * time.Second,
		SendPacing:      500 * time.Millisecond,
		StatusInterval:  10 * time.Second,
		ShutdownGrace:   5 * time.Second,
		ControlPort:     0,
		HTTPPort:        0,
		RedisInboxMax:   0,
		RedisTimeout:    2 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RingSize < 1 {
		return fmt.Errorf("ring size must be at least 1, got %d", c.RingSize)
	}
	if c.NodeID < 0 || c.NodeID >= c.RingSize {
		return fmt.Errorf("node id must be between 0 and %d, got %d", c.RingSize-1, c.NodeID)
	}
	if c.BasePort <= 0 || c.BasePort+c.RingSize-1 > 65535 {
		return fmt.Errorf("invalid base port %d for ring of %d", c.BasePort, c.RingSize)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect attempts must be positive, got %d", c.ConnectAttempts)
	}
	if c.ConnectBackoff < 0 || c.StartupDelay < 0 {
		return fmt.Errorf("connect delays cannot be negative")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout cannot be negative, got %s", c.WriteTimeout)
	}
	if c.TokenHold < 0 || c.SendPacing < 0 {
		return fmt.Errorf("token timings cannot be negative")
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("invalid status interval: %s", c.StatusInterval)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive, got %s", c.ShutdownGrace)
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port: %d", c.ControlPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.RedisTimeout < 0 {
		return fmt.Errorf("redis timeout cannot be negative, got %s", c.RedisTimeout)
	}
	if c.HTTPPort != 0 && c.ControlPort == 0 {
		return fmt.Errorf("HTTP API requires the control port to be enabled")
	}
	return nil
}

// ListenAddress returns host:port this node accepts predecessor connections on.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.BasePort+c.NodeID)
}

// ControlAddress returns the gRPC control plane address, or "" when disabled.
func (c *Config) ControlAddress() string {
	if c.ControlPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.ControlPort)
}

// Load reads an optional .env file and applies RING_* environment overrides
// on top of DefaultConfig. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"RING_HOST":       &c.Host,
		"RING_AUTH_TOKEN": &c.AuthToken,
		"RING_REDIS_ADDR": &c.RedisAddr,
		"RING_LOG_LEVEL":  &c.LogLevel,
		"RING_LOG_FORMAT": &c.LogFormat,
		"RING_LOG_FILE":   &c.LogFile,
	}
	for key, dst := range strs {
		if val, ok := os.LookupEnv(key); ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"RING_BASE_PORT":        &c.BasePort,
		"RING_CONNECT_ATTEMPTS": &c.ConnectAttempts,
		"RING_CONTROL_PORT":     &c.ControlPort,
		"RING_HTTP_PORT":        &c.HTTPPort,
	}
	for key, dst := range ints {
		if val, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("error parsing %s=%q: %w", key, val, err)
			}
			*dst = n
		}
	}

	if val, ok := os.LookupEnv("RING_REDIS_INBOX_MAX"); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("error parsing RING_REDIS_INBOX_MAX=%q: %w", val, err)
		}
		c.RedisInboxMax = n
	}

	durations := map[string]*time.Duration{
		"RING_STARTUP_DELAY":   &c.StartupDelay,
		"RING_CONNECT_BACKOFF": &c.ConnectBackoff,
		"RING_WRITE_TIMEOUT":   &c.WriteTimeout,
		"RING_TOKEN_HOLD":      &c.TokenHold,
		"RING_SEND_PACING":     &c.SendPacing,
		"RING_STATUS_INTERVAL": &c.StatusInterval,
		"RING_SHUTDOWN_GRACE":  &c.ShutdownGrace,
		"RING_REDIS_TIMEOUT":   &c.RedisTimeout,
	}
	for key, dst := range durations {
		if val, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("error parsing %s=%q: %w", key, val, err)
			}
			*dst = d
		}
	}

	return nil
}
