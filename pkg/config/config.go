// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the PTG runtime
type Config struct {
	// Rank is this process's rank
	Rank int

	// Workers is the number of worker threads
	Workers int

	// WindowSize is the remote-deps agent's concurrency window
	WindowSize int

	// Yield is the agent's idle sleep
	Yield time.Duration

	// MaxCollisions is the hash-table bucket resize threshold
	MaxCollisions int

	// ListenAddr is the address this rank accepts peer connections on
	ListenAddr string

	// Peers maps each rank to its base URL
	Peers []string

	// Debug enables debug logging
	Debug bool

	// LogFormat selects text or json log output
	LogFormat string
}

// NewDefault creates a new configuration with default values
func NewDefault() *Config {
	return &Config{
		Rank:          getEnvIntOrDefault("PTG_RANK", 0),
		Workers:       getEnvIntOrDefault("PTG_WORKERS", 1),
		WindowSize:    getEnvIntOrDefault("PTG_WINDOW_SIZE", 3),
		Yield:         time.Duration(getEnvIntOrDefault("PTG_YIELD_NS", 5000)) * time.Nanosecond,
		MaxCollisions: getEnvIntOrDefault("PTG_MAX_COLLISIONS", 8),
		ListenAddr:    getEnvOrDefault("PTG_LISTEN_ADDR", ""),
		Debug:         getEnvBoolOrDefault("PTG_DEBUG", false),
		LogFormat:     getEnvOrDefault("PTG_LOG_FORMAT", "text"),
	}
}

// Load loads configuration from environment variables
func (c *Config) Load() {
	if v := os.Getenv("PTG_RANK"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Rank = i
		}
	}

	if v := os.Getenv("PTG_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Workers = i
		}
	}

	if v := os.Getenv("PTG_WINDOW_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.WindowSize = i
		}
	}

	if v := os.Getenv("PTG_YIELD_NS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Yield = time.Duration(i) * time.Nanosecond
		}
	}

	if v := os.Getenv("PTG_MAX_COLLISIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxCollisions = i
		}
	}

	if v := os.Getenv("PTG_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}

	if v := os.Getenv("PTG_PEERS"); v != "" {
		c.Peers = strings.Split(v, ",")
	}

	c.Debug = getEnvBoolOrDefault("PTG_DEBUG", c.Debug)
	if v := os.Getenv("PTG_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}

	if c.WindowSize < 1 {
		return ErrInvalidWindow
	}

	if c.Yield <= 0 {
		return ErrInvalidYield
	}

	if len(c.Peers) > 0 {
		if c.Rank < 0 || c.Rank >= len(c.Peers) {
			return ErrRankOutOfRange
		}
		if c.ListenAddr == "" {
			return ErrMissingListenAddr
		}
	}

	return nil
}

// Size returns the number of ranks described by the configuration
func (c *Config) Size() int {
	if len(c.Peers) == 0 {
		return 1
	}
	return len(c.Peers)
}

// getEnvOrDefault returns the environment variable value or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as an int or a default value
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as a boolean or a default value
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
