// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefault(t *testing.T) {
	config := NewDefault()

	assert.NotNil(t, config)
	assert.Equal(t, 0, config.Rank)
	assert.Equal(t, 3, config.WindowSize)
	assert.Equal(t, 5*time.Microsecond, config.Yield)
	assert.Equal(t, 8, config.MaxCollisions)
	assert.Equal(t, false, config.Debug)
	assert.Positive(t, config.Workers)
	assert.Equal(t, 1, config.Size())
}

func TestConfigLoad(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(t *testing.T, config *Config)
	}{
		{
			name:    "rank from environment",
			envVars: map[string]string{"PTG_RANK": "2"},
			expected: func(t *testing.T, config *Config) {
				assert.Equal(t, 2, config.Rank)
			},
		},
		{
			name:    "window size from environment",
			envVars: map[string]string{"PTG_WINDOW_SIZE": "7"},
			expected: func(t *testing.T, config *Config) {
				assert.Equal(t, 7, config.WindowSize)
			},
		},
		{
			name:    "yield from environment",
			envVars: map[string]string{"PTG_YIELD_NS": "12000"},
			expected: func(t *testing.T, config *Config) {
				assert.Equal(t, 12*time.Microsecond, config.Yield)
			},
		},
		{
			name:    "peer table from environment",
			envVars: map[string]string{"PTG_PEERS": "ws://a:1,ws://b:2"},
			expected: func(t *testing.T, config *Config) {
				assert.Equal(t, []string{"ws://a:1", "ws://b:2"}, config.Peers)
				assert.Equal(t, 2, config.Size())
			},
		},
		{
			name:    "debug flag from environment",
			envVars: map[string]string{"PTG_DEBUG": "true"},
			expected: func(t *testing.T, config *Config) {
				assert.True(t, config.Debug)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			config := NewDefault()
			config.Load()
			tt.expected(t, config)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid defaults", func(c *Config) {}, nil},
		{"zero workers", func(c *Config) { c.Workers = 0 }, ErrInvalidWorkers},
		{"zero window", func(c *Config) { c.WindowSize = 0 }, ErrInvalidWindow},
		{"zero yield", func(c *Config) { c.Yield = 0 }, ErrInvalidYield},
		{
			"rank outside peer table",
			func(c *Config) { c.Peers = []string{"ws://a:1", "ws://b:2"}; c.Rank = 5; c.ListenAddr = ":0" },
			ErrRankOutOfRange,
		},
		{
			"multi-rank without listen address",
			func(c *Config) { c.Peers = []string{"ws://a:1", "ws://b:2"}; c.Rank = 0 },
			ErrMissingListenAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefault()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
