package config

import (
	"testing"
	"time"

	"github.com/grovetools/tabrelay/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"localhost", func(c *Config) { c.Host = "localhost" }, false},
		{"ipv6 loopback", func(c *Config) { c.Host = "::1" }, false},
		{"non-loopback host", func(c *Config) { c.Host = "0.0.0.0" }, true},
		{"same ports", func(c *Config) { c.StatusPort = c.SocketPort }, true},
		{"zero interval", func(c *Config) { c.Heartbeat.Interval = 0 }, true},
		{
			"app timeout not tighter than transport timeout",
			func(c *Config) { c.Heartbeat.AppMessageTimeout = c.Heartbeat.Timeout },
			true,
		},
		{
			"relay ttl not longer than app timeout",
			func(c *Config) { c.Relay.IdleTTL = c.Heartbeat.AppMessageTimeout },
			true,
		},
		{
			"custom ratio keeping the ordering",
			func(c *Config) {
				c.Heartbeat.AppMessageTimeout = 10 * time.Second
				c.Heartbeat.Timeout = 11 * time.Second
				c.Relay.IdleTTL = 12 * time.Second
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAddrs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8765", cfg.SocketAddr())
	assert.Equal(t, "127.0.0.1:8766", cfg.StatusAddr())
}
