package config

import (
	"fmt"
	"net"
	"time"

	"github.com/grovetools/tabrelay/errors"
)

// Validate checks the semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	if !isLoopback(c.Host) {
		return errors.ConfigInvalid(fmt.Sprintf("host %q is not a loopback address", c.Host)).
			WithDetail("host", c.Host)
	}
	if c.SocketPort <= 0 || c.SocketPort > 65535 {
		return errors.ConfigInvalid(fmt.Sprintf("socket_port %d out of range", c.SocketPort))
	}
	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		return errors.ConfigInvalid(fmt.Sprintf("status_port %d out of range", c.StatusPort))
	}
	if c.SocketPort == c.StatusPort {
		return errors.ConfigInvalid("socket_port and status_port must differ")
	}

	positive := map[string]time.Duration{
		"heartbeat.interval":            c.Heartbeat.Interval,
		"heartbeat.timeout":             c.Heartbeat.Timeout,
		"heartbeat.app_message_timeout": c.Heartbeat.AppMessageTimeout,
		"relay.idle_ttl":                c.Relay.IdleTTL,
		"relay.reconnect_delay":         c.Relay.ReconnectDelay,
		"relay.parent_poll_interval":    c.Relay.ParentPollInterval,
		"sessions.expiry":               c.Sessions.Expiry,
		"sessions.cleanup_interval":     c.Sessions.CleanupInterval,
		"requests.timeout":              c.Requests.Timeout,
		"requests.terminal_wait":        c.Requests.TerminalWait,
	}
	for key, d := range positive {
		if d <= 0 {
			return errors.ConfigInvalid(fmt.Sprintf("%s must be positive", key)).WithDetail("key", key)
		}
	}

	// Zombie detection only works if the application-level check trips first.
	if c.Heartbeat.AppMessageTimeout >= c.Heartbeat.Timeout {
		return errors.ConfigInvalid(fmt.Sprintf(
			"heartbeat.app_message_timeout (%s) must be less than heartbeat.timeout (%s)",
			c.Heartbeat.AppMessageTimeout, c.Heartbeat.Timeout))
	}
	if c.Relay.IdleTTL <= c.Heartbeat.AppMessageTimeout {
		return errors.ConfigInvalid(fmt.Sprintf(
			"relay.idle_ttl (%s) must be greater than heartbeat.app_message_timeout (%s)",
			c.Relay.IdleTTL, c.Heartbeat.AppMessageTimeout))
	}
	return nil
}

// SocketAddr is the host:port of the shared WebSocket listener.
func (c *Config) SocketAddr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.SocketPort))
}

// StatusAddr is the host:port of the status listener.
func (c *Config) StatusAddr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.StatusPort))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
