package config

import "time"

// Config is the broker configuration. It is read once at startup.
type Config struct {
	// Host is the interface both shared ports bind to. Must be loopback.
	Host string `yaml:"host" toml:"host"`
	// SocketPort carries terminal and caller WebSocket connections.
	SocketPort int `yaml:"socket_port" toml:"socket_port"`
	// StatusPort serves the read-only status endpoint.
	StatusPort int `yaml:"status_port" toml:"status_port"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Requests  RequestsConfig  `yaml:"requests" toml:"requests"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// HeartbeatConfig controls connection staleness detection.
//
// AppMessageTimeout must stay strictly below Timeout: a wedged peer can keep
// answering transport pings, so the application-level signal has to trip first.
type HeartbeatConfig struct {
	// Interval is the cadence of the heartbeat check and of outgoing pings.
	Interval time.Duration `yaml:"interval" toml:"interval"`
	// Timeout is the transport-level bound on time since the last pong.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// AppMessageTimeout bounds time since the last application frame of any type.
	AppMessageTimeout time.Duration `yaml:"app_message_timeout" toml:"app_message_timeout"`
}

// RelayConfig controls relay-mode behavior on both ends of the link.
type RelayConfig struct {
	// IdleTTL evicts relay connections with no forwarded traffic (primary side).
	IdleTTL time.Duration `yaml:"idle_ttl" toml:"idle_ttl"`
	// ReconnectDelay is the fixed backoff between reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
	// ParentPollInterval is the cadence of the parent process existence check.
	ParentPollInterval time.Duration `yaml:"parent_poll_interval" toml:"parent_poll_interval"`
}

// SessionsConfig controls the durable relay session store.
type SessionsConfig struct {
	// DBPath is the sqlite file. Empty means the default under the state dir.
	DBPath string `yaml:"db_path" toml:"db_path"`
	// Expiry is how long an orphaned record may sit unclaimed.
	Expiry time.Duration `yaml:"expiry" toml:"expiry"`
	// CleanupInterval is the cadence of the expiry pass.
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// RequestsConfig bounds caller-visible waits.
type RequestsConfig struct {
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`
	TerminalWait time.Duration `yaml:"terminal_wait" toml:"terminal_wait"`
}

// LoggingConfig defines the logging section of the config file.
type LoggingConfig struct {
	// Level is the minimum log level to output (e.g., "debug", "info", "warn", "error").
	// Can be overridden by the TABRELAY_LOG_LEVEL environment variable.
	Level string `yaml:"level" toml:"level"`

	// ReportCaller includes the file, line, and function name in the log output.
	ReportCaller bool `yaml:"report_caller" toml:"report_caller"`

	// Preset can be "default" (rich text), "simple" (minimal text), or "json".
	Preset string `yaml:"preset" toml:"preset"`

	// File enables the date-stamped file sink under the state dir, or at Path.
	File     bool   `yaml:"file" toml:"file"`
	FilePath string `yaml:"file_path" toml:"file_path"`

	// Stderr controls when logs are written to stderr: "auto", "always", "never".
	Stderr string `yaml:"stderr" toml:"stderr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:       "127.0.0.1",
		SocketPort: 8765,
		StatusPort: 8766,
		Heartbeat: HeartbeatConfig{
			Interval:          15 * time.Second,
			Timeout:           120 * time.Second,
			AppMessageTimeout: 60 * time.Second,
		},
		Relay: RelayConfig{
			IdleTTL:            30 * time.Minute,
			ReconnectDelay:     2 * time.Second,
			ParentPollInterval: 5 * time.Second,
		},
		Sessions: SessionsConfig{
			Expiry:          24 * time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Requests: RequestsConfig{
			Timeout:      30 * time.Second,
			TerminalWait: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Preset: "default",
			Stderr: "auto",
		},
	}
}
