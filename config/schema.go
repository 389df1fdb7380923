package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|ms|s|m|h))+$`

var durationKeys = map[string]bool{
	"interval":             true,
	"timeout":              true,
	"app_message_timeout":  true,
	"idle_ttl":             true,
	"reconnect_delay":      true,
	"parent_poll_interval": true,
	"expiry":               true,
	"cleanup_interval":     true,
	"terminal_wait":        true,
}

// GenerateSchema generates the JSON Schema for the config file.
// Durations are written as Go duration strings ("15s", "30m"), so the schema
// mirrors Config with string fields in their place.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		// Unknown keys are typos; reject them.
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
		// Use YAML field names for property names
		FieldNameTag: "yaml",
	}

	type heartbeatFile struct {
		Interval          string `yaml:"interval,omitempty" jsonschema:"description=Heartbeat check and ping cadence"`
		Timeout           string `yaml:"timeout,omitempty" jsonschema:"description=Transport-level ping timeout"`
		AppMessageTimeout string `yaml:"app_message_timeout,omitempty" jsonschema:"description=Application message timeout; must be below timeout"`
	}
	type relayFile struct {
		IdleTTL            string `yaml:"idle_ttl,omitempty" jsonschema:"description=Idle bound for relay connections"`
		ReconnectDelay     string `yaml:"reconnect_delay,omitempty" jsonschema:"description=Fixed delay between relay reconnect attempts"`
		ParentPollInterval string `yaml:"parent_poll_interval,omitempty" jsonschema:"description=Parent process polling cadence"`
	}
	type sessionsFile struct {
		DBPath          string `yaml:"db_path,omitempty" jsonschema:"description=Path of the session database"`
		Expiry          string `yaml:"expiry,omitempty" jsonschema:"description=Lifetime of an unclaimed orphaned session"`
		CleanupInterval string `yaml:"cleanup_interval,omitempty" jsonschema:"description=Cadence of the expiry pass"`
	}
	type requestsFile struct {
		Timeout      string `yaml:"timeout,omitempty" jsonschema:"description=Per-request response deadline"`
		TerminalWait string `yaml:"terminal_wait,omitempty" jsonschema:"description=How long a broadcast waits for a terminal to connect"`
	}
	type loggingFile struct {
		Level        string `yaml:"level,omitempty" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
		ReportCaller bool   `yaml:"report_caller,omitempty"`
		Preset       string `yaml:"preset,omitempty" jsonschema:"enum=default,enum=simple,enum=json"`
		File         bool   `yaml:"file,omitempty"`
		FilePath     string `yaml:"file_path,omitempty"`
		Stderr       string `yaml:"stderr,omitempty" jsonschema:"enum=auto,enum=always,enum=never"`
	}
	type fileConfig struct {
		Host       string        `yaml:"host,omitempty" jsonschema:"description=Loopback interface to bind"`
		SocketPort int           `yaml:"socket_port,omitempty" jsonschema:"minimum=1,maximum=65535"`
		StatusPort int           `yaml:"status_port,omitempty" jsonschema:"minimum=1,maximum=65535"`
		Heartbeat  *heartbeatFile `yaml:"heartbeat,omitempty"`
		Relay      *relayFile     `yaml:"relay,omitempty"`
		Sessions   *sessionsFile  `yaml:"sessions,omitempty"`
		Requests   *requestsFile  `yaml:"requests,omitempty"`
		Logging    *loggingFile   `yaml:"logging,omitempty"`
	}

	schema := r.Reflect(&fileConfig{})
	schema.Title = "tabrelay configuration"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	// Struct tags cannot carry a regex with commas or escapes reliably, so
	// duration patterns are attached after reflection.
	for _, def := range schema.Definitions {
		if def.Properties == nil {
			continue
		}
		for pair := def.Properties.Oldest(); pair != nil; pair = pair.Next() {
			if durationKeys[pair.Key] && pair.Value.Type == "string" {
				pair.Value.Pattern = durationPattern
			}
		}
	}

	return json.MarshalIndent(schema, "", "  ")
}
