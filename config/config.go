package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TABRELAY_SOCKET_PORT.
const EnvPrefix = "TABRELAY_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// configFileNames are searched, in order, in the config directory.
var configFileNames = []string{"tabrelay.yml", "tabrelay.yaml", "tabrelay.toml"}

// envKeys lists every overridable key path. Nested sections use dots.
var envKeys = []string{
	"host",
	"socket_port",
	"status_port",
	"heartbeat.interval",
	"heartbeat.timeout",
	"heartbeat.app_message_timeout",
	"relay.idle_ttl",
	"relay.reconnect_delay",
	"relay.parent_poll_interval",
	"sessions.db_path",
	"sessions.expiry",
	"sessions.cleanup_interval",
	"requests.timeout",
	"requests.terminal_wait",
	"logging.level",
	"logging.preset",
	"logging.stderr",
}

// LoadDefault loads the config file named by TABRELAY_CONFIG, or the first
// tabrelay.{yml,yaml,toml} in the config directory. A missing file is not an
// error here: defaults and environment overrides still apply.
func LoadDefault() (*Config, error) {
	if explicit := os.Getenv(EnvPrefix + "CONFIG"); explicit != "" {
		return Load(explicit)
	}
	if path := FindConfigFile(paths.ConfigDir()); path != "" {
		return Load(path)
	}
	return build(nil)
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	raw, err := parseRaw(data, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config file").
			WithDetail("path", path)
	}

	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build config schema")
	}
	if err := validator.Validate(raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "config file does not match schema").
			WithDetail("path", path)
	}

	return build(raw)
}

// LoadFromBytes parses YAML configuration from a byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	raw, err := parseRaw(data, ".yml")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config")
	}
	return build(raw)
}

// FindConfigFile returns the first known config file inside dir, or "".
func FindConfigFile(dir string) string {
	if dir == "" {
		return ""
	}
	for _, name := range configFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// parseRaw decodes a YAML or TOML document into a generic map after
// expanding ${VAR} references.
func parseRaw(data []byte, ext string) (map[string]interface{}, error) {
	expanded := expandEnvVars(string(data))
	raw := make(map[string]interface{})

	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// build layers environment overrides over raw and decodes the result onto
// the defaults.
func build(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		raw = make(map[string]interface{})
	}
	applyEnv(raw, os.LookupEnv)

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create config decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv writes every set TABRELAY_<KEY> variable into raw at its key path.
func applyEnv(raw map[string]interface{}, lookup func(string) (string, bool)) {
	for _, key := range envKeys {
		name := EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		value, ok := lookup(name)
		if !ok || value == "" {
			continue
		}

		parts := strings.Split(key, ".")
		node := raw
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
}

// expandEnvVars replaces ${VAR} with environment variable values
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}
