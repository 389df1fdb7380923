// Package paths provides XDG-compliant path resolution for tabrelay.
//
// Resolution order:
// 1. TABRELAY_HOME (portable root) → $TABRELAY_HOME/{config,state}
// 2. XDG env vars → $XDG_*_HOME/tabrelay
// 3. Platform defaults → ~/.config/tabrelay, ~/.local/state/tabrelay
package paths

import (
	"os"
	"path/filepath"
)

const appName = "tabrelay"

// getConfigHome returns the base config home directory.
func getConfigHome() string {
	if home := os.Getenv("TABRELAY_HOME"); home != "" {
		return filepath.Join(home, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

// getStateHome returns the base state home directory.
func getStateHome() string {
	if home := os.Getenv("TABRELAY_HOME"); home != "" {
		return filepath.Join(home, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the configuration directory.
// Used for tabrelay.yml / tabrelay.toml.
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	if os.Getenv("TABRELAY_HOME") != "" {
		return base
	}
	return filepath.Join(base, appName)
}

// StateDir returns the state directory.
// Used for the session database, the pid file and logs.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	if os.Getenv("TABRELAY_HOME") != "" {
		return base
	}
	return filepath.Join(base, appName)
}

// LogDir returns the directory for file log sinks.
func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// SessionDBPath returns the default path of the relay session database.
func SessionDBPath() string {
	return filepath.Join(StateDir(), "sessions.db")
}

// PidFilePath returns the path to the primary's PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), appName+".pid")
}

// EnsureDirs creates the config and state directories if they don't exist.
func EnsureDirs() error {
	for _, dir := range []string{ConfigDir(), StateDir()} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
