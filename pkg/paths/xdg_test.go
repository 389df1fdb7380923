package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortableHome(t *testing.T) {
	root := t.TempDir()
	t.Setenv("TABRELAY_HOME", root)

	assert.Equal(t, filepath.Join(root, "config"), ConfigDir())
	assert.Equal(t, filepath.Join(root, "state"), StateDir())
	assert.Equal(t, filepath.Join(root, "state", "sessions.db"), SessionDBPath())
	assert.Equal(t, filepath.Join(root, "state", "tabrelay.pid"), PidFilePath())
}

func TestXDGOverrides(t *testing.T) {
	t.Setenv("TABRELAY_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_STATE_HOME", "/xdg/state")

	assert.Equal(t, "/xdg/config/tabrelay", ConfigDir())
	assert.Equal(t, "/xdg/state/tabrelay", StateDir())
	assert.Equal(t, "/xdg/state/tabrelay/logs", LogDir())
}
