package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/tabrelay/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardFlags(t *testing.T) {
	cmd := NewStandardCommand("tabrelay", "broker")
	require.NoError(t, cmd.ParseFlags([]string{"-v", "--json", "--config", "/tmp/x.yml"}))

	opts := GetOptions(cmd)
	assert.True(t, opts.Verbose)
	assert.True(t, opts.JSONOutput)
	assert.Equal(t, "/tmp/x.yml", opts.ConfigFile)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TABRELAY_HOME", t.TempDir())

	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tabrelay.yml")
		require.NoError(t, os.WriteFile(path, []byte("socket_port: 9001\nstatus_port: 9002\n"), 0644))
		cmd := NewStandardCommand("tabrelay", "broker")
		require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--verbose"}))

		cfg, err := LoadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, 9001, cfg.SocketPort)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		cmd := NewStandardCommand("tabrelay", "broker")
		require.NoError(t, cmd.ParseFlags([]string{"--config", "/nonexistent/tabrelay.yml"}))

		_, err := LoadConfig(cmd)
		assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
	})
}

func TestErrorHandlerHints(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no peer", errors.NoPeer(time.Second), "No terminal is connected"},
		{"bind failed", errors.BindFailed("192.0.2.1:8765", nil), "loopback"},
		{"config invalid", errors.ConfigInvalid("bad"), "config schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &ErrorHandler{Out: &buf}

			returned := h.Handle(tt.err)

			assert.Equal(t, tt.err, returned)
			assert.Contains(t, buf.String(), tt.want)
		})
	}

	assert.Empty(t, Hint(errors.New(errors.ErrCodeInternal, "boom")))
}

func TestHelpListsCommandsAndFlags(t *testing.T) {
	root := NewStandardCommand("tabrelay", "Share one browser connection")
	root.AddCommand(&cobra.Command{Use: "serve", Short: "Run the broker", Run: func(*cobra.Command, []string) {}})

	var buf bytes.Buffer
	renderHelp(&buf, root, 70)

	out := buf.String()
	assert.Contains(t, out, "TABRELAY")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "--config")
	assert.Contains(t, out, "--verbose")
}

func TestHelpShowsInheritedFlags(t *testing.T) {
	root := NewStandardCommand("tabrelay", "Share one browser connection")
	serve := &cobra.Command{Use: "serve", Short: "Run the broker", Run: func(*cobra.Command, []string) {}}
	serve.Flags().String("label", "", "Project label")
	root.AddCommand(serve)

	var buf bytes.Buffer
	renderHelp(&buf, serve, 70)

	out := buf.String()
	assert.Contains(t, out, "--label")
	assert.Contains(t, out, "--json")
	assert.Equal(t, 1, strings.Count(out, "--label"))
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "one two\nthree", wrapText("one two three", 8))
	assert.Equal(t, "keep\nbreaks", wrapText("keep\nbreaks", 40))
}
