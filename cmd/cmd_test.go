package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/internal/metrics"
	"github.com/grovetools/tabrelay/internal/registry"
	"github.com/grovetools/tabrelay/internal/server"
	"github.com/grovetools/tabrelay/internal/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, &server.Status{
		PID:        4242,
		Version:    "dev+p1",
		Mode:       "primary",
		SessionKey: "self-key",
		Uptime:     "3m0s",
		Counts:     registry.Stats{Terminals: 1, Relays: 2, Pending: 1},
		Connections: []registry.Connection{
			{ID: "c1", Role: registry.RoleRelay, SessionKey: "sess-b", OwnerPID: 11, Label: "beta"},
			{ID: "c2", Role: registry.RoleRelay, SessionKey: "sess-a", OwnerPID: 10, Label: "alpha"},
			{ID: "c3", Role: registry.RoleTerminal},
		},
		Recent: metrics.Summary{Count: 5, Errors: 1, MeanMs: 12.5, MaxMs: 40, LastError: "TIMEOUT"},
	})

	out := buf.String()
	assert.Contains(t, out, "PRIMARY")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "mean 12.5ms")
	assert.Contains(t, out, "TIMEOUT")
	assert.Less(t, strings.Index(out, "sess-a"), strings.Index(out, "sess-b"), "relays sorted by key")
}

func TestFetchStatus(t *testing.T) {
	t.Run("running primary", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/status", r.URL.Path)
			w.Write([]byte(`{"pid":7,"mode":"primary","counts":{"terminal":1,"caller":0,"relay":0,"pending":0}}`))
		}))
		defer srv.Close()

		status, raw, err := fetchStatus(srv.URL + "/status")
		require.NoError(t, err)
		assert.Equal(t, 7, status.PID)
		assert.Equal(t, 1, status.Counts.Terminals)
		assert.NotEmpty(t, raw)
	})

	t.Run("nothing listening", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, _, err := fetchStatus(url + "/status")
		assert.True(t, errors.Is(err, errors.ErrCodeNoPeer))
	})
}

func TestRenderSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderSessions(&buf, []sessionstore.Record{
		{SessionKey: "sess-a", Label: "alpha", OwnerPID: 10, State: sessionstore.StateOrphaned, LastActivityAt: now.Add(-90 * time.Second)},
	}, now)

	out := buf.String()
	assert.Contains(t, out, "sess-a")
	assert.Contains(t, out, "orphaned")
	assert.Contains(t, out, "active 1m30s ago")

	buf.Reset()
	renderSessions(&buf, nil, now)
	assert.Contains(t, buf.String(), "No sessions recorded")
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "status", "stop", "sessions", "logs", "watch", "config", "paths", "version"})
}

func TestTailOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabrelay-2026-01-02.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))

	tests := []struct {
		name string
		n    int
		want int64
	}{
		{"all", -1, 0},
		{"none", 0, 14},
		{"last two", 2, 4},
		{"more than file", 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tailOffset(path, tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindLatestLogFile(t *testing.T) {
	dir := t.TempDir()

	_, err := findLatestLogFile(dir)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))

	older := filepath.Join(dir, "tabrelay-2026-01-01.log")
	newer := filepath.Join(dir, "tabrelay-2026-01-02.log")
	empty := filepath.Join(dir, "tabrelay-2026-01-03.log")
	require.NoError(t, os.WriteFile(older, []byte("a\n"), 0644))
	require.NoError(t, os.WriteFile(newer, []byte("b\n"), 0644))
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))
	require.NoError(t, os.Chtimes(empty, base.Add(2*time.Minute), base.Add(2*time.Minute)))

	got, err := findLatestLogFile(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestPrintLogLine(t *testing.T) {
	jsonLine := `{"component":"registry","level":"warning","msg":"relay idle","time":"2026-01-02T03:04:05Z","conn":"c1"}`
	textLine := "2026-01-02 03:04:05.000 [INFO] [relay] connected to primary"

	t.Run("component filter", func(t *testing.T) {
		var buf bytes.Buffer
		printLogLine(&buf, jsonLine, "relay", false)
		printLogLine(&buf, textLine, "relay", false)
		out := buf.String()
		assert.NotContains(t, out, "relay idle")
		assert.Contains(t, out, "connected to primary")
	})

	t.Run("pretty json", func(t *testing.T) {
		var buf bytes.Buffer
		printLogLine(&buf, jsonLine, "", false)
		out := buf.String()
		assert.Contains(t, out, "03:04:05")
		assert.Contains(t, out, "WARNING")
		assert.Contains(t, out, "relay idle")
		assert.Contains(t, out, "c1")
	})

	t.Run("json passthrough", func(t *testing.T) {
		var buf bytes.Buffer
		printLogLine(&buf, jsonLine, "", true)
		printLogLine(&buf, textLine, "", true)
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, jsonLine, lines[0])
		assert.Contains(t, lines[1], `"raw_line"`)
	})
}

func TestConnectionRows(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := connectionRows([]registry.Connection{
		{ID: "c3", Role: registry.RoleRelay, SessionKey: "sess", OwnerPID: 7, Label: "beta", LastAppMessageAt: now.Add(-90 * time.Second)},
		{ID: "c2", Role: registry.RoleCaller},
		{ID: "c1", Role: registry.RoleTerminal, LastAppMessageAt: now},
	}, now)

	require.Len(t, rows, 3)
	assert.Equal(t, "c1", rows[0][0])
	assert.Equal(t, "c2", rows[1][0])
	assert.Equal(t, []string{"c3", "relay", "sess", "7", "beta", "1m30s"}, []string(rows[2]))
	assert.Equal(t, "", rows[1][3])
}

func TestWatchModelUpdate(t *testing.T) {
	m := newWatchModel("http://127.0.0.1:1/status", 0)
	assert.Equal(t, time.Second, m.interval)
	assert.Contains(t, m.View(), "connecting")

	next, cmd := m.Update(statusMsg{err: errors.NoPeer(0), at: time.Now()})
	require.NotNil(t, cmd)
	assert.Contains(t, next.View(), "waiting for a primary")

	next, _ = next.Update(statusMsg{status: &server.Status{
		Mode:        "primary",
		Connections: []registry.Connection{{ID: "c1", Role: registry.RoleTerminal}},
	}, at: time.Now()})
	view := next.View()
	assert.Contains(t, view, "PRIMARY")
	assert.Contains(t, view, "c1")
}
