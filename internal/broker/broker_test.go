package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabrelay/config"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/internal/election"
	"github.com/grovetools/tabrelay/internal/sessionstore"
	"github.com/grovetools/tabrelay/logging"
	"github.com/grovetools/tabrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is far above any pid_max in practice.
const deadPID = 1<<22 + 12345

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TABRELAY_HOME", t.TempDir())
	cfg := config.Default()
	cfg.SocketPort = freePort(t)
	cfg.StatusPort = freePort(t)
	cfg.Relay.ReconnectDelay = 50 * time.Millisecond
	cfg.Relay.ParentPollInterval = 20 * time.Millisecond
	cfg.Requests.Timeout = 3 * time.Second
	cfg.Requests.TerminalWait = 3 * time.Second
	cfg.Sessions.DBPath = filepath.Join(t.TempDir(), "sessions.db")
	return cfg
}

func startBroker(t *testing.T, cfg *config.Config, opts Options) *Broker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.PidFile == "" {
		opts.PidFile = filepath.Join(t.TempDir(), "tabrelay.pid")
	}
	b := New(cfg, opts)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Shutdown("test done") })
	return b
}

func waitReady(t *testing.T, b *Broker) {
	t.Helper()
	select {
	case <-b.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not start")
	}
}

// fakeTerminal answers every request with its type and session.
type fakeTerminal struct {
	conn *websocket.Conn
}

func dialTerminal(t *testing.T, cfg *config.Config) *fakeTerminal {
	t.Helper()
	url := fmt.Sprintf("ws://%s/terminal", cfg.SocketAddr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ft := &fakeTerminal{conn: conn}
	go ft.serve()
	return ft
}

func (ft *fakeTerminal) serve() {
	for {
		var msg protocol.Message
		if err := ft.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.RequestID == "" {
			continue
		}
		result, _ := json.Marshal(map[string]string{"op": msg.Type, "session": msg.SessionID})
		resp := &protocol.Message{Type: protocol.TypeResponse, RequestID: msg.RequestID, Result: result}
		if msg.Type == "fail" {
			resp = &protocol.Message{Type: protocol.TypeResponse, RequestID: msg.RequestID,
				Error: &protocol.ErrorBody{Code: "ELEMENT_NOT_FOUND", Message: "nothing matched"}}
		}
		if err := ft.conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func decodeResult(t *testing.T, msg *protocol.Message) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(msg.Result, &out))
	return out
}

func openStore(t *testing.T, cfg *config.Config) *sessionstore.Store {
	t.Helper()
	store, err := sessionstore.Open(cfg.Sessions.DBPath, sessionstore.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestElectionAssignsModes(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	a := startBroker(t, cfg, Options{ProjectDir: dir})
	b := startBroker(t, cfg, Options{ProjectDir: dir})

	assert.Equal(t, election.ModePrimary, a.Mode())
	assert.Equal(t, election.ModeRelay, b.Mode())
	assert.NotEqual(t, a.SessionKey(), b.SessionKey())
}

func TestFatalBindError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = "192.0.2.1"

	b := New(cfg, Options{ProjectDir: t.TempDir(), Logger: logging.Discard()})
	err := b.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeBindFailed))
}

func TestRelayRoundTripThroughPrimary(t *testing.T) {
	cfg := testConfig(t)
	primary := startBroker(t, cfg, Options{ProjectDir: t.TempDir()})
	dialTerminal(t, cfg)
	relayB := startBroker(t, cfg, Options{ProjectDir: t.TempDir()})

	resp, err := relayB.Broadcast(context.Background(), &protocol.Message{Type: "navigate"})
	require.NoError(t, err)
	got := decodeResult(t, resp)
	assert.Equal(t, "navigate", got["op"])
	assert.Equal(t, relayB.SessionKey(), got["session"], "relayed frames carry the relay's key")

	resp, err = primary.Broadcast(context.Background(), &protocol.Message{Type: "title"})
	require.NoError(t, err)
	assert.Equal(t, primary.SessionKey(), decodeResult(t, resp)["session"])

	_, err = relayB.Broadcast(context.Background(), &protocol.Message{Type: "fail"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTerminalError))
}

func TestTwoRelaysConcurrently(t *testing.T) {
	cfg := testConfig(t)
	startBroker(t, cfg, Options{ProjectDir: t.TempDir()})
	dialTerminal(t, cfg)
	relays := []*Broker{
		startBroker(t, cfg, Options{ProjectDir: t.TempDir()}),
		startBroker(t, cfg, Options{ProjectDir: t.TempDir()}),
	}

	type outcome struct {
		idx int
		got map[string]string
		err error
	}
	results := make(chan outcome, 20)
	for i := 0; i < 10; i++ {
		for idx, r := range relays {
			go func(idx int, r *Broker, n int) {
				resp, err := r.Broadcast(context.Background(), &protocol.Message{Type: fmt.Sprintf("op-%d-%d", idx, n)})
				if err != nil {
					results <- outcome{idx: idx, err: err}
					return
				}
				var got map[string]string
				err = json.Unmarshal(resp.Result, &got)
				results <- outcome{idx, got, err}
			}(idx, r, i)
		}
	}

	for i := 0; i < 20; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, relays[o.idx].SessionKey(), o.got["session"])
		assert.Contains(t, o.got["op"], fmt.Sprintf("op-%d-", o.idx))
	}
}

// A primary, B relay; A dies; C takes over; B reconnects to C keeping its
// key; after B exits a new relay D in the same directory recovers B's key.
func TestFailoverPreservesRelayIdentity(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	a := startBroker(t, cfg, Options{ProjectDir: dir, PID: deadPID})
	require.Equal(t, election.ModePrimary, a.Mode())
	dialTerminal(t, cfg)

	b := startBroker(t, cfg, Options{ProjectDir: dir})
	require.Equal(t, election.ModeRelay, b.Mode())
	s1 := b.SessionKey()
	_, err := b.Broadcast(context.Background(), &protocol.Message{Type: "warmup"})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown("killed"))

	c := startBroker(t, cfg, Options{ProjectDir: dir})
	require.Equal(t, election.ModePrimary, c.Mode())
	assert.NotEqual(t, s1, c.SessionKey())
	dialTerminal(t, cfg)

	require.Eventually(t, func() bool { return c.Status().Counts.Relays == 1 }, 5*time.Second, 20*time.Millisecond)
	resp, err := b.Broadcast(context.Background(), &protocol.Message{Type: "after-failover"})
	require.NoError(t, err)
	assert.Equal(t, s1, decodeResult(t, resp)["session"])
	assert.Equal(t, s1, b.SessionKey())

	require.NoError(t, b.Shutdown("done"))
	store := openStore(t, cfg)
	require.Eventually(t, func() bool {
		rec, err := store.Get(s1)
		return err == nil && rec != nil && rec.State == sessionstore.StateOrphaned
	}, 5*time.Second, 20*time.Millisecond)

	orphan, err := store.FindOrphanedSession(sessionstore.Fingerprint(dir))
	require.NoError(t, err)
	require.NotNil(t, orphan)
	assert.Equal(t, s1, orphan.SessionKey)

	d := startBroker(t, cfg, Options{ProjectDir: dir})
	require.Equal(t, election.ModeRelay, d.Mode())
	assert.Equal(t, s1, d.SessionKey())
	require.Eventually(t, func() bool {
		rec, err := store.Get(s1)
		return err == nil && rec != nil && rec.State == sessionstore.StateRecovered
	}, 5*time.Second, 20*time.Millisecond)
}

func TestControlChannel(t *testing.T) {
	cfg := testConfig(t)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	b := New(cfg, Options{
		ProjectDir: t.TempDir(),
		PidFile:    filepath.Join(t.TempDir(), "tabrelay.pid"),
		Control:    stdinR,
		Output:     stdoutW,
		Logger:     logging.Discard(),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(context.Background()) }()

	waitReady(t, b)
	dialTerminal(t, cfg)

	lines := bufio.NewScanner(stdoutR)
	_, err := io.WriteString(stdinW, `{"id":"1","type":"navigate","payload":{"url":"https://example.com"}}`+"\n")
	require.NoError(t, err)

	require.True(t, lines.Scan())
	var res ControlResult
	require.NoError(t, json.Unmarshal(lines.Bytes(), &res))
	assert.Equal(t, "1", res.ID)
	assert.Nil(t, res.Error)
	assert.Contains(t, string(res.Result), `"op":"navigate"`)

	_, err = io.WriteString(stdinW, `{"id":"2","type":"tabrelay.status"}`+"\n")
	require.NoError(t, err)
	require.True(t, lines.Scan())
	res = ControlResult{}
	require.NoError(t, json.Unmarshal(lines.Bytes(), &res))
	assert.Contains(t, string(res.Result), `"mode":"primary"`)

	// Closing the control stream is the parent-death signal.
	require.NoError(t, stdinW.Close())
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not shut down on control stream EOF")
	}
}

func TestParentDeathTriggersShutdown(t *testing.T) {
	cfg := testConfig(t)
	parent := exec.Command("sleep", "30")
	require.NoError(t, parent.Start())

	b := New(cfg, Options{
		ProjectDir: t.TempDir(),
		PidFile:    filepath.Join(t.TempDir(), "tabrelay.pid"),
		ParentPID:  parent.Process.Pid,
		Logger:     logging.Discard(),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(context.Background()) }()
	waitReady(t, b)

	require.NoError(t, parent.Process.Kill())
	_ = parent.Wait()

	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not notice the parent exiting")
	}
}

func TestControlStreamEOFDrainIsBounded(t *testing.T) {
	cfg := testConfig(t)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	b := New(cfg, Options{
		ProjectDir:   t.TempDir(),
		PidFile:      filepath.Join(t.TempDir(), "tabrelay.pid"),
		Control:      stdinR,
		Output:       stdoutW,
		ControlDrain: 100 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(context.Background()) }()
	waitReady(t, b)

	results := make(chan ControlResult, 4)
	go func() {
		lines := bufio.NewScanner(stdoutR)
		for lines.Scan() {
			var res ControlResult
			if json.Unmarshal(lines.Bytes(), &res) == nil {
				results <- res
			}
		}
	}()

	// No terminal is connected, so this waits for the full terminal wait.
	_, err := io.WriteString(stdinW, `{"id":"slow","type":"navigate"}`+"\n")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, stdinW.Close())
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("broker waited out the terminal wait instead of the drain bound")
	}
	assert.Less(t, time.Since(start), cfg.Requests.TerminalWait)

	select {
	case res := <-results:
		assert.Equal(t, "slow", res.ID)
		require.NotNil(t, res.Error)
		assert.Equal(t, string(errors.ErrCodeShuttingDown), res.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("running request was not answered")
	}
}
