package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/logging"
	"github.com/grovetools/tabrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrimary accepts caller sockets and hands them to the test.
type fakePrimary struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakePrimary(t *testing.T) *fakePrimary {
	t.Helper()
	p := &fakePrimary{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.NewConnectionInit("client-1", "test+p1"))
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePrimary) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/"
}

func (p *fakePrimary) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("relay never connected")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func startForwarder(t *testing.T, url string) *Forwarder {
	t.Helper()
	f := New(Options{
		URL:            url,
		ReconnectDelay: 20 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		ConnectWait:    2 * time.Second,
		Init:           protocol.RelayInit{PID: 4242, SessionID: "sess-a", ProjectPath: "/tmp/proj", ProjectLabel: "proj"},
		Logger:         logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func TestForwardWrapsInEnvelope(t *testing.T) {
	primary := newFakePrimary(t)
	f := startForwarder(t, primary.url())
	conn := primary.accept(t)

	init := readFrame(t, conn)
	require.Equal(t, protocol.TypeRelayInit, init.Type)
	decoded, err := protocol.DecodeRelayInit(init)
	require.NoError(t, err)
	assert.Equal(t, 4242, decoded.PID)
	assert.Equal(t, "sess-a", decoded.SessionID)

	type result struct {
		msg *protocol.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := f.Forward(context.Background(), &protocol.Message{Type: "navigate", RequestID: "caller-7", Payload: json.RawMessage(`{"url":"https://example.com"}`)})
		done <- result{msg, err}
	}()

	env := readFrame(t, conn)
	require.Equal(t, protocol.TypeRelayForward, env.Type)
	assert.NotEqual(t, "caller-7", env.RequestID)
	inner, err := protocol.DecodeForwarded(env)
	require.NoError(t, err)
	assert.Equal(t, "navigate", inner.Type)
	assert.Equal(t, "caller-7", inner.RequestID)

	require.NoError(t, conn.WriteJSON(protocol.NewRelayResponse(env.RequestID,
		&protocol.Message{Result: json.RawMessage(`{"loaded":true}`)}, nil)))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"loaded":true}`, string(r.msg.Result))
	case <-time.After(3 * time.Second):
		t.Fatal("forward never resolved")
	}
}

func TestForwardPropagatesErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		body *protocol.ErrorBody
		want errors.ErrorCode
	}{
		{"broker code survives the hop", &protocol.ErrorBody{Code: "NO_PEER", Message: "no terminal"}, errors.ErrCodeNoPeer},
		{"terminal code is wrapped", &protocol.ErrorBody{Code: "ELEMENT_NOT_FOUND", Message: "missing"}, errors.ErrCodeTerminalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := newFakePrimary(t)
			f := startForwarder(t, primary.url())
			conn := primary.accept(t)
			readFrame(t, conn)

			errCh := make(chan error, 1)
			go func() {
				_, err := f.Forward(context.Background(), &protocol.Message{Type: "click"})
				errCh <- err
			}()
			env := readFrame(t, conn)
			require.NoError(t, conn.WriteJSON(&protocol.Message{Type: protocol.TypeRelayResponse, RequestID: env.RequestID, Error: tt.body}))

			err := <-errCh
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.GetCode(err))
		})
	}
}

func TestLinkLossRejectsAndReconnects(t *testing.T) {
	primary := newFakePrimary(t)
	f := startForwarder(t, primary.url())
	first := primary.accept(t)
	readFrame(t, first)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.Forward(context.Background(), &protocol.Message{Type: "slow"})
		errCh <- err
	}()
	readFrame(t, first)
	require.NoError(t, first.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, errors.ErrCodeRelayLinkLost), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request was not rejected")
	}

	second := primary.accept(t)
	again := readFrame(t, second)
	assert.Equal(t, protocol.TypeRelayInit, again.Type)
	decoded, err := protocol.DecodeRelayInit(again)
	require.NoError(t, err)
	assert.Equal(t, "sess-a", decoded.SessionID, "same identity after reconnect")
	assert.Eventually(t, func() bool { return f.Links() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.Connected())
}

func TestRedialDeclaresGrantedKey(t *testing.T) {
	primary := newFakePrimary(t)
	f := startForwarder(t, primary.url())
	first := primary.accept(t)
	readFrame(t, first)

	require.NoError(t, first.WriteJSON(&protocol.Message{Type: protocol.TypeRelayInitAck, SessionID: "sess-granted"}))
	require.Eventually(t, func() bool { return f.SessionKey() == "sess-granted" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second := primary.accept(t)
	decoded, err := protocol.DecodeRelayInit(readFrame(t, second))
	require.NoError(t, err)
	assert.Equal(t, "sess-granted", decoded.SessionID)
}

func TestForwardWaitsForLink(t *testing.T) {
	f := New(Options{
		URL:            "ws://127.0.0.1:1/",
		ReconnectDelay: time.Hour,
		RequestTimeout: time.Second,
		ConnectWait:    30 * time.Millisecond,
		Logger:         logging.Discard(),
	})

	assert.False(t, f.Connected())
	_, err := f.Forward(context.Background(), &protocol.Message{Type: "x"})
	assert.True(t, errors.Is(err, errors.ErrCodeRelayLinkLost))
}

func TestEventsReachHandler(t *testing.T) {
	primary := newFakePrimary(t)
	events := make(chan *protocol.Message, 1)
	f := New(Options{
		URL:         primary.url(),
		ConnectWait: time.Second,
		Init:        protocol.RelayInit{PID: 1, SessionID: "s"},
		OnEvent:     func(m *protocol.Message) { events <- m },
		Logger:      logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	conn := primary.accept(t)
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(&protocol.Message{Type: protocol.TypePageContextUpdate, Payload: json.RawMessage(`{"title":"Home"}`)}))

	select {
	case ev := <-events:
		assert.JSONEq(t, `{"title":"Home"}`, string(ev.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
}
