// Package relay implements the forwarder a non-primary process uses to reach
// the terminals through the primary.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/internal/correlator"
	"github.com/grovetools/tabrelay/logging"
	"github.com/grovetools/tabrelay/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Options configures a Forwarder.
type Options struct {
	// URL of the primary's caller endpoint, e.g. ws://127.0.0.1:8765/.
	URL            string
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
	// ConnectWait bounds how long Forward waits for the link to come up.
	ConnectWait time.Duration
	Init        protocol.RelayInit
	OnEvent     func(*protocol.Message)
	Logger      *logrus.Entry
	Dialer      *websocket.Dialer
}

// Forwarder holds the relay's outbound link to the primary.
type Forwarder struct {
	opts   Options
	corr   *correlator.Correlator
	logger *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	ready    chan struct{}
	clientID string
	links    int
	closed   bool

	writeMu sync.Mutex
}

// New creates a Forwarder. Nothing is dialed until Run.
func New(opts Options) *Forwarder {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("relay")
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Forwarder{
		opts:   opts,
		corr:   correlator.New("r:"),
		logger: opts.Logger,
		ready:  make(chan struct{}),
	}
}

// Run keeps the link to the primary up until ctx is cancelled or Close is
// called. On every link loss all in-flight requests are rejected with
// RELAY_LINK_LOST and the link is redialed after a fixed delay.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		if f.isClosed() {
			return nil
		}
		err := f.session(ctx)
		if ctx.Err() != nil || f.isClosed() {
			f.corr.RejectAll(errors.New(errors.ErrCodeShuttingDown, "relay stopped"))
			return nil
		}

		if n := f.corr.RejectAll(errors.RelayLinkLost(err)); n > 0 {
			f.logger.WithField("rejected", n).Warn("Rejected in-flight requests after link loss")
		}
		f.logger.WithError(err).WithField("retry_in", f.opts.ReconnectDelay).Info("Link to primary lost")

		timer := time.NewTimer(f.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one link lifetime: dial, declare, read until failure.
func (f *Forwarder) session(ctx context.Context) error {
	conn, _, err := f.opts.Dialer.DialContext(ctx, f.opts.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.mu.Lock()
	declared := f.opts.Init
	f.mu.Unlock()
	init, err := protocol.NewRelayInit(declared)
	if err != nil {
		return err
	}
	if err := f.write(conn, init); err != nil {
		return err
	}

	f.setConn(conn)
	defer f.clearConn()

	stop := context.AfterFunc(ctx, func() {
		f.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay stopping"), time.Now().Add(time.Second))
		f.writeMu.Unlock()
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handle(data)
	}
}

func (f *Forwarder) handle(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		f.logger.WithError(err).Warn("Dropping malformed frame from primary")
		return
	}
	switch msg.Type {
	case protocol.TypeConnectionInit:
		f.mu.Lock()
		f.clientID = msg.ClientID
		f.mu.Unlock()
		f.logger.WithFields(logrus.Fields{"client": msg.ClientID, "server": msg.ServerVersion}).Debug("Connected to primary")
	case protocol.TypeRelayInitAck:
		// The primary may grant a different key; later redials declare it.
		f.mu.Lock()
		if msg.SessionID != "" && msg.SessionID != f.opts.Init.SessionID {
			f.logger.WithFields(logrus.Fields{"declared": f.opts.Init.SessionID, "granted": msg.SessionID}).Warn("Primary granted a different session key")
			f.opts.Init.SessionID = msg.SessionID
		}
		f.mu.Unlock()
		f.logger.WithField("session", msg.SessionID).Info("Relay registered with primary")
	case protocol.TypeRelayResponse, protocol.TypeResponse, protocol.TypeError:
		if msg.RequestID != "" && f.corr.Resolve(msg) {
			return
		}
		if msg.Type == protocol.TypeError {
			f.logger.WithField("error", msg.Error).Warn("Primary rejected a frame")
			return
		}
		f.logger.WithField("request", msg.RequestID).Debug("Dropping unsolicited response")
	default:
		if f.opts.OnEvent != nil {
			f.opts.OnEvent(msg)
		}
	}
}

// Forward sends msg to the terminals through the primary and waits for the
// result. The relay assigns its own outer id; whatever RequestID msg carries
// travels unchanged inside the envelope.
func (f *Forwarder) Forward(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if err := f.waitConnected(ctx); err != nil {
		return nil, err
	}
	return f.corr.Dispatch(ctx, msg, f.opts.RequestTimeout, "", func(outer *protocol.Message) error {
		env, err := protocol.NewRelayForward(outer.RequestID, msg)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidMessage, "failed to wrap request")
		}
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return errors.RelayLinkLost(nil)
		}
		if err := f.write(conn, env); err != nil {
			return errors.RelayLinkLost(err)
		}
		return nil
	})
}

// Connected reports whether the link is currently up.
func (f *Forwarder) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// SessionKey returns the session key the relay declares on its next link.
func (f *Forwarder) SessionKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts.Init.SessionID
}

// Links returns how many times the link has been established.
func (f *Forwarder) Links() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links
}

// Pending returns the number of in-flight requests.
func (f *Forwarder) Pending() int {
	return f.corr.Len()
}

// Close shuts the link with a normal close code. Run returns afterwards.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	f.corr.RejectAll(errors.New(errors.ErrCodeShuttingDown, "relay closing"))
	if conn == nil {
		return nil
	}
	f.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay closing"), time.Now().Add(time.Second))
	f.writeMu.Unlock()
	return conn.Close()
}

func (f *Forwarder) waitConnected(ctx context.Context) error {
	f.mu.Lock()
	ready := f.ready
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errors.New(errors.ErrCodeShuttingDown, "relay closed")
	}
	select {
	case <-ready:
		return nil
	default:
	}

	timer := time.NewTimer(f.opts.ConnectWait)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errors.RelayLinkLost(nil).WithDetail("waited", f.opts.ConnectWait.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) write(conn *websocket.Conn, msg *protocol.Message) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (f *Forwarder) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = conn
	f.links++
	close(f.ready)
}

func (f *Forwarder) clearConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = nil
	f.ready = make(chan struct{})
}

func (f *Forwarder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
