// Package registry tracks the live sockets of a primary process.
//
// Every socket is in exactly one role set. Terminal sockets represent the
// single real peer; caller sockets are local tool processes that have not
// declared a role yet; relay sockets are callers that sent relay_init. The
// registry owns these sets and the pending-request table used to broadcast to
// terminals; nothing else mutates them.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/internal/correlator"
	"github.com/grovetools/tabrelay/internal/sessionstore"
	"github.com/grovetools/tabrelay/logging"
	"github.com/grovetools/tabrelay/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Role is the role set a connection belongs to.
type Role string

const (
	RoleTerminal Role = "terminal"
	RoleCaller   Role = "caller"
	RoleRelay    Role = "relay"
)

// WebSocket close codes (RFC 6455) used when the registry closes a socket.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Socket is the registry's view of a transport connection.
// Implementations must allow concurrent calls.
type Socket interface {
	WriteMessage(msg *protocol.Message) error
	Ping() error
	Close(code int, reason string) error
}

// SessionStore is the subset of the session store the registry uses.
type SessionStore interface {
	SaveSession(sessionKey, label, fingerprint string, ownerPID int) error
	MarkOrphaned(sessionKey string) error
	RecoverSession(sessionKey string, newPID int) error
	Get(sessionKey string) (*sessionstore.Record, error)
	Touch(sessionKey string) error
	ExpireStaleSessions() (int, error)
}

// Connection is a live socket plus its metadata. Relay fields are only set
// for RoleRelay.
type Connection struct {
	ID               string    `json:"id"`
	Role             Role      `json:"role"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastPingAt       time.Time `json:"lastPingAt"`
	LastAppMessageAt time.Time `json:"lastAppMessageAt"`

	SessionKey     string    `json:"sessionKey,omitempty"`
	OwnerPID       int       `json:"ownerPid,omitempty"`
	Label          string    `json:"label,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`

	socket Socket
}

// Observer is notified after every request the registry dispatches to terminals.
type Observer func(op string, took time.Duration, err error)

// EventHandler receives unsolicited frames: events and responses that match
// no pending request.
type EventHandler func(from Connection, msg *protocol.Message)

// Options configures a Registry.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AppMessageTimeout time.Duration
	RelayIdleTTL      time.Duration
	RequestTimeout    time.Duration
	TerminalWait      time.Duration
	CleanupInterval   time.Duration

	ServerVersion string
	Sessions      SessionStore
	Observer      Observer
	OnEvent       EventHandler
	Logger        *logrus.Entry
	Now           func() time.Time
}

// Stats is a point-in-time count of connections and requests.
type Stats struct {
	Terminals int `json:"terminal"`
	Callers   int `json:"caller"`
	Relays    int `json:"relay"`
	Pending   int `json:"pending"`
}

// Registry is the connection registry of a primary process.
type Registry struct {
	opts   Options
	corr   *correlator.Correlator
	logger *logrus.Entry
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	terminals map[string]*Connection
	callers   map[string]*Connection
	relays    map[string]*Connection
	bySocket  map[Socket]string
	// ready is closed while at least one terminal is connected.
	ready        chan struct{}
	localSession string
	closing      bool
}

// New creates a Registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("registry")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:      opts,
		corr:      correlator.New("p:"),
		logger:    opts.Logger,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
		terminals: make(map[string]*Connection),
		callers:   make(map[string]*Connection),
		relays:    make(map[string]*Connection),
		bySocket:  make(map[Socket]string),
		ready:     make(chan struct{}),
	}
}

// SetLocalSession sets the session key stamped on locally originated frames
// that carry none.
func (r *Registry) SetLocalSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSession = key
}

// Register adds a newly accepted socket and announces its id. RoleRelay is
// not accepted here; relays start as callers and declare themselves.
func (r *Registry) Register(sock Socket, role Role) string {
	now := r.now()
	conn := &Connection{
		ID:               uuid.NewString(),
		Role:             role,
		ConnectedAt:      now,
		LastPingAt:       now,
		LastAppMessageAt: now,
		socket:           sock,
	}
	if role != RoleTerminal {
		conn.Role = RoleCaller
	}

	r.mu.Lock()
	if conn.Role == RoleTerminal {
		r.terminals[conn.ID] = conn
		if len(r.terminals) == 1 {
			close(r.ready)
		}
	} else {
		r.callers[conn.ID] = conn
	}
	r.bySocket[sock] = conn.ID
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"conn": conn.ID, "role": conn.Role}).Info("Connection registered")

	if err := sock.WriteMessage(protocol.NewConnectionInit(conn.ID, r.opts.ServerVersion)); err != nil {
		r.logger.WithError(err).WithField("conn", conn.ID).Warn("Failed to send connection_init")
	}
	return conn.ID
}

// Unregister removes a socket. Requests that arrived over it are rejected;
// if it was the last relay holding a session key, terminals are told to clean
// up and the session is marked orphaned.
func (r *Registry) Unregister(sock Socket) {
	r.mu.Lock()
	id, ok := r.bySocket[sock]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySocket, sock)

	conn := r.terminals[id]
	if conn != nil {
		delete(r.terminals, id)
		if len(r.terminals) == 0 {
			r.ready = make(chan struct{})
		}
	} else if conn = r.callers[id]; conn != nil {
		delete(r.callers, id)
	} else if conn = r.relays[id]; conn != nil {
		delete(r.relays, id)
	}
	terminalsLeft := len(r.terminals)
	closing := r.closing
	// A relay that redialed before its old socket was noticed still holds the key.
	stillHeld := false
	if conn != nil && conn.Role == RoleRelay && conn.SessionKey != "" {
		for _, other := range r.relays {
			if other.SessionKey == conn.SessionKey {
				stillHeld = true
				break
			}
		}
	}
	r.mu.Unlock()

	if conn == nil {
		return
	}

	logger := r.logger.WithFields(logrus.Fields{"conn": id, "role": conn.Role})
	logger.Info("Connection unregistered")

	if n := r.corr.RejectOwned(id, errors.ConnectionClosed(id)); n > 0 {
		logger.WithField("rejected", n).Debug("Rejected requests owned by closed connection")
	}

	if conn.Role == RoleTerminal && terminalsLeft == 0 {
		if n := r.corr.RejectAll(errors.New(errors.ErrCodeConnectionClosed, "last terminal disconnected")); n > 0 {
			logger.WithField("rejected", n).Warn("Rejected requests pending on the last terminal")
		}
	}

	if stillHeld {
		logger.WithField("session", conn.SessionKey).Debug("Session still held by another relay connection")
	}
	if conn.Role == RoleRelay && conn.SessionKey != "" && !closing && !stillHeld {
		r.sendToTerminals(protocol.NewSessionCleanup(conn.SessionKey))
		if r.opts.Sessions != nil {
			if err := r.opts.Sessions.MarkOrphaned(conn.SessionKey); err != nil {
				logger.WithError(err).Warn("Failed to mark session orphaned")
			}
		}
	}
}

// Send writes msg to the connection with the given id.
func (r *Registry) Send(id string, msg *protocol.Message) error {
	r.mu.Lock()
	conn := r.lookupLocked(id)
	r.mu.Unlock()
	if conn == nil {
		return errors.ConnectionClosed(id)
	}
	return conn.socket.WriteMessage(msg)
}

// TouchPing records a transport-level pong from sock.
func (r *Registry) TouchPing(sock Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.bySocket[sock]; ok {
		if conn := r.lookupLocked(id); conn != nil {
			conn.LastPingAt = r.now()
		}
	}
}

// Stats returns connection counts per role and the pending request count.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	s := Stats{Terminals: len(r.terminals), Callers: len(r.callers), Relays: len(r.relays)}
	r.mu.Unlock()
	s.Pending = r.corr.Len()
	return s
}

// Connections returns a snapshot of every connection.
func (r *Registry) Connections() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Connection, 0, len(r.bySocket))
	for _, set := range []map[string]*Connection{r.terminals, r.callers, r.relays} {
		for _, conn := range set {
			c := *conn
			c.socket = nil
			out = append(out, c)
		}
	}
	return out
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.lookupLocked(id)
	if conn == nil {
		return Connection{}, false
	}
	c := *conn
	c.socket = nil
	return c, true
}

// Close rejects everything in flight and closes every socket. Sessions held
// by relays are left live: the relays will reconnect to the next primary.
func (r *Registry) Close(reason string) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	socks := make([]Socket, 0, len(r.bySocket))
	for sock := range r.bySocket {
		socks = append(socks, sock)
	}
	r.mu.Unlock()

	r.cancel()
	r.corr.RejectAll(errors.New(errors.ErrCodeShuttingDown, reason))
	for _, sock := range socks {
		_ = sock.Close(CloseGoingAway, reason)
		r.Unregister(sock)
	}
}

func (r *Registry) lookupLocked(id string) *Connection {
	if conn, ok := r.terminals[id]; ok {
		return conn
	}
	if conn, ok := r.callers[id]; ok {
		return conn
	}
	return r.relays[id]
}

func (r *Registry) lookupSocketLocked(sock Socket) *Connection {
	id, ok := r.bySocket[sock]
	if !ok {
		return nil
	}
	return r.lookupLocked(id)
}
