// Package broker assembles one tabrelay process: it runs the election, then
// either owns the registry and listeners (primary) or forwards through the
// primary (relay), and funnels every exit path into a single Shutdown.
package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/tabrelay/config"
	"github.com/grovetools/tabrelay/internal/election"
	"github.com/grovetools/tabrelay/internal/metrics"
	"github.com/grovetools/tabrelay/internal/pidfile"
	"github.com/grovetools/tabrelay/internal/registry"
	"github.com/grovetools/tabrelay/internal/relay"
	"github.com/grovetools/tabrelay/internal/server"
	"github.com/grovetools/tabrelay/internal/sessionstore"
	"github.com/grovetools/tabrelay/logging"
	"github.com/grovetools/tabrelay/pkg/paths"
	"github.com/grovetools/tabrelay/pkg/process"
	"github.com/grovetools/tabrelay/pkg/protocol"
	"github.com/grovetools/tabrelay/version"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// BroadcastFunc sends a frame to the terminals, directly or through the primary.
type BroadcastFunc func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

// Options holds per-process inputs that do not come from config.
type Options struct {
	// ProjectDir is fingerprinted to find a recoverable session. Defaults to
	// the working directory.
	ProjectDir string
	// Label is the human-readable project name. Defaults to the base name
	// of ProjectDir.
	Label string
	// SessionKey pins the session key instead of recovering or minting one.
	SessionKey string
	// PID is announced as the session owner. Defaults to os.Getpid().
	PID int
	// ParentPID is polled for liveness; values <= 1 disable the poll.
	ParentPID int
	// PidFile is written while primary. Defaults to the state dir.
	PidFile string

	// Control is the JSON-line request stream; Output receives results.
	// A nil Control disables the control channel.
	Control io.Reader
	Output  io.Writer
	// ControlDrain bounds the wait for running requests once Control ends.
	ControlDrain time.Duration

	Logger *logrus.Entry
}

// Broker is one tabrelay process.
type Broker struct {
	cfg    *config.Config
	opts   Options
	logger *logrus.Entry

	mode        election.Mode
	startedAt   time.Time
	sessionKey  string
	fingerprint string

	store     *sessionstore.Store
	listeners *election.Listeners
	registry  *registry.Registry
	server    *server.Server
	metrics   *metrics.Recorder
	forwarder *relay.Forwarder

	broadcast BroadcastFunc
	out       *lineWriter

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
	ready        chan struct{}
	done         chan struct{}
}

// New creates a Broker. Nothing is bound until Start.
func New(cfg *config.Config, opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("broker")
	}
	if opts.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.ProjectDir = wd
		}
	}
	if opts.Label == "" {
		opts.Label = filepath.Base(opts.ProjectDir)
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.PidFile == "" {
		opts.PidFile = paths.PidFilePath()
	}
	if opts.ControlDrain <= 0 {
		opts.ControlDrain = defaultControlDrain
	}
	b := &Broker{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if opts.Output != nil {
		b.out = newLineWriter(opts.Output)
	}
	return b
}

// Start runs the election and brings up the primary or relay side.
// A bind failure other than address-in-use is returned and is fatal.
func (b *Broker) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	b.startedAt = time.Now()

	mode, ln, err := election.Elect(b.cfg.Host, b.cfg.SocketPort, b.cfg.StatusPort)
	if err != nil {
		b.cancel()
		return err
	}
	b.mode = mode

	b.openStore()
	if mode == election.ModePrimary && b.store != nil {
		// Before choosing our own key, so an identity left by a dead
		// primary in this directory is recoverable.
		if n, err := b.store.ReconcileDeadOwners(process.IsProcessAlive); err != nil {
			b.logger.WithError(err).Warn("Failed to reconcile dead session owners")
		} else if n > 0 {
			b.logger.WithField("orphaned", n).Info("Orphaned sessions of dead owners")
		}
	}
	b.fingerprint = sessionstore.Fingerprint(b.opts.ProjectDir)
	recovered := b.resolveSessionKey()
	b.logger = b.logger.WithFields(logrus.Fields{"mode": mode, "session": b.sessionKey})

	if mode == election.ModePrimary {
		b.listeners = ln
		b.startPrimary(ctx, recovered)
	} else {
		// Relays only read the store to pick a key; the primary records them.
		if err := b.closeStore(); err != nil {
			b.logger.WithError(err).Debug("Failed to close session store")
		}
		b.startRelay(ctx)
	}
	b.logger.WithField("label", b.opts.Label).Info("Broker started")
	close(b.ready)
	return nil
}

// Run starts the broker and blocks until it shuts down. Shutdown is
// triggered by ctx, by the control stream closing, or by the parent
// process disappearing.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}

	if b.opts.Control != nil {
		go b.controlLoop(ctx, b.opts.Control)
	}
	if b.opts.ParentPID > 1 {
		gone := process.WatchParent(ctx, b.opts.ParentPID, b.cfg.Relay.ParentPollInterval)
		go func() {
			select {
			case <-gone:
				b.Shutdown(fmt.Sprintf("parent process %d exited", b.opts.ParentPID))
			case <-b.done:
			}
		}()
	}

	select {
	case <-ctx.Done():
		b.Shutdown("interrupted")
	case <-b.done:
	}
	<-b.done
	return b.shutdownErr
}

// Broadcast sends msg to the terminals through whichever path this process
// has: its own registry when primary, the forwarder when relay.
func (b *Broker) Broadcast(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return b.broadcast(ctx, msg)
}

// Mode returns the elected role.
func (b *Broker) Mode() election.Mode { return b.mode }

// SessionKey returns this process's session key. A relay reports the key the
// primary granted it.
func (b *Broker) SessionKey() string {
	if b.forwarder != nil {
		return b.forwarder.SessionKey()
	}
	return b.sessionKey
}

// Ready is closed once Start has succeeded.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// Done is closed once Shutdown has finished.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Status describes this process for the status endpoint and the control channel.
func (b *Broker) Status() server.Status {
	s := server.Status{
		PID:        b.opts.PID,
		Version:    version.ServerVersion(),
		Mode:       string(b.mode),
		SessionKey: b.SessionKey(),
		StartedAt:  b.startedAt,
		Uptime:     time.Since(b.startedAt).Truncate(time.Second).String(),
	}
	if b.registry != nil {
		s.Counts = b.registry.Stats()
		s.Connections = b.registry.Connections()
	}
	if b.metrics != nil {
		s.Recent = b.metrics.Summary()
	}
	if b.forwarder != nil {
		s.Counts.Pending = b.forwarder.Pending()
	}
	return s
}

// Shutdown stops the broker once; later calls wait for the first and
// return its result.
func (b *Broker) Shutdown(reason string) error {
	b.shutdownOnce.Do(func() {
		b.logger.WithField("reason", reason).Info("Shutting down")
		if b.cancel != nil {
			b.cancel()
		}

		var result *multierror.Error
		switch b.mode {
		case election.ModePrimary:
			b.registry.Close(reason)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.server.Shutdown(ctx); err != nil {
				result = multierror.Append(result, err)
			}
			cancel()
			if err := b.listeners.Close(); err != nil && !isClosedErr(err) {
				result = multierror.Append(result, err)
			}
			if b.store != nil && b.sessionKey != "" {
				if err := b.store.MarkOrphaned(b.sessionKey); err != nil {
					result = multierror.Append(result, err)
				}
			}
			if err := pidfile.Release(b.opts.PidFile); err != nil {
				result = multierror.Append(result, err)
			}
		case election.ModeRelay:
			if err := b.forwarder.Close(); err != nil && !isClosedErr(err) {
				result = multierror.Append(result, err)
			}
		}
		if err := b.closeStore(); err != nil {
			result = multierror.Append(result, err)
		}

		b.shutdownErr = result.ErrorOrNil()
		close(b.done)
	})
	<-b.done
	return b.shutdownErr
}

func (b *Broker) startPrimary(ctx context.Context, recovered bool) {
	if b.store != nil {
		b.claimOwnSession(recovered)
	}

	b.metrics = metrics.New()
	regOpts := registry.Options{
		HeartbeatInterval: b.cfg.Heartbeat.Interval,
		HeartbeatTimeout:  b.cfg.Heartbeat.Timeout,
		AppMessageTimeout: b.cfg.Heartbeat.AppMessageTimeout,
		RelayIdleTTL:      b.cfg.Relay.IdleTTL,
		RequestTimeout:    b.cfg.Requests.Timeout,
		TerminalWait:      b.cfg.Requests.TerminalWait,
		CleanupInterval:   b.cfg.Sessions.CleanupInterval,
		ServerVersion:     version.ServerVersion(),
		Observer:          b.metrics.Observe,
		OnEvent: func(from registry.Connection, msg *protocol.Message) {
			b.emitEvent(msg)
		},
		Logger: logging.NewLogger("registry"),
	}
	if b.store != nil {
		regOpts.Sessions = b.store
	}
	b.registry = registry.New(regOpts)
	b.registry.SetLocalSession(b.sessionKey)
	b.broadcast = b.registry.BroadcastToTerminals

	b.server = server.New(server.Options{
		Registry: b.registry,
		Status:   b.Status,
		Metrics:  http.HandlerFunc(b.serveMetrics),
		Logger:   logging.NewLogger("server"),
	})
	go func() {
		if err := b.server.Serve(b.listeners.Socket, b.listeners.Status); err != nil {
			b.logger.WithError(err).Error("Listener failed")
			go b.Shutdown("listener failed")
		}
	}()
	go b.registry.Run(ctx)

	if err := pidfile.Write(b.opts.PidFile); err != nil {
		b.logger.WithError(err).Warn("Failed to write pid file")
	}
}

func (b *Broker) startRelay(ctx context.Context) {
	b.forwarder = relay.New(relay.Options{
		URL:            fmt.Sprintf("ws://%s/", b.cfg.SocketAddr()),
		ReconnectDelay: b.cfg.Relay.ReconnectDelay,
		// The primary may spend the terminal wait and the full request
		// timeout before answering.
		RequestTimeout: b.cfg.Requests.Timeout + b.cfg.Requests.TerminalWait + time.Second,
		ConnectWait:    b.cfg.Requests.TerminalWait,
		Init: protocol.RelayInit{
			PID:          b.opts.PID,
			SessionID:    b.sessionKey,
			ProjectPath:  b.opts.ProjectDir,
			ProjectLabel: b.opts.Label,
		},
		OnEvent: b.emitEvent,
		Logger:  logging.NewLogger("relay"),
	})
	b.broadcast = b.forwarder.Forward
	go b.forwarder.Run(ctx)
}

func (b *Broker) serveMetrics(w http.ResponseWriter, r *http.Request) {
	s := b.registry.Stats()
	b.metrics.SetConnections(s.Terminals, s.Callers, s.Relays, s.Pending)
	b.metrics.Handler().ServeHTTP(w, r)
}

func (b *Broker) emitEvent(msg *protocol.Message) {
	if b.out == nil {
		return
	}
	b.out.event(msg)
}

// openStore opens the shared session database. The store is advisory: if it
// cannot be opened the broker runs without session recovery.
func (b *Broker) openStore() {
	path := b.cfg.Sessions.DBPath
	if path == "" {
		path = paths.SessionDBPath()
	}
	store, err := sessionstore.Open(path,
		sessionstore.WithExpiry(b.cfg.Sessions.Expiry),
		sessionstore.WithLogger(logging.NewLogger("sessionstore")),
	)
	if err != nil {
		b.logger.WithError(err).WithField("path", path).Warn("Session store unavailable; continuing without recovery")
		return
	}
	b.store = store
}

func (b *Broker) closeStore() error {
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	return err
}

// resolveSessionKey picks this process's session key: pinned, recovered from
// an orphan with the same fingerprint, or freshly minted. It reports whether
// the key was recovered.
func (b *Broker) resolveSessionKey() bool {
	if b.opts.SessionKey != "" {
		b.sessionKey = b.opts.SessionKey
		return false
	}
	if b.store != nil {
		rec, err := b.store.FindOrphanedSession(b.fingerprint)
		if err != nil {
			b.logger.WithError(err).Warn("Orphan lookup failed")
		} else if rec != nil {
			b.sessionKey = rec.SessionKey
			b.logger.WithField("session", rec.SessionKey).Info("Reusing orphaned session")
			return true
		}
	}
	b.sessionKey = uuid.NewString()
	return false
}

func (b *Broker) claimOwnSession(recovered bool) {
	var err error
	if recovered {
		err = b.store.RecoverSession(b.sessionKey, b.opts.PID)
	}
	if !recovered || err != nil {
		err = b.store.SaveSession(b.sessionKey, b.opts.Label, b.fingerprint, b.opts.PID)
	}
	if err != nil {
		b.logger.WithError(err).Warn("Failed to record own session")
	}
}
