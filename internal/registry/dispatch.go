package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/tabrelay/errors"
	"github.com/grovetools/tabrelay/internal/sessionstore"
	"github.com/grovetools/tabrelay/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// BroadcastToTerminals sends msg to every terminal and waits for the first
// response. If no terminal is connected it waits up to the terminal-wait
// bound before failing with NO_PEER.
func (r *Registry) BroadcastToTerminals(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	return r.broadcast(ctx, msg, "")
}

func (r *Registry) broadcast(ctx context.Context, msg *protocol.Message, owner string) (*protocol.Message, error) {
	start := r.now()
	resp, err := r.dispatch(ctx, msg, owner)
	if r.opts.Observer != nil {
		observed := err
		if observed == nil && resp != nil {
			observed = resp.Err()
		}
		r.opts.Observer(msg.Type, r.now().Sub(start), observed)
	}
	return resp, err
}

func (r *Registry) dispatch(ctx context.Context, msg *protocol.Message, owner string) (*protocol.Message, error) {
	if err := r.waitForTerminal(ctx); err != nil {
		return nil, err
	}
	if msg.SessionID == "" {
		r.mu.Lock()
		local := r.localSession
		r.mu.Unlock()
		if local != "" {
			msg = msg.Clone()
			msg.SessionID = local
		}
	}
	return r.corr.Dispatch(ctx, msg, r.opts.RequestTimeout, owner, r.sendToTerminals)
}

func (r *Registry) waitForTerminal(ctx context.Context) error {
	r.mu.Lock()
	ready := r.ready
	closing := r.closing
	r.mu.Unlock()

	if closing {
		return errors.New(errors.ErrCodeShuttingDown, "registry is closing")
	}
	select {
	case <-ready:
		return nil
	default:
	}

	timer := time.NewTimer(r.opts.TerminalWait)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errors.NoPeer(r.opts.TerminalWait)
	case <-r.ctx.Done():
		return errors.New(errors.ErrCodeShuttingDown, "registry is closing")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendToTerminals writes msg to every terminal. It succeeds if at least one
// write succeeded.
func (r *Registry) sendToTerminals(msg *protocol.Message) error {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.terminals))
	for _, conn := range r.terminals {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return errors.New(errors.ErrCodeNoPeer, "no terminal connected")
	}
	var lastErr error
	delivered := 0
	for _, conn := range targets {
		if err := conn.socket.WriteMessage(msg); err != nil {
			lastErr = err
			r.logger.WithError(err).WithField("conn", conn.ID).Debug("Write to terminal failed")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Wrap(lastErr, errors.ErrCodeNoPeer, "no terminal accepted the frame")
	}
	return nil
}

// Handle processes one inbound frame from sock.
func (r *Registry) Handle(sock Socket, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}

	r.mu.Lock()
	conn := r.lookupSocketLocked(sock)
	if conn == nil {
		r.mu.Unlock()
		return
	}
	conn.LastAppMessageAt = r.now()
	from := *conn
	from.socket = nil
	r.mu.Unlock()

	switch {
	case msg.Type == protocol.TypeRelayInit:
		r.promote(sock, from, msg)
	case msg.Type == protocol.TypeRelayForward:
		go r.forward(from, msg)
	case from.Role == RoleTerminal:
		if !msg.IsEvent() && r.corr.Resolve(msg) {
			return
		}
		r.deliverEvent(from, msg)
	case msg.Type == protocol.TypeKeepalive:
	case !msg.IsEvent():
		// A caller that skips the relay envelope gets a plain response
		// tagged with its own request id.
		go r.serve(from, msg.RequestID, msg, protocol.TypeResponse)
	default:
		r.deliverEvent(from, msg)
	}
}

// deliverEvent hands terminal events to the local handler and fans them out
// to relays so their callers see them too.
func (r *Registry) deliverEvent(from Connection, msg *protocol.Message) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(from, msg)
	}
	if from.Role != RoleTerminal || msg.Type == protocol.TypeKeepalive {
		return
	}
	r.mu.Lock()
	relays := make([]*Connection, 0, len(r.relays))
	for _, conn := range r.relays {
		relays = append(relays, conn)
	}
	r.mu.Unlock()
	for _, conn := range relays {
		if err := conn.socket.WriteMessage(msg); err != nil {
			r.logger.WithError(err).WithField("conn", conn.ID).Debug("Event fan-out failed")
		}
	}
}

// promote moves a caller into the relay set and claims its session.
func (r *Registry) promote(sock Socket, from Connection, msg *protocol.Message) {
	init, err := protocol.DecodeRelayInit(msg)
	if err != nil {
		r.reply(sock, msg.RequestID, err)
		return
	}
	if init.SessionID == "" {
		init.SessionID = uuid.NewString()
	}
	fingerprint := ""
	if init.ProjectPath != "" {
		fingerprint = sessionstore.Fingerprint(init.ProjectPath)
	}

	r.mu.Lock()
	conn, ok := r.callers[from.ID]
	if ok {
		delete(r.callers, from.ID)
		conn.Role = RoleRelay
		conn.SessionKey = init.SessionID
		conn.OwnerPID = init.PID
		conn.Label = init.ProjectLabel
		conn.Fingerprint = fingerprint
		conn.LastActivityAt = r.now()
		r.relays[from.ID] = conn
	}
	r.mu.Unlock()

	if !ok {
		r.reply(sock, msg.RequestID, errors.InvalidMessage("relay_init from a connection that is not an undeclared caller"))
		return
	}

	r.logger.WithFields(logrus.Fields{
		"conn":    from.ID,
		"session": init.SessionID,
		"pid":     init.PID,
		"label":   init.ProjectLabel,
	}).Info("Caller declared relay")

	key := r.claimSession(init.SessionID, init.ProjectLabel, fingerprint, init.PID)
	if key != init.SessionID {
		r.mu.Lock()
		if conn, ok := r.relays[from.ID]; ok {
			conn.SessionKey = key
		}
		r.mu.Unlock()
	}

	ack := &protocol.Message{Type: protocol.TypeRelayInitAck, RequestID: msg.RequestID, SessionID: key}
	if err := sock.WriteMessage(ack); err != nil {
		r.logger.WithError(err).WithField("conn", from.ID).Warn("Failed to send relay_init_ack")
	}
}

// claimSession records the relay's session and returns the key it was
// granted. An orphaned record with the same key and fingerprint is recovered.
// An orphaned record from another directory is never handed over: the relay
// gets a fresh key instead.
func (r *Registry) claimSession(key, label, fingerprint string, pid int) string {
	store := r.opts.Sessions
	if store == nil {
		return key
	}
	logger := r.logger.WithField("session", key)

	rec, err := store.Get(key)
	if err != nil && !errors.Is(err, errors.ErrCodeSessionNotFound) {
		logger.WithError(err).Warn("Session lookup failed")
	}
	if rec != nil && rec.State == sessionstore.StateOrphaned {
		if rec.Fingerprint == fingerprint {
			if err := store.RecoverSession(key, pid); err != nil {
				logger.WithError(err).Warn("Failed to recover session")
			} else {
				logger.Info("Recovered orphaned session")
			}
			return key
		}
		key = uuid.NewString()
		logger.WithField("granted", key).Warn("Orphaned session belongs to another directory; granting a new key")
	}
	if err := store.SaveSession(key, label, fingerprint, pid); err != nil {
		r.logger.WithError(err).WithField("session", key).Warn("Failed to save session")
	}
	return key
}

// forward unwraps a relay_forward envelope, re-dispatches the inner frame
// with a fresh id and answers with a relay_response tagged with the outer id.
func (r *Registry) forward(from Connection, env *protocol.Message) {
	inner, err := protocol.DecodeForwarded(env)
	if err != nil {
		r.respond(from.ID, protocol.NewRelayResponse(env.RequestID, nil, err))
		return
	}

	r.mu.Lock()
	key := ""
	if conn, ok := r.relays[from.ID]; ok {
		conn.LastActivityAt = r.now()
		key = conn.SessionKey
	}
	r.mu.Unlock()

	if key != "" {
		if r.opts.Sessions != nil {
			if err := r.opts.Sessions.Touch(key); err != nil {
				r.logger.WithError(err).WithField("session", key).Debug("Session touch failed")
			}
		}
		if inner.SessionID == "" {
			inner.SessionID = key
		}
	}

	r.serve(from, env.RequestID, inner, protocol.TypeRelayResponse)
}

// serve dispatches inner to the terminals on behalf of a connection and
// writes the outcome back tagged with outerID.
func (r *Registry) serve(from Connection, outerID string, inner *protocol.Message, respType string) {
	resp, err := r.broadcast(r.ctx, inner, from.ID)
	if err == nil && resp != nil && resp.Error != nil {
		err = resp.Err()
	}

	var out *protocol.Message
	switch {
	case respType == protocol.TypeRelayResponse && resp != nil && resp.Error != nil:
		// Keep the terminal's own error body intact across the hop.
		out = protocol.NewRelayResponse(outerID, resp, nil)
	case respType == protocol.TypeRelayResponse:
		out = protocol.NewRelayResponse(outerID, resp, err)
	default:
		out = plainResponse(outerID, resp, err)
	}
	r.respond(from.ID, out)
}

func plainResponse(id string, resp *protocol.Message, err error) *protocol.Message {
	if resp != nil {
		out := resp.Clone()
		out.RequestID = id
		return out
	}
	return &protocol.Message{Type: protocol.TypeError, RequestID: id, Error: protocol.ErrorFrom(err)}
}

func (r *Registry) respond(connID string, msg *protocol.Message) {
	if err := r.Send(connID, msg); err != nil {
		r.logger.WithError(err).WithField("conn", connID).Debug("Dropping response for departed connection")
	}
}

func (r *Registry) reply(sock Socket, requestID string, err error) {
	msg := &protocol.Message{Type: protocol.TypeError, RequestID: requestID, Error: protocol.ErrorFrom(err)}
	if werr := sock.WriteMessage(msg); werr != nil {
		r.logger.WithError(werr).Debug("Failed to send error frame")
	}
}
