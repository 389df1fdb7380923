package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type eviction struct {
	sock   Socket
	id     string
	role   Role
	reason string
}

// CheckHeartbeats runs one heartbeat cycle. Terminals and callers that sent
// no application frame within the app-message timeout are evicted even if
// they still answer transport pings. Relays are evicted only after the idle
// TTL. Everything that survives is pinged again.
func (r *Registry) CheckHeartbeats() int {
	now := r.now()
	var evict []eviction
	var ping []Socket

	r.mu.Lock()
	for _, set := range []map[string]*Connection{r.terminals, r.callers} {
		for _, conn := range set {
			appStale := now.Sub(conn.LastAppMessageAt) > r.opts.AppMessageTimeout
			pingStale := now.Sub(conn.LastPingAt) > r.opts.HeartbeatTimeout
			switch {
			case appStale && pingStale:
				evict = append(evict, eviction{conn.socket, conn.ID, conn.Role, "heartbeat timeout"})
			case appStale:
				evict = append(evict, eviction{conn.socket, conn.ID, conn.Role,
					fmt.Sprintf("no application messages for %s", now.Sub(conn.LastAppMessageAt).Truncate(time.Second))})
			default:
				ping = append(ping, conn.socket)
			}
		}
	}
	for _, conn := range r.relays {
		switch {
		case now.Sub(conn.LastPingAt) > r.opts.HeartbeatTimeout:
			evict = append(evict, eviction{conn.socket, conn.ID, conn.Role, "heartbeat timeout"})
		case now.Sub(conn.LastActivityAt) > r.opts.RelayIdleTTL:
			evict = append(evict, eviction{conn.socket, conn.ID, conn.Role, "relay idle"})
		default:
			ping = append(ping, conn.socket)
		}
	}
	r.mu.Unlock()

	for _, e := range evict {
		r.logger.WithFields(logrus.Fields{"conn": e.id, "role": e.role, "reason": e.reason}).Warn("Evicting stale connection")
		_ = e.sock.Close(ClosePolicyViolation, e.reason)
		r.Unregister(e.sock)
	}
	for _, sock := range ping {
		if err := sock.Ping(); err != nil {
			r.logger.WithError(err).Debug("Ping failed")
		}
	}
	return len(evict)
}

// ExpireSessions deletes orphaned session records past expiry.
func (r *Registry) ExpireSessions() {
	if r.opts.Sessions == nil {
		return
	}
	n, err := r.opts.Sessions.ExpireStaleSessions()
	if err != nil {
		r.logger.WithError(err).Warn("Session expiry failed")
		return
	}
	if n > 0 {
		r.logger.WithField("expired", n).Info("Expired orphaned sessions")
	}
}

// Run drives the heartbeat and session cleanup cadences until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	cleanupInterval := r.opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	r.ExpireSessions()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-heartbeat.C:
			r.CheckHeartbeats()
		case <-cleanup.C:
			r.ExpireSessions()
		}
	}
}
