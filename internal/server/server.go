// Package server exposes the primary's two loopback listeners: the WebSocket
// endpoint shared by terminals and callers, and the HTTP status endpoint.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabrelay/internal/metrics"
	"github.com/grovetools/tabrelay/internal/registry"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// TerminalPath is the upgrade path for terminal peers. Every other path is a caller.
const TerminalPath = "/terminal"

// Status is the document served at /status.
type Status struct {
	PID         int                   `json:"pid"`
	Version     string                `json:"version"`
	Mode        string                `json:"mode"`
	SessionKey  string                `json:"sessionKey,omitempty"`
	StartedAt   time.Time             `json:"startedAt"`
	Uptime      string                `json:"uptime"`
	Counts      registry.Stats        `json:"counts"`
	Connections []registry.Connection `json:"connections,omitempty"`
	Recent      metrics.Summary       `json:"recent"`
}

// Options wires the server to the rest of the broker.
type Options struct {
	Registry *registry.Registry
	Status   func() Status
	Metrics  http.Handler
	Logger   *logrus.Entry
}

// Server runs the socket and status HTTP servers.
type Server struct {
	opts     Options
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	socketSrv *http.Server
	statusSrv *http.Server
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Terminals run inside the peer under their own origin; the
			// listener is loopback-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	socketMux := http.NewServeMux()
	socketMux.HandleFunc(TerminalPath, s.handleUpgrade(registry.RoleTerminal))
	socketMux.HandleFunc("/", s.handleUpgrade(registry.RoleCaller))
	s.socketSrv = &http.Server{Handler: socketMux, ReadHeaderTimeout: 10 * time.Second}

	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	statusMux.HandleFunc("/status", s.handleStatus)
	if opts.Metrics != nil {
		statusMux.Handle("/metrics", opts.Metrics)
	}
	s.statusSrv = &http.Server{
		Handler:           h2c.NewHandler(statusMux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve runs both servers on the elected listeners. It blocks until either
// server stops and returns the first error other than a clean shutdown.
func (s *Server) Serve(socketLn, statusLn net.Listener) error {
	errc := make(chan error, 2)
	go func() { errc <- s.socketSrv.Serve(socketLn) }()
	go func() { errc <- s.statusSrv.Serve(statusLn) }()

	s.logger.WithFields(logrus.Fields{
		"socket": socketLn.Addr().String(),
		"status": statusLn.Addr().String(),
	}).Info("Primary listening")

	err := <-errc
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections. Hijacked WebSocket connections are
// closed by the registry, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down listeners...")
	var result *multierror.Error
	if err := s.socketSrv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.statusSrv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) handleUpgrade(role registry.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Debug("Upgrade failed")
			return
		}
		go s.readLoop(conn, role)
	}
}

// readLoop owns one connection for its lifetime.
func (s *Server) readLoop(conn *websocket.Conn, role registry.Role) {
	reg := s.opts.Registry
	sock := newSocket(conn)

	conn.SetPongHandler(func(string) error {
		reg.TouchPing(sock)
		return nil
	})

	reg.Register(sock, role)
	defer func() {
		reg.Unregister(sock)
		sock.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Connection read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		reg.Handle(sock, data)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.opts.Status())
}
