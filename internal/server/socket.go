package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabrelay/pkg/protocol"
)

const writeWait = 10 * time.Second

// wsSocket adapts a gorilla connection to registry.Socket. Gorilla allows one
// concurrent writer, so every write goes through mu.
type wsSocket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) WriteMessage(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}
