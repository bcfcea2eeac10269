package notify

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Session wraps a websocket connection with a write mutex, since gorilla
// connections allow only one concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error { return s.conn.Close() }

// ReadJSON blocks for the next client message. Only the connection's owning
// read loop calls this.
func (s *Session) ReadJSON(v interface{}) error { return s.conn.ReadJSON(v) }
