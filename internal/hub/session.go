package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 16 * 1024
)

// Session is one connected scoreboard subscriber. Its lifetime is the
// underlying websocket connection.
type Session struct {
	ID          int64
	RemoteAddr  string
	RemoteIP    string
	ConnectedAt time.Time
	Admin       bool

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	mu           sync.Mutex
	filter       Filter
	clientState  map[string]interface{}
	durableKey   string
	lastActivity time.Time
	closed       bool
}

// SessionInfo is the control-plane view of a session.
type SessionInfo struct {
	ID           int64                  `json:"id"`
	RemoteAddr   string                 `json:"remoteAddr"`
	ConnectedAt  time.Time              `json:"connectedAt"`
	LastActivity time.Time              `json:"lastActivity"`
	DurableKey   string                 `json:"durableKey"`
	Filter       Filter                 `json:"filter"`
	ClientState  map[string]interface{} `json:"clientState,omitempty"`
	Admin        bool                   `json:"admin,omitempty"`
}

// Info snapshots the session for the control plane.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.ID,
		RemoteAddr:   s.RemoteAddr,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
		DurableKey:   s.durableKey,
		Filter:       s.filter,
		ClientState:  s.clientState,
		Admin:        s.Admin,
	}
}

// DurableKey returns the session's durable client key.
func (s *Session) DurableKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durableKey
}

// Filter returns the session's current filter.
func (s *Session) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// SetFilter replaces the session's filter.
func (s *Session) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// enqueue offers a payload to the session's outbound channel. Reports
// false when the session is closed or the buffer is full, which marks the
// session dead. The send happens under the session lock so a concurrent
// close can never turn it into a send on a closed channel.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// close shuts the outbound channel down once. Callers race with enqueue
// from broadcast and config-push paths; the lock plus the closed flag keep
// the close ordered after any in-flight send.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// readPump consumes subscriber messages until the connection drops. The
// only recognized inbound variant is ClientState; malformed messages are
// ignored.
func (s *Session) readPump() {
	defer func() {
		// A stopped hub no longer drains unregister.
		select {
		case s.hub.unregister <- s:
		case <-s.hub.stopped:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.WithError(err).WithField("session_id", s.ID).Debug("Subscriber connection error")
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.lastActivity = time.Now()
		if msg.Type == "ClientState" && msg.Data != nil {
			s.clientState = msg.Data
		}
		s.mu.Unlock()
	}
}

// writePump drains the outbound channel to the connection, batching
// queued payloads and keeping the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
