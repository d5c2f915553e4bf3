package hub

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/metrics"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// ConfigSource supplies the persisted client configuration pushed to a
// subscriber on connect. Implemented by the client registry.
type ConfigSource interface {
	// ConfigPayload resolves the config for a durable key with remote-IP
	// fallback. Returns the sparse payload (non-null fields only), the
	// key the lookup resolved to, and whether anything was found.
	ConfigPayload(durableKey, remoteIP string) (map[string]interface{}, string, bool)

	// TouchLastSeen records subscriber activity for a key.
	TouchLastSeen(key string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Scoreboards connect from arbitrary LAN origins.
		return true
	},
}

// outbound is one queued broadcast.
type outbound struct {
	msgType    string
	payload    []byte
	raceID     string
	durableKey string // non-empty: only sessions with this durable key
	adminOnly  bool
}

// Hub maintains the set of active subscriber sessions and broadcasts
// envelopes to them.
type Hub struct {
	logger  logging.Logger
	metrics *metrics.Metrics
	configs ConfigSource

	register   chan *Session
	unregister chan *Session
	broadcast  chan outbound

	mu       sync.RWMutex
	sessions map[int64]*Session

	nextID  atomic.Int64
	stopped chan struct{}
	runDone chan struct{}
	stop    sync.Once
}

// NewHub creates a hub. configs may be nil in tests.
func NewHub(configs ConfigSource, m *metrics.Metrics, logger logging.Logger) *Hub {
	return &Hub{
		logger:     logger,
		metrics:    m,
		configs:    configs,
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan outbound, 256),
		sessions:   make(map[int64]*Session),
		stopped:    make(chan struct{}),
		runDone:    make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	defer close(h.runDone)
	for {
		select {
		case session := <-h.register:
			h.mu.Lock()
			h.sessions[session.ID] = session
			count := len(h.sessions)
			h.mu.Unlock()
			h.setSubscriberGauge(count)
			h.logger.WithFields(logging.Fields{
				"session_id":  session.ID,
				"remote_addr": session.RemoteAddr,
				"subscribers": count,
			}).Info("Subscriber connected")

		case session := <-h.unregister:
			h.dropSession(session)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.stopped:
			h.mu.Lock()
			for id, session := range h.sessions {
				delete(h.sessions, id)
				session.close()
			}
			h.mu.Unlock()
			h.setSubscriberGauge(0)
			return
		}
	}
}

// Stop closes every session and ends the run loop. Idempotent.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		close(h.stopped)
	})
	<-h.runDone
}

func (h *Hub) dropSession(session *Session) {
	h.mu.Lock()
	_, ok := h.sessions[session.ID]
	if ok {
		delete(h.sessions, session.ID)
	}
	count := len(h.sessions)
	h.mu.Unlock()
	if !ok {
		return
	}
	session.close()
	h.setSubscriberGauge(count)
	h.logger.WithFields(logging.Fields{
		"session_id":  session.ID,
		"subscribers": count,
	}).Info("Subscriber disconnected")
}

// deliver fans one message out, applying the per-session filter. Dead
// sessions (full buffer) are dropped lazily here.
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		if msg.durableKey != "" && session.DurableKey() != msg.durableKey {
			continue
		}
		if msg.adminOnly && !session.Admin {
			continue
		}
		if !session.Filter().allows(msg.msgType, msg.raceID) {
			continue
		}
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	for _, session := range targets {
		if !session.enqueue(msg.payload) {
			h.logger.WithField("session_id", session.ID).Warn("Subscriber send buffer full, dropping session")
			h.dropSession(session)
			continue
		}
		if h.metrics != nil {
			h.metrics.MessagesSent.WithLabelValues(msg.msgType).Inc()
		}
	}
}

// queue marshals and enqueues an envelope for delivery.
func (h *Hub) queue(env Envelope, raceID, durableKey string, adminOnly bool) {
	payload, err := marshalEnvelope(env)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal envelope")
		return
	}
	select {
	case h.broadcast <- outbound{msgType: env.Type, payload: payload, raceID: raceID, durableKey: durableKey, adminOnly: adminOnly}:
	default:
		// Dropped log entries must not log again: the log stream feeds
		// back into this queue.
		if env.Type != TypeLogEntry {
			h.logger.WithField("type", env.Type).Warn("Broadcast queue full, dropping message")
		}
	}
}

// Broadcast sends a data envelope to every session passing its filter.
// raceID is the filter key for Results envelopes; empty otherwise.
func (h *Hub) Broadcast(msgType string, data interface{}, raceID string) {
	h.queue(NewEnvelope(msgType, data), raceID, "", false)
}

// BroadcastXmlChange notifies every session that sections of the XML
// database changed; subscribers pull fresh projections over REST.
func (h *Hub) BroadcastXmlChange(sections []string, checksum string) {
	h.queue(NewEnvelope(TypeXmlChange, map[string]interface{}{
		"sections": sections,
		"checksum": checksum,
	}), "", "", false)
}

// BroadcastForceRefresh tells every session to hard-reload.
func (h *Hub) BroadcastForceRefresh(reason string) {
	data := map[string]interface{}{}
	if reason != "" {
		data["reason"] = reason
	}
	h.queue(NewEnvelope(TypeForceRefresh, data), "", "", false)
}

// BroadcastLogEntry streams one log entry to admin sessions.
func (h *Hub) BroadcastLogEntry(entry interface{}) {
	h.queue(NewEnvelope(TypeLogEntry, entry), "", "", true)
}

// PushConfigTo sends a ConfigPush to every session whose durable key
// matches. Returns the number of sessions notified.
func (h *Hub) PushConfigTo(key string, payload map[string]interface{}) int {
	env := NewEnvelope(TypeConfigPush, payload)
	data, err := marshalEnvelope(env)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal ConfigPush")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, 2)
	for _, session := range h.sessions {
		if session.DurableKey() == key {
			targets = append(targets, session)
		}
	}
	h.mu.RUnlock()

	notified := 0
	for _, session := range targets {
		if session.enqueue(data) {
			notified++
		} else {
			h.dropSession(session)
		}
	}
	return notified
}

// ForceRefreshKey sends a ForceRefresh to sessions matching the durable
// key. Returns the number of sessions notified.
func (h *Hub) ForceRefreshKey(key, reason string) int {
	data := map[string]interface{}{}
	if reason != "" {
		data["reason"] = reason
	}
	env := NewEnvelope(TypeForceRefresh, data)
	payload, err := marshalEnvelope(env)
	if err != nil {
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, 2)
	for _, session := range h.sessions {
		if session.DurableKey() == key {
			targets = append(targets, session)
		}
	}
	h.mu.RUnlock()

	notified := 0
	for _, session := range targets {
		if session.enqueue(payload) {
			notified++
		} else {
			h.dropSession(session)
		}
	}
	return notified
}

// Sessions lists the connected sessions for the control plane.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, session := range h.sessions {
		out = append(out, session.Info())
	}
	return out
}

// Session returns one session by id.
func (h *Hub) Session(id int64) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	session, ok := h.sessions[id]
	return session, ok
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeWS upgrades an HTTP request to a subscriber session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade websocket connection")
		return
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	// A stable identity token takes precedence over the remote IP.
	durableKey := r.URL.Query().Get("clientId")
	if durableKey == "" {
		durableKey = r.Header.Get("X-Client-Id")
	}
	if durableKey == "" {
		durableKey = remoteIP
	}

	admin := r.URL.Query().Get("admin") == "1" || r.URL.Query().Get("admin") == "true"

	session := &Session{
		ID:           h.nextID.Add(1),
		RemoteAddr:   r.RemoteAddr,
		RemoteIP:     remoteIP,
		ConnectedAt:  time.Now().UTC(),
		Admin:        admin,
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, 256),
		logger:       h.logger,
		filter:       DefaultFilter(),
		durableKey:   durableKey,
		lastActivity: time.Now(),
	}

	// A stopped hub no longer drains register; refuse the upgrade instead
	// of parking the handler goroutine.
	select {
	case h.register <- session:
	case <-h.stopped:
		conn.Close()
		return
	}

	go session.writePump()
	go session.readPump()

	h.welcome(session)
}

// welcome sends the Connected envelope and, when the registry has a config
// for the session's key, a ConfigPush with only the non-null fields.
func (h *Hub) welcome(session *Session) {
	connected := NewEnvelope(TypeConnected, map[string]interface{}{
		"sessionId": session.ID,
	})
	if payload, err := marshalEnvelope(connected); err == nil {
		session.enqueue(payload)
	}

	if h.configs == nil {
		return
	}
	payload, resolvedKey, ok := h.configs.ConfigPayload(session.DurableKey(), session.RemoteIP)
	if ok && len(payload) > 0 {
		env := NewEnvelope(TypeConfigPush, payload)
		if data, err := marshalEnvelope(env); err == nil {
			session.enqueue(data)
		}
	}
	h.configs.TouchLastSeen(resolvedKey)
}

func (h *Hub) setSubscriberGauge(count int) {
	if h.metrics != nil {
		h.metrics.Subscribers.WithLabelValues().Set(float64(count))
	}
}
