package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkwatch/linkwatch/pkg/models"
)

const (
	sessionBuffer = 32
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Hub broadcasts alert events to connected operator websocket sessions.
// A session that cannot keep up has events dropped, not the hub blocked.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}

	// Stats
	eventsSent    uint64
	eventsDropped uint64
}

type session struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operator auth happens upstream; the hub only pushes events.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and streams alert events until the peer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	s := &session{conn: conn, send: make(chan []byte, sessionBuffer)}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	log.Printf("Operator session connected (%d active)", n)

	go h.writeLoop(s)
	h.readLoop(s)
}

// Broadcast encodes one event and queues it to every connected session.
func (h *Hub) Broadcast(ev models.AlertEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Encoding alert event failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		select {
		case s.send <- payload:
			atomic.AddUint64(&h.eventsSent, 1)
		default:
			atomic.AddUint64(&h.eventsDropped, 1)
		}
	}
}

// SessionCount returns the number of connected operator sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Stats returns hub counters for the periodic stats log line.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sessions":       h.SessionCount(),
		"events_sent":    atomic.LoadUint64(&h.eventsSent),
		"events_dropped": atomic.LoadUint64(&h.eventsDropped),
	}
}

// Close disconnects all sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		close(s.send)
		delete(h.sessions, s)
	}
}

func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains the connection so pings/pongs and close frames are
// processed, and unregisters the session when the peer goes away.
func (h *Hub) readLoop(s *session) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.sessions[s]; ok {
			close(s.send)
			delete(h.sessions, s)
		}
		n := len(h.sessions)
		h.mu.Unlock()
		s.conn.Close()
		log.Printf("Operator session disconnected (%d active)", n)
	}()

	s.conn.SetPongHandler(func(string) error { return nil })
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
