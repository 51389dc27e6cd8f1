package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	// The server binds to the local diagnostics address only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope frames every WebSocket message.
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ZoneMessage is the data of a "zone" envelope.
type ZoneMessage struct {
	Seq       uint64    `json:"seq"`
	Zone      int       `json:"zone"`
	State     string    `json:"state"`
	Pump      bool      `json:"pump"`
	CommandID string    `json:"command_id,omitempty"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Hub fans zone events out to connected WebSocket clients. It implements
// actuator.Observer. A client that falls behind loses messages.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log, clients: make(map[chan []byte]struct{})}
}

// ZoneChanged broadcasts ev without blocking.
func (h *Hub) ZoneChanged(ev actuator.ZoneEvent) {
	data, err := json.Marshal(envelope{Type: "zone", Data: ZoneMessage{
		Seq:       ev.Seq,
		Zone:      ev.Zone,
		State:     ev.State.String(),
		Pump:      ev.Pump,
		CommandID: ev.CommandID,
		Source:    ev.Source.String(),
		Reason:    ev.Reason,
		At:        ev.At.UTC(),
	}})
	if err != nil {
		h.log.Warnw("failed to marshal zone event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			h.log.Debugw("ws client behind, dropping zone event", "zone", ev.Zone)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

func (h *Hub) register() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, sendBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// wsConnect streams the status document once, then every zone event.
func (s *Server) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	send, ok := s.hub.register()
	if !ok {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	defer s.hub.unregister(send)

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(envelope{Type: "status", Data: s.document()}); err != nil {
		s.log.Debugw("ws initial write failed", "err", err)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case data, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debugw("ws write failed", "err", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
