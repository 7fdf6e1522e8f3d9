package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ProgressEvent is pushed to WebSocket subscribers while a batch run
// resolves patients.
type ProgressEvent struct {
	RunID     string    `json:"run_id,omitempty"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Finished  bool      `json:"finished"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressHub fans batch progress out to connected WebSocket clients.
// All operations are thread-safe via sync.RWMutex.
type ProgressHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	log     *logrus.Logger
}

// NewProgressHub creates an empty hub.
func NewProgressHub(log *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		clients: make(map[*websocket.Conn]struct{}),
		log:     log,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle upgrades the request and keeps the connection registered until the
// client goes away.
func (h *ProgressHub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	h.register(conn)
	defer h.unregister(conn)

	// Drain control frames; the feed is one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ProgressHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *ProgressHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast sends one progress event to every connected client. Clients
// whose writes fail are dropped.
func (h *ProgressHub) Broadcast(event ProgressEvent) {
	event.Timestamp = time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(event); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
