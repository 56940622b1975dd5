package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AppSecHQ/arch/internal/common/logger"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the bus binds to loopback, which is the trust boundary
		return true
	},
}

// Hub fans snapshots out to every connected dashboard renderer.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	log        *logger.Logger
}

// NewHub creates a Hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		log:        log.WithFields(zap.String("component", "dashboard-hub")),
	}
}

// Run drains the hub's channels until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*wsClient]bool)
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			clients[c] = true
		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
			}
		case data := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- data:
				default:
					// a slow renderer drops frames, it never blocks the hub
				}
			}
		}
	}
}

// Broadcast pushes a snapshot to every connected client. Drops the
// frame if the hub's queue is full — the poller produces another one
// two seconds later.
func (h *Hub) Broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Warn("could not encode dashboard snapshot", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// HandleUpgrade upgrades an HTTP request to a websocket and attaches it
// to the hub; registered on the bus engine by the orchestrator.
func (h *Hub) HandleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("dashboard websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// wsClient is one connected renderer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump exists only to notice the peer going away; the dashboard
// never sends data over the socket (answers arrive via the HTTP route).
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
