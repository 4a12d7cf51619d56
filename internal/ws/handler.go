package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/infrastructure/monitoring"
	"github.com/nexus-runtime/bridge/internal/shared/id"
	"github.com/nexus-runtime/bridge/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
	maxInbound = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message types
const (
	TypeSystem    = "system"
	TypeResult    = "result"
	TypeExpired   = "expired"
	TypeCancelled = "cancelled"
	TypePong      = "pong"
	TypeError     = "error"
)

// Message is what clients receive on the stream
type Message struct {
	Type         string        `json:"type"`
	SuspensionID string        `json:"suspensionId,omitempty"`
	PanelID      string        `json:"panelId,omitempty"`
	Result       *types.Result `json:"result,omitempty"`
	Message      string        `json:"message,omitempty"`
	Timestamp    int64         `json:"timestamp"`
}

// inbound is what clients send: {"type":"subscribe","panelId":"..."} or
// {"type":"ping"}
type inbound struct {
	Type    string `json:"type"`
	PanelID string `json:"panelId"`
}

type client struct {
	id   id.ConnectionID
	conn *websocket.Conn
	send chan Message

	mu    sync.RWMutex
	panel string
}

func (c *client) wants(panelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.panel == "" || c.panel == panelID
}

// Hub fans final results of background executions out to stream clients
type Hub struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *zap.Logger, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		logger:  logger.Named("ws"),
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client subscribed to its panel. Clients
// that cannot keep up are disconnected.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.wants(msg.PanelID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow stream client", zap.String("connection_id", c.id.String()))
		h.remove(c)
	}
}

// HandleConnection upgrades the request and serves the stream
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:    id.NewConnectionID(),
		conn:  conn,
		send:  make(chan Message, sendBuffer),
		panel: c.Query("panelId"),
	}
	cl.send <- Message{Type: TypeSystem, Message: "connected", Timestamp: time.Now().Unix()}
	if !h.add(cl) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.writePump(cl)
	h.readPump(cl)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	h.logger.Debug("stream client connected", zap.String("connection_id", c.id.String()))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.DecWSConnections()
	}
	h.logger.Debug("stream client disconnected", zap.String("connection_id", c.id.String()))
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		var reply Message
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			c.panel = msg.PanelID
			c.mu.Unlock()
			reply = Message{Type: TypeSystem, PanelID: msg.PanelID, Message: "subscribed"}
		case "ping":
			reply = Message{Type: TypePong}
		default:
			reply = Message{Type: TypeError, Message: "unknown message type"}
		}
		reply.Timestamp = time.Now().Unix()
		if !h.offer(c, reply) {
			return
		}
	}
}

// offer queues a direct reply; false when the client is gone or stuck
func (h *Hub) offer(c *client, msg Message) (ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, live := h.clients[c]; !live {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordWSMessage("out", msg.Type)
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
