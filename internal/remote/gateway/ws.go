package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherd-dev/tetherd/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the inbound client frame.
type wsMessage struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId,omitempty"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// handleWebSocket authenticates before the upgrade. A bad token tears the
// connection down at the socket level: hijack and close, no HTTP response,
// so an attacker learns nothing about the route.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	device := g.auth.Authenticate(bearerToken(r))
	if device == nil {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		gateway:  g,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		deviceID: device.ID,
	}
	g.hub.add(c)

	c.enqueueJSON(map[string]any{
		"type":      "ready",
		"deviceId":  device.ID,
		"timestamp": time.Now().UnixMilli(),
	})

	go c.writePump()
	go c.readPump()
}

// hub tracks live connections and fans broadcast events out to them.
type hub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub(logger *log.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// broadcast serializes the event once and delivers it to every connection
// whose session filter matches. Clients whose send buffer is full are
// pruned in-line rather than by a background sweep.
func (h *hub) broadcast(env eventbus.Envelope) {
	frame, err := json.Marshal(map[string]any{
		"type": "event",
		"event": map[string]any{
			"topic":   env.Topic,
			"source":  env.Source,
			"payload": env.Payload,
		},
		"timestamp": env.Timestamp.UnixMilli(),
	})
	if err != nil {
		h.logger.Printf("serialize event: %v", err)
		return
	}

	sessionID := env.SessionID()

	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		if !c.wantsSession(sessionID) {
			continue
		}
		if !c.enqueue(frame) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range stale {
		c.close()
	}
}

// closeDevice force-closes all connections owned by a device.
func (h *hub) closeDevice(deviceID string) {
	h.mu.Lock()
	var victims []*client
	for c := range h.clients {
		if c.deviceID == deviceID {
			victims = append(victims, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	victims := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		victims = append(victims, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
}

// client is one live WebSocket connection.
type client struct {
	gateway  *Gateway
	conn     *websocket.Conn
	send     chan []byte
	deviceID string

	mu            sync.Mutex
	sessionFilter string

	closed atomic.Bool
}

// wantsSession reports whether a broadcast for sessionID should reach this
// client. Events without a session always match; a connection without a
// filter sees everything.
func (c *client) wantsSession(sessionID string) bool {
	if sessionID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionFilter == "" || c.sessionFilter == sessionID
}

func (c *client) setSessionFilter(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionFilter = sessionID
}

// enqueue hands a frame to the write pump without blocking. Returns false
// for a closed client or a full buffer, which marks it for pruning.
func (c *client) enqueue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) enqueueJSON(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		c.close()
	}
}

// close marks the client dead and closes the socket. The send channel is
// never closed; both pumps exit through connection errors, so a racing
// enqueue can never hit a closed channel.
func (c *client) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.gateway.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueueJSON(map[string]any{"type": "error", "error": "invalid message"})
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *client) handleMessage(msg wsMessage) {
	switch msg.Type {
	case "ping":
		c.enqueueJSON(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
	case "subscribe":
		c.setSessionFilter(msg.SessionID)
		c.enqueueJSON(map[string]any{"type": "subscribed", "sessionId": msg.SessionID})
	case "send_message":
		if err := c.gateway.sessions.SendMessage(msg.SessionID, msg.Content, msg.Attachments); err != nil {
			c.enqueueJSON(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		c.enqueueJSON(map[string]any{"type": "ack", "sessionId": msg.SessionID})
	case "stop_generation":
		if err := c.gateway.sessions.StopGeneration(msg.SessionID); err != nil {
			c.enqueueJSON(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		c.enqueueJSON(map[string]any{"type": "ack", "sessionId": msg.SessionID})
	default:
		c.enqueueJSON(map[string]any{"type": "error", "error": "unknown message type"})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
