package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/internal/infrastructure/logging"
)

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"

	frameError = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WebSocket defaults applied when the configuration leaves them unset.
const (
	defaultMaxMessageSize = 64 * 1024
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
)

// ClientFrame is a control or publish frame sent by a client.
type ClientFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message,omitempty"`
}

// errorFrame reports a rejected client frame. It carries no channel, so
// channel-oriented clients drop it.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Hub manages WebSocket connections and their channel subscriptions.
type Hub struct {
	logger         *logging.Logger
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration

	// publish handles publish frames. It defaults to a hub-local broadcast.
	publish func(channel string, message json.RawMessage)

	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	subject       string
	mu            sync.RWMutex
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	h := &Hub{
		logger:         logger,
		maxMessageSize: int64(cfg.MaxMessageSize),
		pingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		pongTimeout:    time.Duration(cfg.PongTimeout) * time.Second,
		clients:        make(map[*WSClient]struct{}),
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = defaultMaxMessageSize
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = defaultPongTimeout
	}
	h.publish = func(channel string, message json.RawMessage) {
		frame, err := json.Marshal(outboundFrame{Channel: channel, Message: message})
		if err != nil {
			return
		}
		h.Broadcast(channel, frame)
	}
	return h
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", client.subject, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast queues an encoded frame for every client subscribed to channel
// and returns the number of recipients. Slow clients with a full buffer
// miss the frame.
func (h *Hub) Broadcast(channel string, frame []byte) int {
	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(frame)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.clients {
		if client.isSubscribed(channel) {
			n++
		}
	}
	return n
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// Authentication, when enabled, has already been checked by withAuth.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := subject(r.Context())
	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		subject:       sub,
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump reads frames from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	h := c.hub
	c.conn.SetReadLimit(h.maxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			} else {
				h.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame keeps the connection alive.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))
		c.handleFrame(message)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *WSClient) writePump() {
	h := c.hub
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(h.pongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(h.pongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame applies one client frame.
func (c *WSClient) handleFrame(data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError("invalid JSON frame")
		return
	}
	if frame.Channel == "" {
		c.sendError("channel is required")
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		c.mu.Lock()
		c.subscriptions[frame.Channel] = struct{}{}
		c.mu.Unlock()
		c.hub.logger.Debug("websocket client subscribed", "channel", frame.Channel)
	case FrameUnsubscribe:
		c.mu.Lock()
		delete(c.subscriptions, frame.Channel)
		c.mu.Unlock()
	case FramePublish:
		c.hub.publish(frame.Channel, frame.Message)
	default:
		c.sendError("unknown frame type: " + frame.Type)
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) sendError(message string) {
	data, err := json.Marshal(errorFrame{Type: frameError, Message: message})
	if err != nil {
		return
	}
	c.trySend(data)
}
