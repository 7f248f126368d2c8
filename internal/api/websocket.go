package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	heartbeatEvery = 30 * time.Second
	pongWait       = 60 * time.Second
	pingEvery      = 54 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Envelope is the wire format of every WebSocket frame.
type Envelope struct {
	Type      string          `json:"type"` // event, heartbeat, subscribe, unsubscribe
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Hub fans agent events out to connected WebSocket clients. Its Publish
// method lets the control loop push events without knowing about clients.
type Hub struct {
	logger     *zap.Logger
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates a WebSocket hub. Run must be called for it to deliver.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger.Named("ws"),
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Publish broadcasts an agent event to all subscribed clients. It never
// blocks; frames are dropped when the broadcast queue is full.
func (h *Hub) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal event payload", zap.String("event", event), zap.Error(err))
		return
	}

	frame, err := json.Marshal(Envelope{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal event frame", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
		h.logger.Warn("Event queue full, dropping frame", zap.String("event", event))
	}
}

// Run delivers frames to clients until Close is called.
func (h *Hub) Run() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Client connected", zap.String("id", client.id))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Debug("Client disconnected", zap.String("id", client.id))

		case frame := <-h.broadcast:
			var envelope Envelope
			if err := json.Unmarshal(frame, &envelope); err != nil {
				continue
			}
			for client := range h.clients {
				if !client.wants(envelope.Event) {
					continue
				}
				select {
				case client.send <- frame:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}

		case <-ticker.C:
			h.sendHeartbeat()

		case <-h.done:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// Close stops the hub and disconnects all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) sendHeartbeat() {
	frame, _ := json.Marshal(Envelope{
		Type:      "heartbeat",
		Timestamp: time.Now().UnixMilli(),
	})
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
		}
	}
}

// wsClient is a single WebSocket connection.
type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool // empty means all events
}

func newClient(id string, hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 64),
		subs: make(map[string]bool),
	}
}

func (c *wsClient) wants(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[event]
}

func (c *wsClient) subscribe(event string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[event] = true
	} else {
		delete(c.subs, event)
	}
}

// readPump consumes subscribe/unsubscribe frames from the client.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.hub.logger.Warn("Invalid WebSocket frame", zap.String("client", c.id), zap.Error(err))
			continue
		}

		switch envelope.Type {
		case "subscribe":
			c.subscribe(envelope.Event, true)
		case "unsubscribe":
			c.subscribe(envelope.Event, false)
		}
	}
}

// writePump forwards hub frames to the connection and keeps it alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
