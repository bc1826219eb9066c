// Package ws bridges the telemetry event bus to WebSocket clients. Every
// envelope published on the bus channel is fanned out to connected
// dashboards; clients may narrow their feed to specific event types.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mfeltner/polysim/internal/domain"
)

const (
	// writeWait bounds each write to a client connection.
	writeWait = 10 * time.Second

	// pongWait is how long a client may go silent before its connection
	// is considered dead. pingPeriod must stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps incoming subscription frames.
	maxMessageSize = 4096

	// sendBufferSize is the per-client outgoing buffer. Slow clients drop
	// messages instead of stalling the broadcast loop.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is already origin-filtered by the CORS middleware; upgrades
	// accept any origin so local dashboards work without configuration.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config carries the run metadata included in the greeting sent to each
// client on connect.
type Config struct {
	Mode      string
	Strategy  string
	RunID     string
	Channel   string
	StartedAt time.Time
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = "unknown"
	}
	if strings.TrimSpace(c.Strategy) == "" {
		c.Strategy = "unknown"
	}
	if c.Channel == "" {
		c.Channel = "polysim:events"
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	return c
}

// broadcastMsg carries one bus message with its parsed event type so the
// hub can route it past client filters.
type broadcastMsg struct {
	eventType string
	data      []byte
}

// Hub owns the set of connected clients and the bus subscription.
type Hub struct {
	cfg Config
	bus domain.EventBus

	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a hub reading from the given bus.
func NewHub(bus domain.EventBus, cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:        cfg.withDefaults(),
		bus:        bus,
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run drives the hub until the context is cancelled: it subscribes to the
// bus, registers and unregisters clients, and fans messages out.
func (h *Hub) Run(ctx context.Context) error {
	go h.pump(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pump forwards bus messages into the broadcast loop.
func (h *Hub) pump(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", h.cfg.Channel),
			slog.String("error", err.Error()))
		return
	}
	h.logger.Info("subscribed to event bus", slog.String("channel", h.cfg.Channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("bus subscription closed")
				return
			}
			h.broadcast <- broadcastMsg{eventType: eventTypeOf(data), data: data}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.register <- c
	c.sendGreeting()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// eventTypeOf peeks at the envelope's type field. Unparseable payloads
// return an empty type and reach only unfiltered clients.
func eventTypeOf(data []byte) string {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return ""
	}
	return peek.Type
}

// client is one WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu sync.RWMutex
	// subs narrows the feed to the listed event types. nil means every
	// event; an emptied set after unsubscribes means none.
	subs map[string]bool
}

// subscribeMsg is the filter frame clients send:
//
//	{"subscribe":["fill","stats"],"unsubscribe":["book"]}
type subscribeMsg struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

func (c *client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs == nil {
		return true
	}
	return c.subs[eventType]
}

func (c *client) applyFilter(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(msg.Subscribe) > 0 {
		if c.subs == nil {
			c.subs = make(map[string]bool)
		}
		for _, t := range msg.Subscribe {
			c.subs[t] = true
		}
	}
	for _, t := range msg.Unsubscribe {
		delete(c.subs, t)
	}
}

// sendGreeting pushes a status frame so clients can mark the connection
// healthy before any market events flow.
func (c *client) sendGreeting() {
	uptime := int64(time.Since(c.hub.cfg.StartedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "status",
		"payload": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"strategy":       c.hub.cfg.Strategy,
			"run_id":         c.hub.cfg.RunID,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// readPump consumes filter frames until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil &&
			(len(msg.Subscribe) > 0 || len(msg.Unsubscribe) > 0) {
			c.applyFilter(msg)
		}
	}
}

// writePump sends queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
