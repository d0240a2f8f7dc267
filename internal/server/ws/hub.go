// Package ws pushes bus events to websocket clients. Clients subscribe to
// event types ("order.status", "risk.breach") or prefixes ("order.*").
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

	"github.com/alanyoungcy/venuecore/internal/domain"
	"github.com/alanyoungcy/venuecore/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// defaultSubscriptions apply to a client until it sends its own.
var defaultSubscriptions = []string{"*"}

// Hub tracks connected clients and fans events out to their subscriptions.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	mode      string
	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

var _ events.Sink = (*Hub)(nil)

// Config captures metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// AllowedOrigins restricts the upgrade; empty allows any origin.
	AllowedOrigins []string
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[string]bool
}

type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type envelope struct {
	Type    domain.EventType `json:"type"`
	ID      string           `json:"id,omitempty"`
	At      time.Time        `json:"at"`
	Payload any              `json:"payload"`
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	h := &Hub{
		clients:   make(map[*client]struct{}),
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: cfg.StartedAt,
		done:      make(chan struct{}),
	}
	origins := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(origins) == 0 || origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "ws" }

// Deliver implements events.Sink. Slow clients lose the message rather than
// stall the bus.
func (h *Hub) Deliver(_ context.Context, ev domain.Event) error {
	msg, err := json.Marshal(envelope{Type: ev.Type, ID: ev.ID, At: ev.At, Payload: ev.Payload})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(string(ev.Type)) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("type", string(ev.Type)))
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run blocks until ctx is done and then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return ctx.Err()
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	})
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, s := range defaultSubscriptions {
		c.subs[s] = true
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	c.sendStatus()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return false
	default:
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("clients", n))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		// An explicit subscription replaces the catch-all default.
		delete(c.subs, "*")
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

func (c *client) sendStatus() {
	msg, err := json.Marshal(envelope{
		Type: "hub_status",
		At:   time.Now().UTC(),
		Payload: map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
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

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
