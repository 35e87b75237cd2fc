// Package wshub pushes sync-status transitions to local UI clients over a
// WebSocket, so the offline banner can react without polling.
package wshub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tallyup/offline/internal/logging"
	"github.com/tallyup/offline/internal/status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only the embedding app's local UI may connect.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Event types pushed to clients.
const (
	EventStatusChanged = "status.changed"
	EventBannerChanged = "banner.changed"
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one connected UI surface.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	hub  *Hub
}

// Hub maintains active connections and fans status changes out to them.
type Hub struct {
	log *logging.Logger

	mu      sync.RWMutex
	clients map[string]*client

	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	stop       chan struct{}

	lastBanner status.Banner
	detach     func()
}

// NewHub creates a hub and starts its fan-out loop.
func NewHub() *Hub {
	h := &Hub{
		log:        logging.Get(),
		clients:    make(map[string]*client),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Attach subscribes the hub to a status store. Every change broadcasts a
// status event; banner transitions additionally broadcast a banner event.
func (h *Hub) Attach(store *status.Store) {
	h.lastBanner = store.Banner()
	h.detach = store.Subscribe(func(snap status.Snapshot) {
		h.Broadcast(EventStatusChanged, map[string]interface{}{
			"is_online":         snap.Online,
			"is_syncing":        snap.Syncing,
			"pending_mutations": len(snap.Pending),
			"failed_mutations":  len(snap.Failed),
		})

		banner := snap.Banner()
		h.mu.Lock()
		changed := banner != h.lastBanner
		h.lastBanner = banner
		h.mu.Unlock()
		if changed {
			h.Broadcast(EventBannerChanged, map[string]interface{}{
				"banner": string(banner),
			})
		}
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	env := Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- env:
	default:
		h.log.Warn("status broadcast dropped, hub backlogged", map[string]interface{}{
			"type": eventType,
		})
	}
}

// Close detaches from the status store and disconnects clients.
func (h *Hub) Close() {
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	close(h.stop)
}

// run manages client connections and fan-out.
func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws client connected", map[string]interface{}{
				"client": c.id, "total": total,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- env:
				default:
					// Slow consumer; it reconnects and resyncs from a
					// fresh snapshot.
				}
			}
			h.mu.RUnlock()

		case <-h.stop:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan Envelope, 32),
		hub:  h,
	}
	h.register <- c

	go c.writeLoop()
	go c.readLoop()
}

// writeLoop pushes queued envelopes to the connection.
func (c *client) writeLoop() {
	defer c.conn.Close()
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// readLoop discards client messages; it exists to detect disconnects.
func (c *client) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
