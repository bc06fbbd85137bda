// Package events provides the subscribable progress stream the mesh manager
// emits sweep and lifecycle transitions on. The core treats events as
// opaque — it has no opinion on what a subscriber does with them (the
// append-only event log itself is an external collaborator).
package events

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one opaque progress notification.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub fans Event values out to any number of WebSocket subscribers. It never
// blocks a broadcaster: a full buffer drops the event and logs a warning,
// matching the teacher's MonitorHub.Broadcast non-blocking send.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub creates a hub with a 256-event broadcast buffer.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the hub's event loop. Call it in its own goroutine; it returns
// only when stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.WriteJSON(ev); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a subscriber connection.
func (h *Hub) Register(c *websocket.Conn) { h.register <- c }

// Unregister removes a subscriber connection.
func (h *Hub) Unregister(c *websocket.Conn) { h.unregister <- c }

// Emit broadcasts an event of the given type. Non-blocking.
func (h *Hub) Emit(eventType string, data any) {
	ev := Event{Type: eventType, Timestamp: time.Now(), Data: data}
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("events: buffer full, dropping %s event", eventType)
	}
}
