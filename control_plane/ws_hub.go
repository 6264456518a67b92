package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/llathrop/ansible-fleet/control_plane/events"
	"github.com/llathrop/ansible-fleet/control_plane/observability"
)

const maxWSConnections = 200

// EventHub manages WebSocket connections and broadcasts fleet events to
// them. It doubles as an events.Publisher so the schedule manager and
// router publish straight into connected dashboards.
type EventHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan events.Event
	mu         sync.RWMutex
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan events.Event, 64),
	}
}

// Run is the hub's main loop. Single broadcaster, so slow clients never
// interleave writes.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client unregistered. Total: %d", total)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *EventHub) broadcastEvent(event events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements events.Publisher. A full broadcast buffer drops the
// event rather than blocking the caller.
func (h *EventHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
		return err
	}
	event := events.Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    "control-plane",
	}
	select {
	case h.broadcast <- event:
		return nil
	default:
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
		log.Printf("Event dropped for topic %s: broadcast buffer full", topic)
		return nil
	}
}

func (h *EventHub) Close() error {
	return nil
}
