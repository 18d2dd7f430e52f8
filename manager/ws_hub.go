package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelcloud/kestrel/manager/observability"
)

const maxFeedConnections = 200

// TransitionEvent is one applied state transition as shown on the feed.
type TransitionEvent struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	JobID        string `json:"job_id,omitempty"`
}

// FeedHub manages websocket connections and broadcasts applied transitions
// to operator dashboards. Single broadcaster goroutine; a slow or dead
// client never blocks reconciliation.
type FeedHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan TransitionEvent
	mu         sync.RWMutex
}

func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan TransitionEvent, 256),
	}
}

// Run starts the hub's main loop.
func (h *FeedHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxFeedConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[FEED] connection rejected: max connections (%d) reached", maxFeedConnections)
				continue
			}
			h.clients[conn] = true
			observability.FeedClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			observability.FeedClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Broadcast queues an event for the feed. Never blocks: when the buffer is
// full the event is dropped; the feed is best effort.
func (h *FeedHub) Broadcast(ev TransitionEvent) {
	select {
	case h.events <- ev:
	default:
	}
}

func (h *FeedHub) broadcast(ev TransitionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("[FEED] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *FeedHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *FeedHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *FeedHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}
