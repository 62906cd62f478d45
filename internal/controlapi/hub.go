package controlapi

import (
	"sync"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// Hub maintains the set of stream subscribers and broadcasts events to them.
type Hub struct {
	clients    map[*streamClient]bool
	broadcast  chan *Event
	register   chan *streamClient
	unregister chan *streamClient
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
	logger     *logger.Logger
}

// NewHub creates a hub. Run must be started before subscribers connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		quit:       make(chan struct{}),
		logger:     logger.Global().WithPrefix("stream"),
	}
}

// Run dispatches until Stop is called.
func (h *Hub) Run() {
	h.logger.Debug("hub started")
	defer h.logger.Debug("hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("subscriber %s registered", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("subscriber %s unregistered", client.id)

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					h.logger.Warn("subscriber %s is too slow, disconnecting", client.id)
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop terminates Run and disconnects every subscriber.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// add registers a subscriber. It fails once the hub is stopped.
func (h *Hub) add(c *streamClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) remove(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Broadcast queues event for every subscriber. Output events wait for room in the
// queue so no partial output is skipped; progress and status events are dropped when
// the queue is full. A subscriber too slow to keep up is disconnected, never skipped.
func (h *Hub) Broadcast(event *Event) {
	if event.Type == EventOutput {
		select {
		case h.broadcast <- event:
		case <-h.quit:
		}
		return
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping %s event", event.Type)
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
