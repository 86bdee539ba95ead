// Package fanout delivers values to many subscribers. Slow subscribers skip
// values instead of blocking the publisher.
package fanout

import (
	"sync"

	"github.com/dj-oyu/sniper-watch/internal/logger"
)

// Hub fans values of type T out to subscriber channels.
type Hub[T any] struct {
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	buffer  int
	closed  bool
	dropped uint64
	log     *logger.Module
}

// New creates a hub whose subscriber channels hold buffer values.
func New[T any](name string, buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 2
	}
	return &Hub[T]{
		clients: make(map[int]chan T),
		buffer:  buffer,
		log:     logger.For(name),
	}
}

// Subscribe adds a new client and returns a channel for receiving values.
// The channel is closed by Unsubscribe or Close.
func (h *Hub[T]) Subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch

	h.log.Debug("Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *Hub[T]) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// Publish offers v to every client without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
			h.dropped++
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (h *Hub[T]) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
