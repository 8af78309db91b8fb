package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel capacity given to subscribers that ask for none
const DefaultBuffer = 64

// Hub fans messages out to per-key subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the message.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription[T]]struct{}
	dropped atomic.Int64
}

// Subscription receives messages published under one key
type Subscription[T any] struct {
	C <-chan T

	ch   chan T
	key  string
	hub  *Hub[T]
	once sync.Once
}

// New creates an empty hub
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscriber for key. buffer <= 0 uses DefaultBuffer.
func (h *Hub[T]) Subscribe(key string, buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)
	s := &Subscription[T]{C: ch, ch: ch, key: key, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription[T]]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers msg to every subscriber of key and returns how many received it
func (h *Hub[T]) Publish(key string, msg T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.subs[key] {
		select {
		case s.ch <- msg:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns the number of live subscribers for key
func (h *Hub[T]) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Dropped is the number of messages lost to full buffers
func (h *Hub[T]) Dropped() int64 {
	return h.dropped.Load()
}

// CloseKey closes every subscription of key, ending their ranges
func (h *Hub[T]) CloseKey(key string) {
	h.mu.Lock()
	set := h.subs[key]
	delete(h.subs, key)
	h.mu.Unlock()
	for s := range set {
		s.once.Do(func() { close(s.ch) })
	}
}

// Close removes the subscription and closes its channel. Safe to call twice.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	if set, ok := s.hub.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.hub.subs, s.key)
		}
	}
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
