package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names an auth state change.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
)

// Event is an auth state change notification.
type Event struct {
	Type      EventType `json:"type"`
	UserID    uuid.UUID `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans auth events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

// handlerSet is the subscriber registry shared by bus implementations.
type handlerSet struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
}

func (h *handlerSet) add(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[int]func(Event))
	}
	id := h.next
	h.next++
	h.handlers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlerSet) dispatch(evt Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// MemoryBus delivers events in-process. Handlers run on the publisher's
// goroutine.
type MemoryBus struct {
	handlers handlerSet
}

// NewMemoryBus creates a MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers evt to every current subscriber.
func (b *MemoryBus) Publish(_ context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.handlers.dispatch(evt)
	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (b *MemoryBus) Subscribe(fn func(Event)) func() {
	return b.handlers.add(fn)
}
