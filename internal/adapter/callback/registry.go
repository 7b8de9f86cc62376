package callback

import (
	"context"
	"sync"

	"github.com/Strob0t/MediaBroker/internal/domain/event"
)

// Listener receives callback events for one listener key.
type Listener func(ctx context.Context, ev event.Callback)

// Registry dispatches callbacks to listeners registered in this process.
// Firing a key nobody listens on is a no-op.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string][]Listener)}
}

// Register adds l under listenerKey.
func (r *Registry) Register(listenerKey string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[listenerKey] = append(r.listeners[listenerKey], l)
}

// Fire calls every listener for listenerKey synchronously, in registration
// order.
func (r *Registry) Fire(ctx context.Context, listenerKey string, ev event.Callback) error {
	r.mu.RLock()
	ls := r.listeners[listenerKey]
	r.mu.RUnlock()

	for _, l := range ls {
		l(ctx, ev)
	}
	return nil
}
