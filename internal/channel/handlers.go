package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a custom step action.
type Handler interface {
	Handle(ctx context.Context, msg Message) (Receipt, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (Receipt, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

// HandlerRegistry maps custom action names to handlers. Safe for concurrent
// use after start-up registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same name twice is a wiring bug
// and panics.
func (r *HandlerRegistry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("channel: handler %q already registered", name))
	}
	r.handlers[name] = h
}

// Get returns the handler registered under name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
