package flowplug

import (
	"sync"
	"sync/atomic"
)

// Signals mirrors the engine's interrupt state. Long-running plugin code
// should poll it between units of work.
type Signals struct {
	interrupted atomic.Bool
}

// Trigger marks the interrupt as pending.
func (s *Signals) Trigger() {
	s.interrupted.Store(true)
}

// Reset clears a pending interrupt.
func (s *Signals) Reset() {
	s.interrupted.Store(false)
}

// Interrupted reports whether an interrupt is pending.
func (s *Signals) Interrupted() bool {
	return s.interrupted.Load()
}

// Check returns an error if an interrupt is pending, for use in processing
// loops that propagate errors.
func (s *Signals) Check(span Span) error {
	if s.Interrupted() {
		return NewLabeledError("operation interrupted").
			WithCode("interrupted").
			WithLabel("interrupted here", span)
	}
	return nil
}

// SignalHandler receives signal messages relayed from the engine. Handlers
// run synchronously on the reader goroutine, so they must not block.
type SignalHandler func(action SignalAction)

type registeredHandler struct {
	id int
	fn SignalHandler
}

// Handlers is a registry of signal handlers.
type Handlers struct {
	mu       sync.Mutex
	nextID   int
	handlers []registeredHandler
}

// Register adds a handler and returns a guard that removes it again.
func (h *Handlers) Register(fn SignalHandler) *HandlerGuard {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.handlers = append(h.handlers, registeredHandler{id: id, fn: fn})
	return &HandlerGuard{unregister: func() { h.remove(id) }}
}

func (h *Handlers) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, reg := range h.handlers {
		if reg.id == id {
			h.handlers = append(h.handlers[:i], h.handlers[i+1:]...)
			return
		}
	}
}

// Run invokes all registered handlers in registration order.
func (h *Handlers) Run(action SignalAction) {
	h.mu.Lock()
	snapshot := make([]registeredHandler, len(h.handlers))
	copy(snapshot, h.handlers)
	h.mu.Unlock()
	for _, reg := range snapshot {
		reg.fn(action)
	}
}

// HandlerGuard removes a signal handler when released. Safe to release more
// than once.
type HandlerGuard struct {
	once       sync.Once
	unregister func()
}

// Unregister removes the handler.
func (g *HandlerGuard) Unregister() {
	g.once.Do(g.unregister)
}
