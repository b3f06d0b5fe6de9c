package flowplug

import (
	"errors"
	"sync"
)

// Waitable is a write-once cell. Readers can poll with TryGet or block in Get
// until the single Set happens. Used for the negotiated ProtocolInfo, which
// the reader loop sets exactly once during the handshake.
type Waitable[T any] struct {
	mu    sync.Mutex
	cond  sync.Cond
	set   bool
	value T
}

// NewWaitable creates an empty cell.
func NewWaitable[T any]() *Waitable[T] {
	w := &Waitable[T]{}
	w.cond.L = &w.mu
	return w
}

// Set stores the value and wakes all waiters. It fails if the cell was
// already set.
func (w *Waitable[T]) Set(value T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set {
		return errors.New("waitable value already set")
	}
	w.value = value
	w.set = true
	w.cond.Broadcast()
	return nil
}

// IsSet reports whether the cell has been set.
func (w *Waitable[T]) IsSet() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.set
}

// TryGet returns the value if it has been set.
func (w *Waitable[T]) TryGet() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.set
}

// Get blocks until the value has been set and returns it.
func (w *Waitable[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.set {
		w.cond.Wait()
	}
	return w.value
}
