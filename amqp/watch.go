package amqp

import (
	"sync"
)

// watch holds a single value of interest and lets any number of observers
// read the latest value together with a channel that is closed on the next
// update. Observers re-arm by calling get again after the channel fires,
// so a slow observer only ever sees the most recent value.
type watch[T any] struct {
	mu      sync.Mutex
	val     T
	changed chan struct{}
}

func newWatch[T any](initial T) *watch[T] {
	return &watch[T]{
		val:     initial,
		changed: make(chan struct{}),
	}
}

// get returns the current value and a channel closed on the next set.
func (w *watch[T]) get() (T, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.val, w.changed
}

// set stores a new value and wakes every observer.
func (w *watch[T]) set(val T) {
	w.mu.Lock()
	w.val = val
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}
