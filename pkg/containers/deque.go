package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Deque is a thread-safe unbounded FIFO queue. C receives a signal
// whenever an element is added, so that a consumer can block on it
// instead of polling.
type Deque[T any] struct {
	mu    sync.Mutex
	inner deque.Deque

	C chan struct{}
}

var _ Queue[int] = (*Deque[int])(nil)

// NewDeque creates a new Deque.
func NewDeque[T any]() *Deque[T] {
	return &Deque[T]{
		inner: deque.NewDeque(),
		C:     make(chan struct{}, 1),
	}
}

// Add appends an element to the back of the queue.
func (d *Deque[T]) Add(elem T) {
	d.mu.Lock()
	d.inner.PushBack(elem)
	d.mu.Unlock()

	select {
	case d.C <- struct{}{}:
	default:
	}
}

// Pop removes and returns the element at the front of the queue.
func (d *Deque[T]) Pop() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inner.Empty() {
		var noVal T
		return noVal, false
	}
	return d.inner.PopFront().(T), true
}

// Peek returns the element at the front of the queue without removing it.
func (d *Deque[T]) Peek() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inner.Empty() {
		var noVal T
		return noVal, false
	}
	return d.inner.Front().(T), true
}

// Size returns the number of queued elements.
func (d *Deque[T]) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.inner.Len()
}
