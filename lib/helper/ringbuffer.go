package helper

import (
	"sync"
)

// RingBuffer keeps the most recent size values, overwriting the oldest.
// It is safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	buf   []T
	next  int
	count int
}

// NewRingBuffer creates a ring buffer holding at most size values.
// A size below one is raised to one.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

// Add inserts value, overwriting the oldest element if the buffer is full.
func (rb *RingBuffer[T]) Add(value T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.add(value)
}

func (rb *RingBuffer[T]) add(value T) {
	rb.buf[rb.next] = value
	rb.next = (rb.next + 1) % len(rb.buf)
	if rb.count < len(rb.buf) {
		rb.count++
	}
}

// AddNonDuplicate inserts value unless isEqual reports it equal to the
// most recently added element. It returns true when the value was stored.
func (rb *RingBuffer[T]) AddNonDuplicate(value T, isEqual func(T, T) bool) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count > 0 {
		last := (rb.next + len(rb.buf) - 1) % len(rb.buf)
		if isEqual(value, rb.buf[last]) {
			return false
		}
	}
	rb.add(value)
	return true
}

// GetAllFIFO returns the contents oldest first.
func (rb *RingBuffer[T]) GetAllFIFO() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]T, 0, rb.count)
	start := rb.next + len(rb.buf) - rb.count
	for i := 0; i < rb.count; i++ {
		out = append(out, rb.buf[(start+i)%len(rb.buf)])
	}
	return out
}

// GetAllLIFO returns the contents newest first.
func (rb *RingBuffer[T]) GetAllLIFO() []T {
	out := rb.GetAllFIFO()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clear drops all elements.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.buf {
		rb.buf[i] = zero
	}
	rb.next = 0
	rb.count = 0
}

// Len returns the current number of elements in the buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}
