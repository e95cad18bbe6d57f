package session

import "sync"

// history keeps the most recent entries in a fixed-capacity ring. It is safe
// for concurrent use.
type history[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest entry
}

func newHistory[T any](capacity int) *history[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &history[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// add appends v, overwriting the oldest entry when full
func (h *history[T]) add(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data[h.head] = v
	h.head = (h.head + 1) % h.capacity

	if h.size < h.capacity {
		h.size++
	} else {
		h.tail = (h.tail + 1) % h.capacity
	}
}

// recent returns up to n of the newest entries, oldest first
func (h *history[T]) recent(n int) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}

	result := make([]T, n)
	pos := (h.head - n + h.capacity) % h.capacity
	for i := 0; i < n; i++ {
		result[i] = h.data[pos]
		pos = (pos + 1) % h.capacity
	}
	return result
}

// all returns every retained entry in chronological order
func (h *history[T]) all() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}

	result := make([]T, h.size)
	current := h.tail
	for i := 0; i < h.size; i++ {
		result[i] = h.data[current]
		current = (current + 1) % h.capacity
	}
	return result
}

func (h *history[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}
