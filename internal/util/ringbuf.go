package util

import "sync"

// RingBuffer keeps the newest items up to a fixed capacity. The chat log
// uses it for notice dedup and the shell for its log tail.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	full bool
}

// NewRingBuffer returns a buffer holding at most capacity items (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, max(capacity, 1))}
}

// Push stores item, evicting the oldest one once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = item
	r.next++
	if r.next == len(r.buf) {
		r.next, r.full = 0, true
	}
}

// walk visits items oldest first until fn returns false. Callers hold mu.
func (r *RingBuffer[T]) walk(fn func(T) bool) {
	if r.full {
		for _, v := range r.buf[r.next:] {
			if !fn(v) {
				return
			}
		}
	}
	for _, v := range r.buf[:r.next] {
		if !fn(v) {
			return
		}
	}
}

// Filter copies out the items match accepts, oldest first. A nil match
// keeps everything.
func (r *RingBuffer[T]) Filter(match func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.lenLocked())
	r.walk(func(v T) bool {
		if match == nil || match(v) {
			out = append(out, v)
		}
		return true
	})
	return out
}

func (r *RingBuffer[T]) Snapshot() []T { return r.Filter(nil) }

// Any reports whether a stored item satisfies match.
func (r *RingBuffer[T]) Any(match func(T) bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := false
	r.walk(func(v T) bool {
		found = match(v)
		return !found
	})
	return found
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *RingBuffer[T]) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}
