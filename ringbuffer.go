package basp

import (
	"fmt"
	"sync"
)

var (
	ErrRingBufferFull = fmt.Errorf("ring buffer is full")
)

// RingBuffer is a bounded FIFO used as an actor mailbox. Writers never
// block; a full buffer rejects the write.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	readIdx  int
	writeIdx int
	len      int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

func (r *RingBuffer[T]) Write(val T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == len(r.buf) {
		return ErrRingBufferFull
	}
	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % len(r.buf)
	r.len++
	return nil
}

func (r *RingBuffer[T]) Read() (T, bool) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.len == 0 {
		return zero, false
	}
	v := r.buf[r.readIdx]
	r.buf[r.readIdx] = zero
	r.readIdx = (r.readIdx + 1) % len(r.buf)
	r.len--
	return v, true
}

// ReadInto moves up to len(dst) values into dst and returns how many were
// moved. Vacated slots are zeroed so the buffer holds no stale references.
func (r *RingBuffer[T]) ReadInto(dst []T) int {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(dst), r.len)
	for i := 0; i < n; i++ {
		dst[i] = r.buf[r.readIdx]
		r.buf[r.readIdx] = zero
		r.readIdx = (r.readIdx + 1) % len(r.buf)
	}
	r.len -= n
	return n
}
