// SPDX-License-Identifier: MIT
/*
Package ringbuffer implements the fixed-capacity byte ring that bridges the
capture and render callbacks, which run on two independently clocked
hardware timelines.

Thread Safety:
  - One producer and one consumer, each on its own real-time thread
  - A mutex is held only for the memory copy, never across a wait
  - No allocation after New

One byte is always left free so that a full ring can be told apart from an
empty one: at most Capacity()-1 bytes are unread at any time. When the ring
is full, writes store what fits and drop the rest (the newest data).
*/
package ringbuffer

import (
	"sync"
	"unsafe"

	"audiorouter/pkg/bitint"
)

// RingBuffer is a lock-protected circular byte store.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	write    int // next byte to write
	read     int // next byte to read
}

// New allocates a ring of capacity bytes. capacity must be at least 2.
func New(capacity int) *RingBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Capacity returns the size of the backing store in bytes.
func (r *RingBuffer) Capacity() int {
	return r.capacity
}

// Write stores as much of p as fits and returns the number of bytes stored.
func (r *RingBuffer) Write(p []byte) int {
	return r.WriteAligned(p, 1)
}

// WriteAligned stores the largest multiple of align bytes from p that fits.
// Use the frame size as align so partial frames never enter the ring.
func (r *RingBuffer) WriteAligned(p []byte, align int) int {
	r.mu.Lock()
	n := bitint.AlignDown(min(len(p), r.availableWriteLocked()), align)
	if n > 0 {
		first := min(n, r.capacity-r.write)
		copy(r.buf[r.write:], p[:first])
		copy(r.buf, p[first:n])
		r.write = (r.write + n) % r.capacity
	}
	r.mu.Unlock()
	return n
}

// Read copies up to len(p) unread bytes into p and returns the count. On an
// empty ring it returns 0 and leaves p untouched; the caller zero-fills.
func (r *RingBuffer) Read(p []byte) int {
	return r.ReadAligned(p, 1)
}

// ReadAligned reads the largest multiple of align bytes available.
func (r *RingBuffer) ReadAligned(p []byte, align int) int {
	r.mu.Lock()
	n := bitint.AlignDown(min(len(p), r.availableReadLocked()), align)
	if n > 0 {
		first := min(n, r.capacity-r.read)
		copy(p, r.buf[r.read:r.read+first])
		copy(p[first:n], r.buf[:n-first])
		r.read = (r.read + n) % r.capacity
	}
	r.mu.Unlock()
	return n
}

// AvailableRead returns the number of unread bytes.
func (r *RingBuffer) AvailableRead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableReadLocked()
}

// AvailableWrite returns the number of bytes that can be written.
func (r *RingBuffer) AvailableWrite() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableWriteLocked()
}

// Reset empties the ring. Call it only while both real-time paths are stopped.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	r.write = 0
	r.read = 0
	clear(r.buf)
	r.mu.Unlock()
}

func (r *RingBuffer) availableReadLocked() int {
	if r.write >= r.read {
		return r.write - r.read
	}
	return r.capacity - (r.read - r.write)
}

func (r *RingBuffer) availableWriteLocked() int {
	return r.capacity - r.availableReadLocked() - 1
}

// Float32Bytes views samples as raw bytes without copying. The result
// aliases samples and must not outlive it.
func Float32Bytes(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*4)
}
