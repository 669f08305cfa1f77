// SPDX-License-Identifier: MIT
/*
Package monitor observes the routed signal without touching the real-time
path: the render thread copies each block into a Tap, and a monitor
goroutine drains it for level metering, spectrum analysis and recording.
*/
package monitor

import (
	"sync/atomic"

	"audiorouter/internal/ringbuffer"
)

// Tap is a bounded hand-off from the render thread to the monitor goroutine.
// It implements audio.Tap. When the monitor falls behind, new blocks are
// dropped rather than blocking the render thread.
type Tap struct {
	ring     *ringbuffer.RingBuffer
	channels atomic.Int32
	dropped  atomic.Uint64
}

// NewTap allocates a tap holding up to frames frames of maxChannels channels.
func NewTap(frames, maxChannels int) *Tap {
	return &Tap{ring: ringbuffer.New(frames*maxChannels*4 + 1)}
}

// Write runs on the render thread.
func (t *Tap) Write(block []float32, channels int) {
	if channels <= 0 {
		return
	}
	if int32(channels) != t.channels.Load() {
		t.ring.Reset()
		t.channels.Store(int32(channels))
	}
	b := ringbuffer.Float32Bytes(block)
	if n := t.ring.WriteAligned(b, channels*4); n < len(b) {
		t.dropped.Add(1)
	}
}

// Read drains whole frames into dst and returns the frame count and the
// channel count they were written with.
func (t *Tap) Read(dst []float32) (frames, channels int) {
	channels = int(t.channels.Load())
	if channels == 0 {
		return 0, 0
	}
	n := t.ring.ReadAligned(ringbuffer.Float32Bytes(dst), channels*4)
	return n / (channels * 4), channels
}

// Dropped returns the number of blocks that did not fit.
func (t *Tap) Dropped() uint64 {
	return t.dropped.Load()
}
