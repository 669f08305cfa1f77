// SPDX-License-Identifier: MIT
package audio

import (
	"math"
	"sync/atomic"
)

// Gate is a frame-wise noise gate usable as the engine's Processor. Frames
// whose loudest channel stays below the threshold are silenced. Settings may
// change from any goroutine while the render thread runs.
type Gate struct {
	enabled   atomic.Bool
	threshold atomic.Int32
}

// NewGate returns an enabled gate with the given threshold.
func NewGate(threshold float64) *Gate {
	g := &Gate{}
	g.SetThreshold(threshold)
	g.Enable()
	return g
}

func (g *Gate) Enable() {
	g.enabled.Store(true)
}

func (g *Gate) Disable() {
	g.enabled.Store(false)
}

// SetThreshold adjusts the gate threshold.
// The value is in the range of 0.0-1.0 where 0=always open, 1=always closed.
func (g *Gate) SetThreshold(threshold float64) {
	threshold = math.Max(0, math.Min(1, threshold))
	g.threshold.Store(int32(threshold * float64(math.MaxInt32)))
}

// Threshold returns the current threshold in the range 0.0-1.0.
func (g *Gate) Threshold() float64 {
	return float64(g.threshold.Load()) / float64(math.MaxInt32)
}

// Process runs on the render thread.
func (g *Gate) Process(block []float32, channels int) {
	if !g.enabled.Load() || channels <= 0 {
		return
	}
	threshold := float32(g.Threshold())
	if threshold == 0 {
		return
	}
	for f := 0; f+channels <= len(block); f += channels {
		frame := block[f : f+channels]
		open := false
		for _, s := range frame {
			if s >= threshold || -s >= threshold {
				open = true
				break
			}
		}
		if !open {
			clear(frame)
		}
	}
}
