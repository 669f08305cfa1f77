// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"sync"
	"sync/atomic"
)

// MaxEngines bounds the number of engines a registry can hold.
const MaxEngines = 8

// ErrRegistryFull is returned when every registry slot is taken.
var ErrRegistryFull = errors.New("engine registry full")

// Registry owns the engines reachable from real-time callbacks. Callbacks
// capture only a slot index and resolve it here with a single atomic load,
// so a callback that fires after its engine is released finds nothing
// instead of a dangling reference.
type Registry struct {
	mu    sync.Mutex
	slots [MaxEngines]atomic.Pointer[Engine]
	used  [MaxEngines]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) register(e *Engine) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.used {
		if !r.used[i] {
			r.used[i] = true
			r.slots[i].Store(e)
			return i, nil
		}
	}
	return -1, ErrRegistryFull
}

func (r *Registry) release(slot int) {
	if slot < 0 || slot >= MaxEngines {
		return
	}
	r.mu.Lock()
	r.slots[slot].Store(nil)
	r.used[slot] = false
	r.mu.Unlock()
}

// Lookup returns the engine in slot, or nil. Safe on real-time threads.
func (r *Registry) Lookup(slot int) *Engine {
	if slot < 0 || slot >= MaxEngines {
		return nil
	}
	return r.slots[slot].Load()
}

func captureCallback(r *Registry, slot int) func(in []float32) {
	return func(in []float32) {
		if e := r.Lookup(slot); e != nil {
			e.processCapture(in)
		}
	}
}

func renderCallback(r *Registry, slot int) func(out []float32) {
	return func(out []float32) {
		e := r.Lookup(slot)
		if e == nil {
			clear(out)
			return
		}
		e.processRender(out)
	}
}
