// SPDX-License-Identifier: MIT
package device

import (
	"fmt"
	"sort"
	"sync"
)

type memDevice struct {
	ref     Ref
	present bool
	order   int
}

type memAggregate struct {
	memDevice
	members []string
}

// Memory is an in-memory Platform. Plugging a device back in assigns it a new
// handle, as the OS does, and aggregate channel counts are the sums over
// currently present members. Used by tests and the --simulate mode.
type Memory struct {
	mu         sync.Mutex
	devices    map[string]*memDevice
	aggregates map[string]*memAggregate
	nextHandle Handle
	nextOrder  int
	defaultIn  string
	defaultOut string
	failure    error

	watchers map[int]func()
	nextW    int
}

// NewMemory returns an empty in-memory platform.
func NewMemory() *Memory {
	return &Memory{
		devices:    make(map[string]*memDevice),
		aggregates: make(map[string]*memAggregate),
		nextHandle: 1,
		watchers:   make(map[int]func()),
	}
}

// Add registers a physical device in the connected state and returns its handle.
func (m *Memory) Add(ref Ref) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref.IsAggregate = false
	ref.Handle = m.allocHandleLocked()
	if ref.SampleRate == 0 {
		ref.SampleRate = 48000
	}
	m.devices[ref.UID] = &memDevice{ref: ref, present: true, order: m.allocOrderLocked()}
	return ref.Handle
}

// DeclareAggregate registers a connected aggregate with the given ordered members.
func (m *Memory) DeclareAggregate(uid, name string, members ...string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := &memAggregate{
		memDevice: memDevice{
			ref: Ref{
				Handle:      m.allocHandleLocked(),
				UID:         uid,
				Name:        name,
				SampleRate:  48000,
				IsAggregate: true,
			},
			present: true,
			order:   m.allocOrderLocked(),
		},
		members: append([]string(nil), members...),
	}
	m.aggregates[uid] = agg
	return agg.ref.Handle
}

// SetMembers replaces an aggregate's declared member list, as when it is
// edited outside the application.
func (m *Memory) SetMembers(uid string, members ...string) {
	m.mu.Lock()
	if agg, ok := m.aggregates[uid]; ok {
		agg.members = append([]string(nil), members...)
	}
	m.mu.Unlock()
	m.fire()
}

// Plug reconnects a device or aggregate under a fresh handle.
func (m *Memory) Plug(uid string) Handle {
	m.mu.Lock()
	h := InvalidHandle
	if d := m.lookupLocked(uid); d != nil && !d.present {
		d.present = true
		d.ref.Handle = m.allocHandleLocked()
		h = d.ref.Handle
	} else if d != nil {
		h = d.ref.Handle
	}
	m.mu.Unlock()
	m.fire()
	return h
}

// Unplug disconnects a device or aggregate.
func (m *Memory) Unplug(uid string) {
	m.mu.Lock()
	if d := m.lookupLocked(uid); d != nil {
		d.present = false
	}
	m.mu.Unlock()
	m.fire()
}

// SetDefaults sets the system default devices by UID.
func (m *Memory) SetDefaults(inputUID, outputUID string) {
	m.mu.Lock()
	m.defaultIn, m.defaultOut = inputUID, outputUID
	m.mu.Unlock()
	m.fire()
}

// SetFailure makes Devices fail with err until cleared with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// HandleOf returns the current handle of a connected device.
func (m *Memory) HandleOf(uid string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.lookupLocked(uid)
	if d == nil || !d.present {
		return InvalidHandle, false
	}
	return d.ref.Handle, true
}

// Devices implements Platform.
func (m *Memory) Devices() ([]Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}

	type entry struct {
		ref   Ref
		order int
	}
	var entries []entry
	for _, d := range m.devices {
		if d.present {
			entries = append(entries, entry{d.ref, d.order})
		}
	}
	for _, agg := range m.aggregates {
		if !agg.present {
			continue
		}
		ref := agg.ref
		ref.InputChannels, ref.OutputChannels = 0, 0
		for _, uid := range agg.members {
			if d, ok := m.devices[uid]; ok && d.present {
				ref.InputChannels += d.ref.InputChannels
				ref.OutputChannels += d.ref.OutputChannels
			}
		}
		entries = append(entries, entry{ref, agg.order})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	refs := make([]Ref, len(entries))
	for i, e := range entries {
		refs[i] = e.ref
	}
	return refs, nil
}

// DefaultDevices implements Platform.
func (m *Memory) DefaultDevices() (Handle, Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, out := InvalidHandle, InvalidHandle
	if d := m.lookupLocked(m.defaultIn); d != nil && d.present {
		in = d.ref.Handle
	}
	if d := m.lookupLocked(m.defaultOut); d != nil && d.present {
		out = d.ref.Handle
	}
	return in, out, nil
}

// AggregateMembers implements Platform.
func (m *Memory) AggregateMembers(h Handle) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agg := range m.aggregates {
		if agg.present && agg.ref.Handle == h {
			return append([]string(nil), agg.members...), nil
		}
	}
	return nil, fmt.Errorf("%w: aggregate handle %d", ErrDeviceNotFound, h)
}

// Watch implements Platform. Notifications are delivered on a new goroutine.
func (m *Memory) Watch(notify func()) (func(), error) {
	m.mu.Lock()
	id := m.nextW
	m.nextW++
	m.watchers[id] = notify
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) fire() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

func (m *Memory) lookupLocked(uid string) *memDevice {
	if d, ok := m.devices[uid]; ok {
		return d
	}
	if agg, ok := m.aggregates[uid]; ok {
		return &agg.memDevice
	}
	return nil
}

func (m *Memory) allocHandleLocked() Handle {
	h := m.nextHandle
	m.nextHandle++
	return h
}

func (m *Memory) allocOrderLocked() int {
	o := m.nextOrder
	m.nextOrder++
	return o
}
