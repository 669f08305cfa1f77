// SPDX-License-Identifier: MIT
package device

import (
	"fmt"
	"sort"
	"sync"

	applog "audiorouter/internal/log"
)

// Catalog maintains the current device lists and system defaults and tells
// subscribers when they change. Platform notifications are redispatched onto
// the control thread before any state is touched.
type Catalog struct {
	platform Platform
	dispatch Dispatcher
	log      *applog.Logger

	mu         sync.RWMutex
	devices    []Ref
	byUID      map[string]Ref
	defaultIn  Handle
	defaultOut Handle

	subMu  sync.Mutex
	subs   map[int]func()
	nextID int

	stopWatch func()
}

// NewCatalog creates a catalog over platform. Notifications are posted to dispatch.
func NewCatalog(platform Platform, dispatch Dispatcher) *Catalog {
	return &Catalog{
		platform:   platform,
		dispatch:   dispatch,
		log:        applog.With("component", "catalog"),
		byUID:      make(map[string]Ref),
		defaultIn:  InvalidHandle,
		defaultOut: InvalidHandle,
		subs:       make(map[int]func()),
	}
}

// Start performs the initial enumeration and registers for platform notifications.
func (c *Catalog) Start() error {
	if err := c.Refresh(); err != nil {
		return err
	}
	stop, err := c.platform.Watch(c.onPlatformChange)
	if err != nil {
		return fmt.Errorf("failed to register device notifications: %w", err)
	}
	c.mu.Lock()
	c.stopWatch = stop
	c.mu.Unlock()
	return nil
}

// Close unregisters from platform notifications.
func (c *Catalog) Close() {
	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// onPlatformChange runs on the notifier goroutine and only marshals.
func (c *Catalog) onPlatformChange() {
	if err := c.dispatch.Post(c.handleChange); err != nil {
		c.log.Warn("dropping device notification", "err", err)
	}
}

func (c *Catalog) handleChange() {
	if err := c.Refresh(); err != nil {
		c.log.Error("refresh after device notification failed", "err", err)
		return
	}
	c.notify()
}

func (c *Catalog) notify() {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Refresh re-enumerates all devices and republishes the lists. It is
// idempotent and safe to call repeatedly.
func (c *Catalog) Refresh() error {
	devices, err := c.platform.Devices()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}
	in, out, err := c.platform.DefaultDevices()
	if err != nil {
		c.log.Warn("default devices unavailable", "err", err)
		in, out = InvalidHandle, InvalidHandle
	}

	byUID := make(map[string]Ref, len(devices))
	for _, d := range devices {
		if d.UID == "" {
			continue
		}
		byUID[d.UID] = d
	}

	c.mu.Lock()
	c.devices = devices
	c.byUID = byUID
	c.defaultIn = in
	c.defaultOut = out
	c.mu.Unlock()

	c.log.Debug("devices refreshed", "count", len(devices))
	return nil
}

// ByUID resolves a persistent UID to a live device.
func (c *Catalog) ByUID(uid string) (Ref, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byUID[uid]
	if !ok {
		return Ref{Handle: InvalidHandle}, fmt.Errorf("%w: %s", ErrDeviceNotFound, uid)
	}
	return d, nil
}

// ByHandle resolves a handle from the last enumeration.
func (c *Catalog) ByHandle(h Handle) (Ref, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.devices {
		if d.Handle == h {
			return d, true
		}
	}
	return Ref{Handle: InvalidHandle}, false
}

// Members returns the declared member UIDs of an aggregate.
func (c *Catalog) Members(aggregate Ref) ([]string, error) {
	if !aggregate.IsAggregate {
		return nil, fmt.Errorf("device %q is not an aggregate", aggregate.Name)
	}
	return c.platform.AggregateMembers(aggregate.Handle)
}

// Devices returns a copy of every known device.
func (c *Catalog) Devices() []Ref {
	return c.filter(func(Ref) bool { return true })
}

// Inputs returns devices that can capture.
func (c *Catalog) Inputs() []Ref {
	return c.filter(Ref.HasInput)
}

// Outputs returns devices that can play.
func (c *Catalog) Outputs() []Ref {
	return c.filter(Ref.HasOutput)
}

// Aggregates returns composite devices.
func (c *Catalog) Aggregates() []Ref {
	return c.filter(func(r Ref) bool { return r.IsAggregate })
}

// Defaults returns the system default input and output devices, if known.
func (c *Catalog) Defaults() (input, output Ref) {
	c.mu.RLock()
	in, out := c.defaultIn, c.defaultOut
	c.mu.RUnlock()
	input, _ = c.ByHandle(in)
	output, _ = c.ByHandle(out)
	return input, output
}

func (c *Catalog) filter(keep func(Ref) bool) []Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Ref, 0, len(c.devices))
	for _, d := range c.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// Subscribe registers fn to run on the control thread after every refresh
// triggered by a platform notification.
func (c *Catalog) Subscribe(fn func()) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}
