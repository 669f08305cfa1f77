// SPDX-License-Identifier: MIT
/*
Package controller reconciles the user's routing intent, the live aggregate
topology and the engine state.

Every method must run on the control thread. The controller is the only
component that configures, starts, stops or remaps the engine.
*/
package controller

import (
	"errors"
	"fmt"
	"strings"

	"audiorouter/internal/device"
	applog "audiorouter/internal/log"
	"audiorouter/internal/topology"
)

// RoutingIntent is the user's persisted desired state.
type RoutingIntent struct {
	AggregateUID string `yaml:"aggregate_uid" json:"aggregate_uid"`
	OutputUID    string `yaml:"output_uid" json:"output_uid"`
	AutoStart    bool   `yaml:"autostart" json:"autostart"`
}

// Phase is the coarse state of the controller.
type Phase int

const (
	NoAggregate Phase = iota
	AggregateSelected
	RoutedStopped
	RoutedRunning
)

func (p Phase) String() string {
	switch p {
	case NoAggregate:
		return "no-aggregate"
	case AggregateSelected:
		return "aggregate-selected"
	case RoutedStopped:
		return "routed-stopped"
	case RoutedRunning:
		return "routed-running"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// RoutingState is the live routing state.
type RoutingState struct {
	Aggregate   *device.Ref
	Output      *topology.SubDevice
	Running     bool
	OutputRange topology.ChannelRange
}

func (s RoutingState) Phase() Phase {
	switch {
	case s.Aggregate == nil:
		return NoAggregate
	case s.Output == nil:
		return AggregateSelected
	case s.Running:
		return RoutedRunning
	default:
		return RoutedStopped
	}
}

// Engine is the part of the routing engine the controller drives.
type Engine interface {
	Configure(aggregate device.Ref, out topology.ChannelRange) error
	RemapOutputChannels(out topology.ChannelRange) error
	Start() error
	Stop() error
	IsRunning() bool
}

// Catalog is the part of the device catalog the controller reads.
type Catalog interface {
	ByUID(uid string) (device.Ref, error)
	Aggregates() []device.Ref
}

// Inspector resolves aggregate topologies.
type Inspector interface {
	Inspect(aggregate device.Ref, strategy topology.Strategy) (*topology.Topology, error)
	DefaultPlaybackOffset(topo *topology.Topology) (int, bool)
}

// Options configures a Controller.
type Options struct {
	// Strategy is used for user selections. Reconciliation always skips
	// missing members so that failover can proceed.
	Strategy topology.Strategy
	// LoopbackPatterns are case-insensitive name fragments of virtual
	// loopback drivers, which are never offered as playback targets.
	LoopbackPatterns []string
	// OnIntent receives the intent after each successful transition that changed it.
	OnIntent func(RoutingIntent)
}

type Controller struct {
	catalog   Catalog
	inspector Inspector
	engine    Engine
	opts      Options
	log       *applog.Logger

	state  RoutingState
	intent RoutingIntent

	// Output members of the last applied or reconciled topology, by UID.
	seen map[string]device.Handle

	// parked holds an intent whose aggregate or outputs are unavailable. It
	// is re-applied on the next reconciliation that can satisfy it.
	parked *RoutingIntent
	// resume records that the engine was running when a disconnection left
	// nothing to route to.
	resume bool
}

// New creates a controller in the NoAggregate phase.
func New(catalog Catalog, inspector Inspector, engine Engine, opts Options) *Controller {
	return &Controller{
		catalog:   catalog,
		inspector: inspector,
		engine:    engine,
		opts:      opts,
		log:       applog.With("component", "controller"),
		seen:      make(map[string]device.Handle),
	}
}

// State returns a copy of the live state.
func (c *Controller) State() RoutingState {
	s := c.state
	s.Running = c.engine.IsRunning()
	if s.Aggregate != nil {
		agg := *s.Aggregate
		s.Aggregate = &agg
	}
	if s.Output != nil {
		out := *s.Output
		s.Output = &out
	}
	return s
}

// Intent returns the current routing intent.
func (c *Controller) Intent() RoutingIntent {
	return c.intent
}

// Parked reports whether a selection is waiting for its devices to return.
func (c *Controller) Parked() bool {
	return c.parked != nil
}

// ValidAggregates lists the connected aggregates that pass validation.
func (c *Controller) ValidAggregates() []device.Ref {
	var valid []device.Ref
	for _, agg := range c.catalog.Aggregates() {
		topo, err := c.inspector.Inspect(agg, topology.SkipMissing)
		if err != nil {
			continue
		}
		if _, err := c.validate(agg, topo); err == nil {
			valid = append(valid, agg)
		}
	}
	return valid
}

// Outputs lists the selectable output members of the selected aggregate.
func (c *Controller) Outputs() []topology.SubDevice {
	if c.state.Aggregate == nil {
		return nil
	}
	agg, err := c.catalog.ByUID(c.state.Aggregate.UID)
	if err != nil {
		return nil
	}
	topo, err := c.inspector.Inspect(agg, topology.SkipMissing)
	if err != nil {
		return nil
	}
	return c.selectable(topo)
}

// SelectAggregate validates the aggregate and routes to its first valid
// output. A rejected aggregate leaves state and intent untouched.
func (c *Controller) SelectAggregate(uid string) error {
	agg, topo, err := c.resolve(uid, c.opts.Strategy)
	if err != nil {
		return err
	}
	outs, err := c.validate(agg, topo)
	if err != nil {
		return err
	}

	out := outs[0]
	if err := c.apply(agg, topo, out, c.engine.IsRunning()); err != nil {
		return err
	}
	c.parked = nil
	c.resume = false
	c.setIntent(RoutingIntent{AggregateUID: agg.UID, OutputUID: out.UID, AutoStart: c.intent.AutoStart})
	return nil
}

// SelectOutput routes to another member of the selected aggregate. When the
// engine's device is unchanged only the channel mapping is updated.
func (c *Controller) SelectOutput(uid string) error {
	if c.state.Aggregate == nil {
		return &ValidationError{Reason: "no aggregate selected"}
	}
	agg, topo, err := c.resolve(c.state.Aggregate.UID, c.opts.Strategy)
	if err != nil {
		return err
	}

	member, ok := topo.Member(uid)
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("output %q is not a connected member of %q", uid, agg.Name)}
	}
	if !member.HasStereo {
		return &ValidationError{Reason: fmt.Sprintf("output %q has %d channel(s), stereo output needs at least 2", uid, member.Output.Len())}
	}
	if !containsUID(c.selectable(topo), uid) {
		return &ValidationError{Reason: fmt.Sprintf("output %q is a loopback device and cannot be used for playback", uid)}
	}

	if c.canRemap(agg, member) {
		if err := c.remap(topo, member); err != nil {
			return err
		}
	} else if err := c.apply(agg, topo, member, c.engine.IsRunning()); err != nil {
		return err
	}
	c.setIntent(RoutingIntent{AggregateUID: agg.UID, OutputUID: member.UID, AutoStart: c.intent.AutoStart})
	return nil
}

// Start starts routing to the selected output.
func (c *Controller) Start() error {
	if c.state.Output == nil {
		return &ValidationError{Reason: "no output selected"}
	}
	if err := c.engine.Start(); err != nil {
		c.state.Running = c.engine.IsRunning()
		return err
	}
	c.state.Running = true
	c.resume = false
	intent := c.intent
	intent.AutoStart = true
	c.setIntent(intent)
	return nil
}

// Stop stops routing. The selection is kept.
func (c *Controller) Stop() error {
	if err := c.engine.Stop(); err != nil {
		c.state.Running = c.engine.IsRunning()
		return err
	}
	c.state.Running = false
	c.resume = false
	if c.parked != nil {
		c.parked.AutoStart = false
	}
	intent := c.intent
	intent.AutoStart = false
	c.setIntent(intent)
	return nil
}

// Restore re-applies a persisted intent at startup. The intent is adopted
// without being re-emitted. If its aggregate or outputs are unavailable the
// selection is parked and re-applied once they appear.
func (c *Controller) Restore(intent RoutingIntent) error {
	c.intent = intent
	if intent.AggregateUID == "" {
		return nil
	}
	err := c.restore(intent, intent.AutoStart)
	if err != nil && Kind(err) != KindConfiguration && Kind(err) != KindRuntime {
		c.park(intent, intent.AutoStart)
	}
	return err
}

func (c *Controller) restore(intent RoutingIntent, start bool) error {
	agg, topo, err := c.resolve(intent.AggregateUID, c.opts.Strategy)
	if err != nil {
		return err
	}
	outs, err := c.validate(agg, topo)
	if err != nil {
		return err
	}

	out := c.preferred(topo, outs, intent.OutputUID)
	if err := c.apply(agg, topo, out, start); err != nil {
		return err
	}
	c.parked = nil
	c.resume = false

	next := intent
	if next.OutputUID == "" {
		next.OutputUID = out.UID
	}
	c.setIntent(next)
	c.log.Info("restored routing", "aggregate", agg.UID, "output", out.UID, "running", c.state.Running)
	return nil
}

// preferred picks the intended output if present, then the member at the
// default playback offset, then the first valid output.
func (c *Controller) preferred(topo *topology.Topology, outs []topology.SubDevice, uid string) topology.SubDevice {
	if uid != "" {
		for _, o := range outs {
			if o.UID == uid {
				return o
			}
		}
	}
	if offset, ok := c.inspector.DefaultPlaybackOffset(topo); ok {
		for _, o := range outs {
			if o.Output.Start == offset {
				return o
			}
		}
	}
	return outs[0]
}

// Reconcile runs after the device list changed. Ranges are always taken
// from a fresh inspection.
func (c *Controller) Reconcile() error {
	if c.parked != nil {
		return c.reconcileParked()
	}
	if c.state.Aggregate == nil {
		return nil
	}

	agg, err := c.catalog.ByUID(c.state.Aggregate.UID)
	if err != nil {
		c.log.Warn("selected aggregate disappeared", "aggregate", c.state.Aggregate.UID)
		wasRunning := c.engine.IsRunning()
		stopErr := c.engine.Stop()
		c.park(c.intent, wasRunning || c.resume)
		c.state = RoutingState{}
		c.seen = make(map[string]device.Handle)
		return stopErr
	}

	topo, err := c.inspector.Inspect(agg, topology.SkipMissing)
	if err != nil {
		return err
	}
	outs := c.selectable(topo)
	if !c.outputsChanged(agg, outs) {
		return nil
	}
	c.log.Info("output members changed", "aggregate", agg.UID, "outputs", len(outs))

	wasRunning := c.engine.IsRunning()
	active := c.state.Output

	// The user's own choice is back, or came back under a new handle.
	if chosen, ok := findUID(outs, c.intent.OutputUID); ok && c.intent.AggregateUID == agg.UID {
		if active == nil || active.UID != chosen.UID || c.replugged(chosen) {
			c.log.Info("restoring chosen output", "output", chosen.UID)
			return c.switchTo(agg, topo, chosen, wasRunning || c.resume)
		}
	}

	if active != nil {
		current, ok := findUID(outs, active.UID)
		if !ok {
			if len(outs) == 0 {
				c.log.Warn("no valid outputs left", "aggregate", agg.UID)
				err := c.engine.Stop()
				c.resume = c.resume || wasRunning
				c.state.Aggregate = &agg
				c.state.Output = nil
				c.state.OutputRange = topology.ChannelRange{}
				c.state.Running = c.engine.IsRunning()
				c.remember(outs)
				return err
			}
			c.log.Warn("active output disconnected, failing over", "from", active.UID, "to", outs[0].UID)
			return c.switchTo(agg, topo, outs[0], wasRunning)
		}
		// Still present, but earlier members may have come or gone.
		if current.Stereo != c.state.OutputRange || c.replugged(current) || c.layoutChanged(agg) {
			return c.switchTo(agg, topo, current, wasRunning)
		}
		c.remember(outs)
		return nil
	}

	if len(outs) > 0 {
		c.log.Info("auto-selecting output", "output", outs[0].UID)
		return c.switchTo(agg, topo, outs[0], c.resume)
	}
	c.remember(outs)
	return nil
}

func (c *Controller) reconcileParked() error {
	intent := *c.parked
	start := intent.AutoStart || c.resume
	if _, err := c.catalog.ByUID(intent.AggregateUID); err != nil {
		return nil
	}
	err := c.restore(intent, start)
	switch Kind(err) {
	case "":
		c.log.Info("re-applied parked selection", "aggregate", intent.AggregateUID)
	case KindValidation, KindTopology:
		c.log.Debug("parked selection still unavailable", "aggregate", intent.AggregateUID, "reason", Reason(err))
		return nil
	}
	return err
}

func (c *Controller) park(intent RoutingIntent, resume bool) {
	p := intent
	c.parked = &p
	c.resume = resume
	c.log.Info("selection parked until its devices return", "aggregate", intent.AggregateUID, "resume", resume)
}

// switchTo remaps when possible and performs a full cycle otherwise.
func (c *Controller) switchTo(agg device.Ref, topo *topology.Topology, member topology.SubDevice, start bool) error {
	var err error
	if c.canRemap(agg, member) {
		err = c.remap(topo, member)
		if err == nil && start && !c.engine.IsRunning() {
			err = c.startEngine()
		}
	} else {
		err = c.apply(agg, topo, member, start)
	}
	if err == nil {
		c.resume = false
	}
	return err
}

// apply performs the full stop, configure, restart cycle. A failed configure
// leaves the previous configuration in place and restarts it if it was running.
func (c *Controller) apply(agg device.Ref, topo *topology.Topology, member topology.SubDevice, start bool) error {
	wasRunning := c.engine.IsRunning()
	if wasRunning {
		if err := c.engine.Stop(); err != nil {
			c.state.Running = c.engine.IsRunning()
			return err
		}
	}

	if err := c.engine.Configure(agg, member.Stereo); err != nil {
		if wasRunning && c.state.Output != nil {
			if restartErr := c.engine.Start(); restartErr != nil {
				c.log.Error("failed to restart previous configuration", "err", restartErr)
			}
		}
		c.state.Running = c.engine.IsRunning()
		return err
	}

	a, m := agg, member
	c.state.Aggregate = &a
	c.state.Output = &m
	c.state.OutputRange = member.Stereo
	c.state.Running = false
	c.remember(c.selectable(topo))

	if start {
		return c.startEngine()
	}
	return nil
}

func (c *Controller) startEngine() error {
	err := c.engine.Start()
	c.state.Running = c.engine.IsRunning()
	return err
}

func (c *Controller) remap(topo *topology.Topology, member topology.SubDevice) error {
	if err := c.engine.RemapOutputChannels(member.Stereo); err != nil {
		return err
	}
	m := member
	c.state.Output = &m
	c.state.OutputRange = member.Stereo
	c.remember(c.selectable(topo))
	return nil
}

// canRemap reports whether member can be reached by changing the channel
// mapping alone: the engine is configured on this same aggregate with the
// same channel layout, and the member was not replugged since.
func (c *Controller) canRemap(agg device.Ref, member topology.SubDevice) bool {
	if c.state.Output == nil || c.layoutChanged(agg) {
		return false
	}
	return !c.replugged(member)
}

func (c *Controller) layoutChanged(agg device.Ref) bool {
	cur := c.state.Aggregate
	return cur == nil || cur.Handle != agg.Handle ||
		cur.InputChannels != agg.InputChannels || cur.OutputChannels != agg.OutputChannels
}

func (c *Controller) replugged(member topology.SubDevice) bool {
	prev, ok := c.seen[member.UID]
	return ok && prev != member.Device.Handle
}

func (c *Controller) outputsChanged(agg device.Ref, outs []topology.SubDevice) bool {
	if len(outs) != len(c.seen) || c.layoutChanged(agg) {
		return true
	}
	for _, o := range outs {
		if h, ok := c.seen[o.UID]; !ok || h != o.Device.Handle {
			return true
		}
	}
	return false
}

func (c *Controller) remember(outs []topology.SubDevice) {
	c.seen = make(map[string]device.Handle, len(outs))
	for _, o := range outs {
		c.seen[o.UID] = o.Device.Handle
	}
}

func (c *Controller) setIntent(intent RoutingIntent) {
	if intent == c.intent {
		return
	}
	c.intent = intent
	if c.opts.OnIntent != nil {
		c.opts.OnIntent(intent)
	}
}

// resolve looks up an aggregate and inspects it.
func (c *Controller) resolve(uid string, strategy topology.Strategy) (device.Ref, *topology.Topology, error) {
	agg, err := c.catalog.ByUID(uid)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return device.Ref{}, nil, &ValidationError{Reason: fmt.Sprintf("aggregate %q is not connected", uid), Err: err}
		}
		return device.Ref{}, nil, err
	}
	if !agg.IsAggregate {
		return device.Ref{}, nil, &ValidationError{Reason: fmt.Sprintf("%q is not an aggregate device", agg.Name)}
	}
	topo, err := c.inspector.Inspect(agg, strategy)
	if err != nil {
		return device.Ref{}, nil, err
	}
	return agg, topo, nil
}

// validate returns the selectable outputs of a routable aggregate.
func (c *Controller) validate(agg device.Ref, topo *topology.Topology) ([]topology.SubDevice, error) {
	if len(topo.Inputs()) == 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("aggregate %q has no connected input member", agg.Name)}
	}
	if len(topo.Outputs()) == 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("aggregate %q has no connected output member", agg.Name)}
	}
	outs := c.selectable(topo)
	if len(outs) == 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("aggregate %q has no stereo output member (at least 2 channels)", agg.Name)}
	}
	return outs, nil
}

// selectable returns stereo-capable outputs, without loopback drivers unless
// that would leave nothing.
func (c *Controller) selectable(topo *topology.Topology) []topology.SubDevice {
	var stereo, filtered []topology.SubDevice
	for _, m := range topo.Members {
		if !m.HasStereo {
			continue
		}
		stereo = append(stereo, m)
		if !c.isLoopback(m.Device.Name) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return stereo
	}
	return filtered
}

func (c *Controller) isLoopback(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range c.opts.LoopbackPatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func findUID(subs []topology.SubDevice, uid string) (topology.SubDevice, bool) {
	for _, s := range subs {
		if s.UID == uid {
			return s, true
		}
	}
	return topology.SubDevice{}, false
}

func containsUID(subs []topology.SubDevice, uid string) bool {
	_, ok := findUID(subs, uid)
	return ok
}
