// SPDX-License-Identifier: MIT
/*
Package service wires the device catalog, topology inspector, routing engine
and controller into one explicitly constructed Routing Service.

Every public method marshals its work onto the control queue, so callers may
use the service from any goroutine. Device notifications are coalesced by a
debouncer before one reconciliation pass runs.
*/
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"audiorouter/internal/audio"
	"audiorouter/internal/config"
	"audiorouter/internal/controller"
	"audiorouter/internal/device"
	applog "audiorouter/internal/log"
	"audiorouter/internal/queue"
	"audiorouter/internal/topology"
)

const queueBuffer = 64

// Snapshot is a consistent view of the routing state, taken on the control thread.
type Snapshot struct {
	Session    string
	Phase      controller.Phase
	State      controller.RoutingState
	Intent     controller.RoutingIntent
	Parked     bool
	Aggregates []device.Ref
	Outputs    []topology.SubDevice
	Stats      audio.Stats
}

// Option customises a Service.
type Option func(*options)

type options struct {
	processor audio.Processor
	tap       audio.Tap
	onIntent  func(controller.RoutingIntent)
	registry  *audio.Registry
}

// WithProcessor places p between capture and render.
func WithProcessor(p audio.Processor) Option {
	return func(o *options) { o.processor = p }
}

// WithTap lets t observe every rendered block.
func WithTap(t audio.Tap) Option {
	return func(o *options) { o.tap = t }
}

// WithIntentSink receives every changed routing intent for persistence. fn
// runs on the control thread.
func WithIntentSink(fn func(controller.RoutingIntent)) Option {
	return func(o *options) { o.onIntent = fn }
}

// WithRegistry shares an engine registry between services.
func WithRegistry(r *audio.Registry) Option {
	return func(o *options) { o.registry = r }
}

type Service struct {
	id  string
	cfg *config.Config
	log *applog.Logger

	queue     *queue.Queue
	debouncer *queue.Debouncer
	catalog   *device.Catalog
	inspector *topology.Inspector
	engine    *audio.Engine
	ctrl      *controller.Controller

	unsubscribeCatalog func()

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
}

// New builds the service. Nothing runs until Start.
func New(cfg *config.Config, platform device.Platform, backend audio.Backend, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = audio.NewRegistry()
	}

	s := &Service{
		id:    uuid.NewString(),
		cfg:   cfg,
		queue: queue.New(queueBuffer),
		subs:  make(map[int]func(Snapshot)),
	}
	s.log = applog.With("component", "service", "session", s.id[:8])
	s.debouncer = queue.NewDebouncer(s.queue, cfg.Routing.Debounce)
	s.catalog = device.NewCatalog(platform, s.queue)
	s.inspector = topology.NewInspector(s.catalog)
	s.inspector.PrimaryMemberIndex = cfg.Routing.PrimaryMemberIndex

	engine, err := audio.NewEngine(o.registry, backend, audio.Options{
		SampleRate:      cfg.Audio.SampleRate,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		BufferSeconds:   cfg.Audio.BufferSeconds,
		LowLatency:      cfg.Audio.LowLatency,
		Processor:       o.processor,
		Tap:             o.tap,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = engine

	strategy := topology.SkipMissing
	if cfg.Routing.StrictTopology {
		strategy = topology.FailOnMissing
	}
	s.ctrl = controller.New(s.catalog, s.inspector, s.engine, controller.Options{
		Strategy:         strategy,
		LoopbackPatterns: cfg.Routing.LoopbackPatterns,
		OnIntent:         o.onIntent,
	})
	return s, nil
}

// ID returns the session identifier of this service instance.
func (s *Service) ID() string {
	return s.id
}

// Start launches the control thread, enumerates devices and re-applies intent.
// A persisted intent that cannot be applied yet is not an error; it is
// parked until its devices appear.
func (s *Service) Start(ctx context.Context, intent controller.RoutingIntent) error {
	s.queue.Start()
	return s.do(ctx, func() error {
		if err := s.catalog.Start(); err != nil {
			return err
		}
		s.unsubscribeCatalog = s.catalog.Subscribe(func() {
			s.debouncer.Trigger(s.reconcile)
		})
		if err := s.ctrl.Restore(intent); err != nil {
			s.log.Warn("could not restore routing", "aggregate", intent.AggregateUID,
				"kind", controller.Kind(err), "reason", controller.Reason(err))
		}
		s.log.Info("routing service started", "devices", len(s.catalog.Devices()))
		return nil
	})
}

func (s *Service) reconcile() {
	if err := s.ctrl.Reconcile(); err != nil {
		s.log.Error("reconciliation failed", "kind", controller.Kind(err), "err", err)
	}
	s.publish()
}

// SelectAggregate selects an aggregate device by UID.
func (s *Service) SelectAggregate(ctx context.Context, uid string) error {
	return s.do(ctx, func() error { return s.ctrl.SelectAggregate(uid) })
}

// SelectOutput selects an output member of the current aggregate by UID.
func (s *Service) SelectOutput(ctx context.Context, uid string) error {
	return s.do(ctx, func() error { return s.ctrl.SelectOutput(uid) })
}

// StartRouting starts the engine.
func (s *Service) StartRouting(ctx context.Context) error {
	return s.do(ctx, s.ctrl.Start)
}

// StopRouting stops the engine.
func (s *Service) StopRouting(ctx context.Context) error {
	return s.do(ctx, s.ctrl.Stop)
}

// Refresh forces a re-enumeration and reconciliation without waiting for
// the debounce window.
func (s *Service) Refresh(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.catalog.Refresh(); err != nil {
			return err
		}
		return s.ctrl.Reconcile()
	})
}

// Snapshot returns the current routing state.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.queue.Do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Devices returns every connected device.
func (s *Service) Devices(ctx context.Context) ([]device.Ref, error) {
	var devices []device.Ref
	err := s.queue.Do(ctx, func() error {
		devices = s.catalog.Devices()
		return nil
	})
	return devices, err
}

// Inspect returns the topology of an aggregate, tolerating missing members.
func (s *Service) Inspect(ctx context.Context, uid string) (*topology.Topology, error) {
	var topo *topology.Topology
	err := s.queue.Do(ctx, func() error {
		agg, err := s.catalog.ByUID(uid)
		if err != nil {
			return err
		}
		topo, err = s.inspector.Inspect(agg, topology.SkipMissing)
		return err
	})
	return topo, err
}

// Health reports resolved and missing members of an aggregate.
func (s *Service) Health(ctx context.Context, uid string) (topology.Health, error) {
	var h topology.Health
	err := s.queue.Do(ctx, func() error {
		agg, err := s.catalog.ByUID(uid)
		if err != nil {
			return err
		}
		h, err = s.inspector.Health(agg)
		return err
	})
	return h, err
}

// Subscribe registers fn for snapshots published after every transition.
// fn runs on the control thread and must not call back into the service.
func (s *Service) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Close stops routing and releases the engine and the control thread.
func (s *Service) Close() error {
	s.debouncer.Stop()
	var err error
	doErr := s.queue.Do(context.Background(), func() error {
		if s.unsubscribeCatalog != nil {
			s.unsubscribeCatalog()
		}
		s.catalog.Close()
		err = s.engine.Close()
		return nil
	})
	if errors.Is(doErr, queue.ErrNotStarted) {
		err = s.engine.Close()
	}
	s.queue.Close()
	s.log.Info("routing service closed")
	return err
}

// do runs a transition on the control thread and publishes the result.
func (s *Service) do(ctx context.Context, fn func() error) error {
	return s.queue.Do(ctx, func() error {
		err := fn()
		s.publish()
		return err
	})
}

func (s *Service) snapshot() Snapshot {
	state := s.ctrl.State()
	return Snapshot{
		Session:    s.id,
		Phase:      state.Phase(),
		State:      state,
		Intent:     s.ctrl.Intent(),
		Parked:     s.ctrl.Parked(),
		Aggregates: s.ctrl.ValidAggregates(),
		Outputs:    s.ctrl.Outputs(),
		Stats:      s.engine.Stats(),
	}
}

func (s *Service) publish() {
	s.subMu.Lock()
	if len(s.subs) == 0 {
		s.subMu.Unlock()
		return
	}
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	snap := s.snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
