// SPDX-License-Identifier: MIT
/*
Package audio implements the real-time routing engine: a capture path and a
render path on one aggregate device, bridged by a lock-protected ring buffer.

Thread Safety:
  - Configure, RemapOutputChannels, Start, Stop and Close run on the control thread
  - Callbacks resolve the engine through a Registry slot, never a captured pointer
  - Buffers are allocated in Configure only; callbacks never allocate
  - The output channel range is packed into one atomic word so a remap is
    picked up by the next render callback without stopping either path
*/
package audio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"audiorouter/internal/device"
	applog "audiorouter/internal/log"
	"audiorouter/internal/ringbuffer"
	"audiorouter/internal/topology"
	"audiorouter/pkg/bitint"
)

const bytesPerSample = 4 // float32

// Options holds the stream parameters shared by both paths.
type Options struct {
	SampleRate      float64
	FramesPerBuffer int
	BufferSeconds   float64
	LowLatency      bool

	Processor Processor // optional, runs on the render thread
	Tap       Tap       // optional, observes the rendered block
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running        bool
	Device         string
	InputChannels  int
	OutputChannels int
	Output         topology.ChannelRange
	Buffered       int // frames waiting in the ring
	Capacity       int // ring capacity in frames
	Underruns      uint64
	Overflows      uint64
}

type Engine struct {
	reg     *Registry
	slot    int
	backend Backend
	opts    Options
	log     *applog.Logger

	capture Unit
	render  Unit

	configured bool
	running    atomic.Bool
	dev        device.Ref

	// Owned by the real-time callbacks while running.
	inChannels  int
	outChannels int
	frameBytes  int
	ring        *ringbuffer.RingBuffer
	scratch     []float32

	output    atomic.Uint64
	underruns atomic.Uint64
	overflows atomic.Uint64
}

// NewEngine registers a new engine in reg. Units are created by backend
// during Configure.
func NewEngine(reg *Registry, backend Backend, opts Options) (*Engine, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %v", opts.SampleRate)
	}
	if opts.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid frames per buffer: %d", opts.FramesPerBuffer)
	}
	if opts.BufferSeconds <= 0 {
		opts.BufferSeconds = 1
	}

	e := &Engine{
		reg:     reg,
		backend: backend,
		opts:    opts,
		log:     applog.With("component", "engine"),
	}
	slot, err := reg.register(e)
	if err != nil {
		return nil, err
	}
	e.slot = slot
	e.log = applog.With("component", "engine", "slot", slot)
	return e, nil
}

// Configure binds both paths to agg and routes captured channels into out.
// The engine must be stopped. On failure the previous configuration is kept.
func (e *Engine) Configure(agg device.Ref, out topology.ChannelRange) error {
	if e.running.Load() {
		return ErrEngineRunning
	}
	if agg.InputChannels <= 0 {
		return &ConfigurationError{Op: "capture", Device: agg.Name, Reason: "device reports zero input channels"}
	}
	if agg.OutputChannels <= 0 {
		return &ConfigurationError{Op: "render", Device: agg.Name, Reason: "device reports zero output channels"}
	}
	if err := checkRange(agg, out); err != nil {
		return err
	}

	capture := e.backend.NewCaptureUnit(captureCallback(e.reg, e.slot))
	if err := e.prepare(capture, "capture", agg, agg.InputChannels); err != nil {
		return err
	}
	render := e.backend.NewRenderUnit(renderCallback(e.reg, e.slot))
	if err := e.prepare(render, "render", agg, agg.OutputChannels); err != nil {
		capture.Dispose()
		return err
	}

	if err := e.disposeUnits(); err != nil {
		e.log.Warn("failed to dispose previous units", "err", err)
	}
	e.capture, e.render = capture, render

	if e.ring == nil || e.dev.Handle != agg.Handle ||
		e.inChannels != agg.InputChannels || e.outChannels != agg.OutputChannels {
		e.allocate(agg)
	} else {
		e.ring.Reset()
	}

	e.dev = agg
	e.output.Store(packRange(out))
	e.configured = true

	e.log.Info("configured", "device", agg.Name, "in", agg.InputChannels, "out", agg.OutputChannels, "range", out.String())
	return nil
}

// prepare walks one unit through the required order: device, format, initialize.
func (e *Engine) prepare(u Unit, op string, agg device.Ref, channels int) error {
	fail := func(reason string, err error) error {
		u.Dispose()
		return &ConfigurationError{Op: op, Device: agg.Name, Reason: reason, Err: err}
	}
	if err := u.SetDevice(agg); err != nil {
		return fail("device rejected", err)
	}
	format := Format{
		SampleRate:      e.opts.SampleRate,
		Channels:        channels,
		FramesPerBuffer: e.opts.FramesPerBuffer,
		LowLatency:      e.opts.LowLatency,
	}
	if err := u.SetFormat(format); err != nil {
		return fail("format negotiation failed", err)
	}
	if err := u.Initialize(); err != nil {
		return fail("initialization failed", err)
	}
	return nil
}

func (e *Engine) allocate(agg device.Ref) {
	frames := bitint.NextPowerOfTwo(int(e.opts.SampleRate * e.opts.BufferSeconds))
	e.inChannels = agg.InputChannels
	e.outChannels = agg.OutputChannels
	e.frameBytes = agg.InputChannels * bytesPerSample
	// One extra frame so that the reserved byte never costs a whole frame.
	e.ring = ringbuffer.New((frames + 1) * e.frameBytes)
	e.scratch = make([]float32, e.opts.FramesPerBuffer*agg.InputChannels)
	e.log.Debug("allocated ring", "frames", frames, "bytes", e.ring.Capacity())
}

// RemapOutputChannels changes which output channels receive the routed
// signal. Neither path is stopped or reinitialized.
func (e *Engine) RemapOutputChannels(out topology.ChannelRange) error {
	if !e.configured {
		return ErrNotConfigured
	}
	if err := checkRange(e.dev, out); err != nil {
		return err
	}
	e.output.Store(packRange(out))
	e.log.Info("remapped output", "range", out.String())
	return nil
}

// Start activates both paths. It is a no-op while running. If either path
// fails to start, both are stopped.
func (e *Engine) Start() error {
	if !e.configured {
		return ErrNotConfigured
	}
	if e.running.Load() {
		return nil
	}

	e.ring.Reset()
	if err := e.render.Start(); err != nil {
		return &RuntimeError{Op: "start render", Err: err}
	}
	if err := e.capture.Start(); err != nil {
		if stopErr := e.render.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		e.ring.Reset()
		return &RuntimeError{Op: "start capture", Err: err}
	}
	e.running.Store(true)
	e.log.Info("started", "device", e.dev.Name)
	return nil
}

// Stop blocks until neither callback can run again and then empties the
// ring. It is a no-op while stopped.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}
	err := errors.Join(e.capture.Stop(), e.render.Stop())
	e.running.Store(false)
	e.ring.Reset()
	if err != nil {
		return &RuntimeError{Op: "stop", Err: err}
	}
	e.log.Info("stopped", "device", e.dev.Name)
	return nil
}

// IsRunning reports whether both paths are active.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Stats must be called from the control thread.
func (e *Engine) Stats() Stats {
	s := Stats{
		Running:   e.running.Load(),
		Underruns: e.underruns.Load(),
		Overflows: e.overflows.Load(),
	}
	if !e.configured {
		return s
	}
	s.Device = e.dev.Name
	s.InputChannels = e.inChannels
	s.OutputChannels = e.outChannels
	s.Output = unpackRange(e.output.Load())
	s.Buffered = e.ring.AvailableRead() / e.frameBytes
	s.Capacity = (e.ring.Capacity() - 1) / e.frameBytes
	return s
}

// Close stops the engine, disposes its units and releases its registry slot.
func (e *Engine) Close() error {
	err := e.Stop()
	err = errors.Join(err, e.disposeUnits())
	e.configured = false
	e.reg.release(e.slot)
	return err
}

func (e *Engine) disposeUnits() error {
	var err error
	if e.capture != nil {
		err = errors.Join(err, e.capture.Dispose())
		e.capture = nil
	}
	if e.render != nil {
		err = errors.Join(err, e.render.Dispose())
		e.render = nil
	}
	return err
}

// processCapture runs on the capture thread.
func (e *Engine) processCapture(in []float32) {
	b := ringbuffer.Float32Bytes(in)
	if n := e.ring.WriteAligned(b, e.frameBytes); n < len(b) {
		e.overflows.Add(1)
	}
}

// processRender runs on the render thread. Channels outside the routed
// range are silent; frames the ring cannot supply are silent.
func (e *Engine) processRender(out []float32) {
	clear(out)
	inCh, outCh := e.inChannels, e.outChannels
	if inCh == 0 || outCh == 0 {
		return
	}

	r := unpackRange(e.output.Load())
	width := min(r.Len(), inCh)
	frames := len(out) / outCh
	chunk := len(e.scratch) / inCh

	for done := 0; done < frames; done += chunk {
		n := min(chunk, frames-done)
		block := e.scratch[:n*inCh]

		got := e.ring.ReadAligned(ringbuffer.Float32Bytes(block), e.frameBytes) / bytesPerSample
		if got < len(block) {
			clear(block[got:])
			e.underruns.Add(1)
		}
		if e.opts.Processor != nil {
			e.opts.Processor.Process(block, inCh)
		}
		if e.opts.Tap != nil {
			e.opts.Tap.Write(block, inCh)
		}

		for f := 0; f < n; f++ {
			dst := out[(done+f)*outCh+r.Start:]
			copy(dst[:width], block[f*inCh:f*inCh+width])
		}
	}
}

func checkRange(agg device.Ref, r topology.ChannelRange) error {
	if r.Empty() || r.Start < 0 || r.End > agg.OutputChannels {
		return &ConfigurationError{
			Op:     "render",
			Device: agg.Name,
			Reason: fmt.Sprintf("channel range %s outside %d output channels", r, agg.OutputChannels),
		}
	}
	return nil
}

func packRange(r topology.ChannelRange) uint64 {
	return uint64(uint32(r.Start))<<32 | uint64(uint32(r.End))
}

func unpackRange(v uint64) topology.ChannelRange {
	return topology.ChannelRange{Start: int(uint32(v >> 32)), End: int(uint32(v))}
}
