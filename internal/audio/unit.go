// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"

	"audiorouter/internal/device"
)

var (
	// ErrDeviceNotSet is returned when a format is negotiated before a device is set.
	ErrDeviceNotSet = errors.New("unit has no device")
	// ErrFormatNotSet is returned when a unit is initialized before its format is negotiated.
	ErrFormatNotSet = errors.New("unit has no format")
	// ErrNotInitialized is returned when an uninitialized unit is started.
	ErrNotInitialized = errors.New("unit not initialized")
	// ErrNotConfigured is returned when the engine is used before Configure succeeded.
	ErrNotConfigured = errors.New("engine not configured")
	// ErrEngineRunning is returned when Configure is called on a running engine.
	ErrEngineRunning = errors.New("engine is running")
)

// Format describes the stream negotiated on one path.
type Format struct {
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	LowLatency      bool
}

// Unit is one real-time audio path bound to one device. The device must be
// set before the format is negotiated, and the format before the unit is
// initialized; backends reject any other order.
type Unit interface {
	SetDevice(dev device.Ref) error
	SetFormat(f Format) error
	Initialize() error
	Start() error
	// Stop returns only once the unit's callback will no longer be invoked.
	Stop() error
	Dispose() error
}

// Backend creates units. Capture callbacks receive interleaved input
// samples; render callbacks fill interleaved output samples.
type Backend interface {
	NewCaptureUnit(cb func(in []float32)) Unit
	NewRenderUnit(cb func(out []float32)) Unit
}

// Processor transforms captured frames in place before they are rendered.
// It runs on the render thread and must not block or allocate.
type Processor interface {
	Process(block []float32, channels int)
}

// Tap observes the block about to be rendered. It runs on the render
// thread and must not block or allocate.
type Tap interface {
	Write(block []float32, channels int)
}

// ConfigurationError reports a failed format negotiation or a rejected
// device configuration. The engine keeps its previous configuration.
type ConfigurationError struct {
	Op     string
	Device string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configure %s", e.Op)
	if e.Device != "" {
		msg += fmt.Sprintf(" on %q", e.Device)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RuntimeError reports a unit that failed to start or stop on an otherwise
// valid configuration. The engine is left stopped.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
