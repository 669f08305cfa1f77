// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"audiorouter/internal/device"
)

// SimulatedBackend drives units from timers instead of hardware. Capture
// units produce a test tone; render units discard what they are given.
// It pairs with device.Memory for running without audio hardware.
type SimulatedBackend struct {
	// Frequency of the capture tone in Hz.
	Frequency float64
}

// NewSimulatedBackend returns a backend capturing a 440Hz tone.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{Frequency: 440}
}

func (b *SimulatedBackend) NewCaptureUnit(cb func(in []float32)) Unit {
	return &simUnit{input: true, frequency: b.Frequency, capture: cb}
}

func (b *SimulatedBackend) NewRenderUnit(cb func(out []float32)) Unit {
	return &simUnit{render: cb}
}

type simUnit struct {
	input     bool
	frequency float64
	capture   func([]float32)
	render    func([]float32)

	dev         *device.Ref
	format      *Format
	initialized bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (u *simUnit) SetDevice(dev device.Ref) error {
	if u.input && !dev.HasInput() || !u.input && !dev.HasOutput() {
		return fmt.Errorf("device %q has no %s channels", dev.Name, u.direction())
	}
	u.dev = &dev
	u.format = nil
	u.initialized = false
	return nil
}

func (u *simUnit) SetFormat(f Format) error {
	if u.dev == nil {
		return ErrDeviceNotSet
	}
	limit := u.dev.OutputChannels
	if u.input {
		limit = u.dev.InputChannels
	}
	if f.Channels <= 0 || f.Channels > limit {
		return fmt.Errorf("device does not support %s with %d channels", u.direction(), f.Channels)
	}
	if f.SampleRate <= 0 || f.FramesPerBuffer <= 0 {
		return fmt.Errorf("invalid format %.0f Hz, %d frames", f.SampleRate, f.FramesPerBuffer)
	}
	u.format = &f
	return nil
}

func (u *simUnit) Initialize() error {
	if u.dev == nil {
		return ErrDeviceNotSet
	}
	if u.format == nil {
		return ErrFormatNotSet
	}
	u.initialized = true
	return nil
}

func (u *simUnit) Start() error {
	if !u.initialized {
		return ErrNotInitialized
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop != nil {
		return nil
	}
	u.stop = make(chan struct{})
	u.done = make(chan struct{})
	go u.run(*u.format, u.stop, u.done)
	return nil
}

// Stop returns after the timer goroutine has exited.
func (u *simUnit) Stop() error {
	u.mu.Lock()
	stop, done := u.stop, u.done
	u.stop, u.done = nil, nil
	u.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (u *simUnit) Dispose() error {
	err := u.Stop()
	u.dev = nil
	u.format = nil
	u.initialized = false
	return err
}

func (u *simUnit) run(f Format, stop, done chan struct{}) {
	defer close(done)

	buf := make([]float32, f.FramesPerBuffer*f.Channels)
	period := time.Duration(float64(time.Second) * float64(f.FramesPerBuffer) / f.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	step := 2 * math.Pi * u.frequency / f.SampleRate
	var phase float64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !u.input {
			u.render(buf)
			continue
		}
		for i := 0; i < f.FramesPerBuffer; i++ {
			v := float32(0.25 * math.Sin(phase))
			for ch := 0; ch < f.Channels; ch++ {
				buf[i*f.Channels+ch] = v
			}
			phase = math.Mod(phase+step, 2*math.Pi)
		}
		u.capture(buf)
	}
}

func (u *simUnit) direction() string {
	if u.input {
		return "input"
	}
	return "output"
}
