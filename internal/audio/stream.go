package audio

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/gordonklaus/portaudio"

	"audiorouter/internal/device"
)

var (
	paLibIsFormatSupported = portaudio.IsFormatSupported
	paLibOpenStream        = portaudio.OpenStream
)

// PortAudioBackend creates units that open PortAudio streams on the
// devices of a Platform.
type PortAudioBackend struct {
	platform *Platform
}

// NewPortAudioBackend returns a backend bound to platform's device table.
func NewPortAudioBackend(platform *Platform) *PortAudioBackend {
	return &PortAudioBackend{platform: platform}
}

func (b *PortAudioBackend) NewCaptureUnit(cb func(in []float32)) Unit {
	return &paUnit{platform: b.platform, input: true, callback: cb}
}

func (b *PortAudioBackend) NewRenderUnit(cb func(out []float32)) Unit {
	return &paUnit{platform: b.platform, input: false, callback: cb}
}

// paUnit is one half-duplex PortAudio stream. The stream is opened on Start
// and closed on Stop, so a stopped unit holds no device resources and the
// platform is free to re-enumerate.
type paUnit struct {
	platform *Platform
	input    bool
	callback func([]float32)

	dev         *portaudio.DeviceInfo
	params      portaudio.StreamParameters
	hasFormat   bool
	initialized bool
	stream      *portaudio.Stream
}

func (u *paUnit) SetDevice(dev device.Ref) error {
	info, err := u.platform.info(dev.Handle)
	if err != nil {
		return err
	}
	if info.Name != dev.Name {
		return fmt.Errorf("device %d is now %q, expected %q", dev.Handle, info.Name, dev.Name)
	}
	u.dev = info
	u.hasFormat = false
	u.initialized = false
	return nil
}

func (u *paUnit) SetFormat(f Format) error {
	if u.dev == nil {
		return ErrDeviceNotSet
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}

	side := portaudio.StreamDeviceParameters{Device: u.dev, Channels: f.Channels}
	params := portaudio.StreamParameters{
		SampleRate:      f.SampleRate,
		FramesPerBuffer: f.FramesPerBuffer,
	}
	if u.input {
		if f.Channels > u.dev.MaxInputChannels {
			return fmt.Errorf("device does not support input with %d channels", f.Channels)
		}
		side.Latency = u.dev.DefaultHighInputLatency
		if f.LowLatency {
			side.Latency = u.dev.DefaultLowInputLatency
		}
		params.Input = side
	} else {
		if f.Channels > u.dev.MaxOutputChannels {
			return fmt.Errorf("device does not support output with %d channels", f.Channels)
		}
		side.Latency = u.dev.DefaultHighOutputLatency
		if f.LowLatency {
			side.Latency = u.dev.DefaultLowOutputLatency
		}
		params.Output = side
	}

	if err := paLibIsFormatSupported(params, make([]float32, 0)); err != nil {
		return fmt.Errorf("format %.0f Hz x %d rejected: %w", f.SampleRate, f.Channels, err)
	}
	u.params = params
	u.hasFormat = true
	return nil
}

func (u *paUnit) Initialize() error {
	if u.dev == nil {
		return ErrDeviceNotSet
	}
	if !u.hasFormat {
		return ErrFormatNotSet
	}
	u.initialized = true
	return nil
}

func (u *paUnit) Start() error {
	if !u.initialized {
		return ErrNotInitialized
	}
	if u.stream != nil {
		return nil
	}

	stream, err := paLibOpenStream(u.params, u.process)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start stream: %w", err)
	}
	u.stream = stream
	u.platform.streams.Add(1)
	return nil
}

// Stop waits for the pending callback to return before closing the stream.
func (u *paUnit) Stop() error {
	if u.stream == nil {
		return nil
	}
	err := u.stream.Stop()
	err = errors.Join(err, u.stream.Close())
	u.stream = nil
	u.platform.streams.Add(-1)
	return err
}

func (u *paUnit) Dispose() error {
	err := u.Stop()
	u.dev = nil
	u.hasFormat = false
	u.initialized = false
	return err
}

// process is the PortAudio callback.
// Performance Critical:
// - Runs in a dedicated OS thread (LockOSThread)
// - No dynamic allocations in the hot path
func (u *paUnit) process(buf []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	u.callback(buf)
}
