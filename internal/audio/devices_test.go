package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"

	"audiorouter/internal/config"
	"audiorouter/internal/device"
)

func mockDevices(t *testing.T, devices []*portaudio.DeviceInfo, err error) {
	t.Helper()
	orig := paLibDevicesFunc
	t.Cleanup(func() { paLibDevicesFunc = orig })
	paLibDevicesFunc = func() ([]*portaudio.DeviceInfo, error) {
		return devices, err
	}
}

func testInfos() []*portaudio.DeviceInfo {
	host := &portaudio.HostApiInfo{Name: "ALSA"}
	return []*portaudio.DeviceInfo{
		{Name: "Loopback", MaxInputChannels: 2, DefaultSampleRate: 48000, HostApi: host},
		{Name: "Speakers", MaxOutputChannels: 2, DefaultSampleRate: 48000, HostApi: host},
		{Name: "Router", MaxInputChannels: 2, MaxOutputChannels: 2, DefaultSampleRate: 48000, HostApi: host},
	}
}

func TestDeviceUID(t *testing.T) {
	tests := []struct {
		info     *portaudio.DeviceInfo
		expected string
	}{
		{&portaudio.DeviceInfo{Name: "Speakers", HostApi: &portaudio.HostApiInfo{Name: "Core Audio"}}, "Core Audio:Speakers"},
		{&portaudio.DeviceInfo{Name: "Speakers"}, "default:Speakers"},
	}
	for _, tt := range tests {
		if got := DeviceUID(tt.info); got != tt.expected {
			t.Errorf("DeviceUID() = %q, want %q", got, tt.expected)
		}
	}
}

func TestPlatformDevices(t *testing.T) {
	mockDevices(t, testInfos(), nil)
	p := NewPlatform(config.DevicesConfig{
		Aggregates: []config.AggregateConfig{
			{Name: "Router", Members: []string{"ALSA:Loopback", "ALSA:Speakers"}},
		},
	})

	refs, err := p.Devices()
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("Devices() returned %d devices, want 3", len(refs))
	}
	for i, ref := range refs {
		if ref.Handle != device.Handle(i) {
			t.Errorf("Device handle mismatch: got %d, want %d", ref.Handle, i)
		}
	}
	if refs[1].UID != "ALSA:Speakers" || refs[1].IsAggregate {
		t.Errorf("unexpected physical device: %+v", refs[1])
	}

	agg := refs[2]
	if !agg.IsAggregate || agg.UID != "aggregate:Router" {
		t.Errorf("unexpected aggregate: %+v", agg)
	}
	members, err := p.AggregateMembers(agg.Handle)
	if err != nil {
		t.Fatalf("AggregateMembers() error: %v", err)
	}
	if strings.Join(members, ",") != "ALSA:Loopback,ALSA:Speakers" {
		t.Errorf("AggregateMembers() = %v", members)
	}

	if _, err := p.AggregateMembers(refs[0].Handle); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound for non-aggregate, got %v", err)
	}
}

func TestPlatformDevices_paDevicesError(t *testing.T) {
	mockDevices(t, nil, fmt.Errorf("mock error"))

	_, err := NewPlatform(config.DevicesConfig{}).Devices()
	if err == nil || !strings.Contains(err.Error(), "mock error") {
		t.Errorf("expected mock error, got %v", err)
	}
}

func TestNilDevices(t *testing.T) {
	mockDevices(t, nil, nil)

	devices, err := paDevices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if devices == nil {
		t.Errorf("expected empty slice, got nil")
	}
}

func TestPortAudioNotInitialized(t *testing.T) {
	mockDevices(t, nil, fmt.Errorf("PortAudio not initialized"))

	devices, err := paDevices()
	if err == nil || !strings.Contains(err.Error(), "PortAudio not initialized") {
		t.Errorf("expected 'PortAudio not initialized' error, got %v", err)
	}
	if devices != nil {
		t.Errorf("expected devices to be nil on error, got %v", devices)
	}
}

func TestPlatformDefaultDevices(t *testing.T) {
	infos := testInfos()
	mockDevices(t, infos, nil)

	origIn, origOut := paLibDefaultInputDeviceFunc, paLibDefaultOutputDeviceFunc
	defer func() {
		paLibDefaultInputDeviceFunc = origIn
		paLibDefaultOutputDeviceFunc = origOut
	}()
	paLibDefaultInputDeviceFunc = func() (*portaudio.DeviceInfo, error) { return infos[0], nil }
	paLibDefaultOutputDeviceFunc = func() (*portaudio.DeviceInfo, error) {
		return nil, fmt.Errorf("mock default output error")
	}

	p := NewPlatform(config.DevicesConfig{})
	if _, err := p.Devices(); err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	in, out, err := p.DefaultDevices()
	if err != nil {
		t.Fatalf("DefaultDevices() error: %v", err)
	}
	if in != 0 {
		t.Errorf("default input = %d, want 0", in)
	}
	if out != device.InvalidHandle {
		t.Errorf("default output = %d, want InvalidHandle", out)
	}
}

func TestStalePlatformReinitializes(t *testing.T) {
	mockDevices(t, testInfos(), nil)

	origInit, origTerm := paLibInitialize, paLibTerminate
	defer func() {
		paLibInitialize = origInit
		paLibTerminate = origTerm
	}()
	var calls []string
	paLibInitialize = func() error { calls = append(calls, "init"); return nil }
	paLibTerminate = func() error { calls = append(calls, "term"); return nil }

	p := NewPlatform(config.DevicesConfig{})

	p.stale.Store(true)
	p.streams.Store(1)
	if _, err := p.Devices(); err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("re-initialized with an open stream: %v", calls)
	}

	p.streams.Store(0)
	if _, err := p.Devices(); err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	if strings.Join(calls, ",") != "term,init" {
		t.Errorf("calls = %v, want [term init]", calls)
	}
	if p.stale.Load() {
		t.Error("platform still stale after re-initialization")
	}
}

func TestPlatformWatch(t *testing.T) {
	dir := t.TempDir()
	p := NewPlatform(config.DevicesConfig{WatchPaths: []string{dir, filepath.Join(dir, "missing")}})

	changed := make(chan struct{}, 8)
	stop, err := p.Watch(func() { changed <- struct{}{} })
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "pcmC1D0p"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after device node was created")
	}
	if !p.stale.Load() {
		t.Error("platform not marked stale after change")
	}

	stop()
	stop()
}

func TestErrorInitialize(t *testing.T) {
	orig := paLibInitialize
	defer func() { paLibInitialize = orig }()

	paLibInitialize = func() error { return nil }
	if err := Initialize(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	paLibInitialize = func() error { return fmt.Errorf("mock init error") }
	if err := Initialize(); err == nil || !strings.Contains(err.Error(), "mock init error") {
		t.Errorf("expected mock init error, got %v", err)
	}
}

func TestErrorTerminate(t *testing.T) {
	orig := paLibTerminate
	defer func() { paLibTerminate = orig }()

	paLibTerminate = func() error { return nil }
	if err := Terminate(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	paLibTerminate = func() error { return fmt.Errorf("mock term error") }
	if err := Terminate(); err == nil || !strings.Contains(err.Error(), "mock term error") {
		t.Errorf("expected mock term error, got %v", err)
	}
}

func TestUnitOrdering(t *testing.T) {
	mockDevices(t, testInfos(), nil)
	p := NewPlatform(config.DevicesConfig{})
	refs, err := p.Devices()
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}

	u := NewPortAudioBackend(p).NewRenderUnit(func([]float32) {})
	if err := u.SetFormat(Format{SampleRate: 48000, Channels: 2}); !errors.Is(err, ErrDeviceNotSet) {
		t.Errorf("SetFormat before SetDevice = %v, want ErrDeviceNotSet", err)
	}
	if err := u.Initialize(); !errors.Is(err, ErrDeviceNotSet) {
		t.Errorf("Initialize before SetDevice = %v, want ErrDeviceNotSet", err)
	}
	if err := u.SetDevice(refs[1]); err != nil {
		t.Fatalf("SetDevice() error: %v", err)
	}
	if err := u.Initialize(); !errors.Is(err, ErrFormatNotSet) {
		t.Errorf("Initialize before SetFormat = %v, want ErrFormatNotSet", err)
	}
	if err := u.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Start before Initialize = %v, want ErrNotInitialized", err)
	}
	if err := u.SetFormat(Format{SampleRate: 48000, Channels: 6}); err == nil ||
		!strings.Contains(err.Error(), "does not support output") {
		t.Errorf("expected channel count rejection, got %v", err)
	}

	stale := refs[1]
	stale.Name = "Headphones"
	if err := u.SetDevice(stale); err == nil {
		t.Error("expected SetDevice to reject a handle that now names another device")
	}
	if err := u.SetDevice(device.Ref{Handle: 99}); err == nil || !strings.Contains(err.Error(), "invalid device ID") {
		t.Errorf("expected invalid device ID, got %v", err)
	}
}

func TestUnitFormatNegotiation(t *testing.T) {
	mockDevices(t, testInfos(), nil)
	orig := paLibIsFormatSupported
	defer func() { paLibIsFormatSupported = orig }()

	var got portaudio.StreamParameters
	paLibIsFormatSupported = func(params portaudio.StreamParameters, _ ...interface{}) error {
		got = params
		if params.SampleRate != 48000 {
			return fmt.Errorf("mock invalid sample rate")
		}
		return nil
	}

	p := NewPlatform(config.DevicesConfig{})
	refs, err := p.Devices()
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}

	u := NewPortAudioBackend(p).NewCaptureUnit(func([]float32) {})
	if err := u.SetDevice(refs[0]); err != nil {
		t.Fatalf("SetDevice() error: %v", err)
	}
	if err := u.SetFormat(Format{SampleRate: 44100, Channels: 2}); err == nil ||
		!strings.Contains(err.Error(), "mock invalid sample rate") {
		t.Errorf("expected mock rejection, got %v", err)
	}
	if err := u.SetFormat(Format{SampleRate: 48000, Channels: 2, FramesPerBuffer: 256}); err != nil {
		t.Fatalf("SetFormat() error: %v", err)
	}
	if got.Input.Channels != 2 || got.Output.Channels != 0 || got.FramesPerBuffer != 256 {
		t.Errorf("unexpected stream parameters: %+v", got)
	}
	if err := u.Initialize(); err != nil {
		t.Errorf("Initialize() error: %v", err)
	}
	if err := u.Dispose(); err != nil {
		t.Errorf("Dispose() error: %v", err)
	}
}
