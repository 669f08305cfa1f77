package audio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gordonklaus/portaudio"

	"audiorouter/internal/config"
	"audiorouter/internal/device"
	applog "audiorouter/internal/log"
)

// PortAudio entry points, replaced in tests.
var (
	paLibInitialize              = portaudio.Initialize
	paLibTerminate               = portaudio.Terminate
	paLibDevicesFunc             = portaudio.Devices
	paLibDefaultInputDeviceFunc  = portaudio.DefaultInputDevice
	paLibDefaultOutputDeviceFunc = portaudio.DefaultOutputDevice
)

// Initialize sets up the PortAudio subsystem.
// This must be called before any audio operations and paired with a Terminate() call.
func Initialize() error {
	if err := paLibInitialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate cleanly shuts down the PortAudio subsystem.
// This should be deferred immediately after Initialize().
func Terminate() error {
	if err := paLibTerminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// DeviceUID derives a persistent identifier for a PortAudio device. PortAudio
// indices change when devices come and go; host API and name do not.
func DeviceUID(info *portaudio.DeviceInfo) string {
	host := "default"
	if info.HostApi != nil && info.HostApi.Name != "" {
		host = info.HostApi.Name
	}
	return host + ":" + info.Name
}

// Platform is the device.Platform over PortAudio. A device handle is the
// PortAudio device index of the last enumeration. PortAudio has no notion of
// aggregate membership, so aggregates are declared in configuration: the
// composite device is matched by name and its members by UID.
//
// PortAudio only sees hotplug changes after it is re-initialized, which is
// unsafe while a stream is open. The watcher marks the device list stale and
// the next enumeration with no open streams re-initializes.
type Platform struct {
	aggregates []config.AggregateConfig
	watchPaths []string
	log        *applog.Logger

	streams atomic.Int32
	stale   atomic.Bool

	mu      sync.Mutex
	infos   []*portaudio.DeviceInfo
	members map[device.Handle][]string
}

// NewPlatform creates a PortAudio platform. PortAudio must already be initialized.
func NewPlatform(cfg config.DevicesConfig) *Platform {
	return &Platform{
		aggregates: cfg.Aggregates,
		watchPaths: cfg.WatchPaths,
		log:        applog.With("component", "portaudio"),
		members:    make(map[device.Handle][]string),
	}
}

// paDevices returns all available PortAudio devices, never a nil slice on success.
func paDevices() ([]*portaudio.DeviceInfo, error) {
	devices, err := paLibDevicesFunc()
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*portaudio.DeviceInfo{}
	}
	return devices, nil
}

// Devices enumerates PortAudio devices and tags configured aggregates.
func (p *Platform) Devices() ([]device.Ref, error) {
	if p.stale.Load() && p.streams.Load() == 0 {
		if err := p.reinitialize(); err != nil {
			return nil, err
		}
	}

	infos, err := paDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	aggByName := make(map[string]config.AggregateConfig, len(p.aggregates))
	for _, agg := range p.aggregates {
		aggByName[agg.Name] = agg
	}

	refs := make([]device.Ref, 0, len(infos))
	members := make(map[device.Handle][]string)
	for i, info := range infos {
		ref := device.Ref{
			Handle:         device.Handle(i),
			UID:            DeviceUID(info),
			Name:           info.Name,
			InputChannels:  info.MaxInputChannels,
			OutputChannels: info.MaxOutputChannels,
			SampleRate:     info.DefaultSampleRate,
		}
		if agg, ok := aggByName[info.Name]; ok {
			ref.UID = agg.ResolvedUID()
			ref.IsAggregate = true
			members[ref.Handle] = append([]string(nil), agg.Members...)
		}
		refs = append(refs, ref)
	}

	p.mu.Lock()
	p.infos = infos
	p.members = members
	p.mu.Unlock()
	return refs, nil
}

func (p *Platform) reinitialize() error {
	p.log.Debug("re-initializing to pick up device changes")
	if err := Terminate(); err != nil {
		return err
	}
	if err := Initialize(); err != nil {
		return err
	}
	p.stale.Store(false)
	return nil
}

// DefaultDevices returns the system default input and output handles.
func (p *Platform) DefaultDevices() (device.Handle, device.Handle, error) {
	in, out := device.InvalidHandle, device.InvalidHandle
	if info, err := paLibDefaultInputDeviceFunc(); err == nil {
		in = p.handleOf(info)
	}
	if info, err := paLibDefaultOutputDeviceFunc(); err == nil {
		out = p.handleOf(info)
	}
	return in, out, nil
}

func (p *Platform) handleOf(info *portaudio.DeviceInfo) device.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.infos {
		if d == info || (d.Name == info.Name && DeviceUID(d) == DeviceUID(info)) {
			return device.Handle(i)
		}
	}
	return device.InvalidHandle
}

// AggregateMembers returns the declared member UIDs of the aggregate at h.
func (p *Platform) AggregateMembers(h device.Handle) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.members[h]
	if !ok {
		return nil, fmt.Errorf("device %d is not a declared aggregate: %w", h, device.ErrDeviceNotFound)
	}
	return members, nil
}

// info returns the PortAudio device for a handle of the last enumeration.
func (p *Platform) info(h device.Handle) (*portaudio.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.infos) {
		return nil, fmt.Errorf("invalid device ID: %d", h)
	}
	return p.infos[h], nil
}

// Watch reports changes under the configured watch paths. Paths that do not
// exist are skipped. notify runs on the watcher goroutine.
func (p *Platform) Watch(notify func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create device watcher: %w", err)
	}

	watched := 0
	for _, path := range p.watchPaths {
		if _, err := os.Stat(path); err != nil {
			p.log.Warn("skipping watch path", "path", path, "err", err)
			continue
		}
		if err := watcher.Add(path); err != nil {
			p.log.Warn("failed to watch path", "path", path, "err", err)
			continue
		}
		watched++
	}
	if watched == 0 && len(p.watchPaths) > 0 {
		p.log.Warn("no watch paths available, hotplug changes will not be detected")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				p.log.Debug("device change", "path", ev.Name, "op", ev.Op.String())
				p.stale.Store(true)
				notify()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.Warn("device watcher error", "err", err)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			watcher.Close()
			<-done
		})
	}
	return stop, nil
}
