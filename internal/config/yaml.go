// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	applog "audiorouter/internal/log"
	"audiorouter/pkg/bitint"

	"gopkg.in/yaml.v3"
)

// Core configuration constants that define the boundaries and defaults
// for the routing engine.
const (
	DefaultSampleRate      = 48000 // Matches most aggregate clocks
	DefaultFramesPerBuffer = 512   // Balanced latency/performance
	DefaultBufferSeconds   = 1.0   // Absorbs drift between two device clocks
	DefaultDebounce        = 300 * time.Millisecond
	DefaultPrimaryMember   = 1 // Second declared member, first is the loopback source

	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per buffer
)

// DefaultLoopbackPatterns name software loopback drivers that must not be
// offered as playback targets.
var DefaultLoopbackPatterns = []string{
	"BlackHole",
	"Soundflower",
	"Loopback Audio",
	"VB-Cable",
	"Background Music",
}

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug     bool            `yaml:"debug"`     // Enable debug mode (verbose logging).
	LogLevel  string          `yaml:"log_level"` // Logging level (e.g., "debug", "info", "warn", "error").
	Audio     AudioConfig     `yaml:"audio"`     // Stream format settings.
	Devices   DevicesConfig   `yaml:"devices"`   // Device catalog settings.
	Routing   RoutingConfig   `yaml:"routing"`   // Controller settings.
	Transport TransportConfig `yaml:"transport"` // Control API and telemetry.
	Monitor   MonitorConfig   `yaml:"monitor"`   // Signal metering and analysis.
	Recording RecordingConfig `yaml:"recording"` // Monitor recording.
}

// AudioConfig holds settings related to the real-time paths.
type AudioConfig struct {
	SampleRate      float64 `yaml:"sample_rate"`       // Sample rate in Hz (e.g., 44100, 48000).
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // Frames per hardware callback.
	BufferSeconds   float64 `yaml:"buffer_seconds"`    // Ring buffer length in seconds of audio.
	LowLatency      bool    `yaml:"low_latency"`       // Request low latency settings from the device.
}

// AggregateConfig declares a composite device and the ordered UIDs of its members.
type AggregateConfig struct {
	Name    string   `yaml:"name"`    // Device name as reported by the host API.
	UID     string   `yaml:"uid"`     // Persistent UID; defaults to "aggregate:<name>".
	Members []string `yaml:"members"` // Member UIDs in declared order.
}

// DevicesConfig holds settings for device enumeration and change notification.
type DevicesConfig struct {
	WatchPaths []string          `yaml:"watch_paths"` // Paths watched for hotplug events (e.g. /dev/snd).
	Aggregates []AggregateConfig `yaml:"aggregates"`  // Declared aggregate devices.
}

// RoutingConfig holds settings for the output selection and failover controller.
type RoutingConfig struct {
	Debounce           time.Duration `yaml:"debounce"`             // Topology change coalescing window.
	StrictTopology     bool          `yaml:"strict_topology"`      // Fail inspection on any missing member.
	PrimaryMemberIndex int           `yaml:"primary_member_index"` // Resolved member treated as default playback target.
	LoopbackPatterns   []string      `yaml:"loopback_patterns"`    // Name fragments excluded from output selection.
	IntentFile         string        `yaml:"intent_file"`          // Where the routing intent is persisted.
}

// TransportConfig holds settings for the control API and telemetry.
type TransportConfig struct {
	WebSocketEnabled bool          `yaml:"websocket_enabled"`  // Serve the control/status websocket.
	WebSocketAddress string        `yaml:"websocket_address"`  // Listen address, e.g. "127.0.0.1:8080".
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Send engine telemetry over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets.
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between UDP packets.
}

// MonitorConfig holds settings for observing the routed signal.
type MonitorConfig struct {
	Enabled       bool          `yaml:"enabled"`        // Tap the render path for levels and spectrum.
	Interval      time.Duration `yaml:"interval"`       // How often the tap is drained.
	FFTSize       int           `yaml:"fft_size"`       // FFT size (power of 2).
	FFTWindow     string        `yaml:"fft_window"`     // Window: hann, hamming, blackman, blackmannuttall.
	MaxChannels   int           `yaml:"max_channels"`   // Widest block the tap accepts.
	GateThreshold float64       `yaml:"gate_threshold"` // Noise gate threshold 0.0-1.0, 0 disables the gate.
}

// RecordingConfig holds settings for recording the routed signal.
type RecordingConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Record the render path to a WAV file.
	OutputFile string `yaml:"output_file"` // Output path; empty means auto-generated.
	BitDepth   int    `yaml:"bit_depth"`   // 16 or 24.
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
			BufferSeconds:   DefaultBufferSeconds,
		},
		Devices: DevicesConfig{
			WatchPaths: []string{"/dev/snd"},
		},
		Routing: RoutingConfig{
			Debounce:           DefaultDebounce,
			PrimaryMemberIndex: DefaultPrimaryMember,
			LoopbackPatterns:   append([]string(nil), DefaultLoopbackPatterns...),
			IntentFile:         "routing.yaml",
		},
		Transport: TransportConfig{
			WebSocketEnabled: false,
			WebSocketAddress: "127.0.0.1:8080",
			UDPEnabled:       false,
			UDPTargetAddress: "127.0.0.1:9090",
			UDPSendInterval:  100 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			Interval:    50 * time.Millisecond,
			FFTSize:     1024,
			FFTWindow:   "hann",
			MaxChannels: 32,
		},
		Recording: RecordingConfig{
			BitDepth: 16,
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"config.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Audio.SampleRate < MinSampleRate || c.Audio.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %.0f outside [%d, %d]",
			c.Audio.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if c.Audio.FramesPerBuffer <= 0 || c.Audio.FramesPerBuffer > MaxBufferFrames {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d outside (0, %d]",
			c.Audio.FramesPerBuffer, MaxBufferFrames))
	}
	if c.Audio.BufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_seconds must be positive"))
	}
	if c.Routing.Debounce < 0 {
		errs = append(errs, fmt.Errorf("routing.debounce must not be negative"))
	}
	if c.Routing.PrimaryMemberIndex < 0 {
		errs = append(errs, fmt.Errorf("routing.primary_member_index must not be negative"))
	}

	seen := make(map[string]bool)
	for i, agg := range c.Devices.Aggregates {
		if agg.Name == "" {
			errs = append(errs, fmt.Errorf("devices.aggregates[%d].name must be set", i))
			continue
		}
		uid := agg.ResolvedUID()
		if seen[uid] {
			errs = append(errs, fmt.Errorf("devices.aggregates[%d]: duplicate uid %q", i, uid))
		}
		seen[uid] = true
		if len(agg.Members) == 0 {
			errs = append(errs, fmt.Errorf("devices.aggregates[%d] (%s) declares no members", i, agg.Name))
		}
	}

	if c.Transport.WebSocketEnabled && c.Transport.WebSocketAddress == "" {
		errs = append(errs, fmt.Errorf("transport.websocket_address must be set when the websocket is enabled"))
	}
	if c.Transport.UDPEnabled {
		if !strings.Contains(c.Transport.UDPTargetAddress, ":") {
			errs = append(errs, fmt.Errorf("transport.udp_target_address '%s' appears invalid (missing port?)",
				c.Transport.UDPTargetAddress))
		}
		if c.Transport.UDPSendInterval <= 0 {
			errs = append(errs, fmt.Errorf("transport.udp_send_interval must be positive when UDP is enabled"))
		}
	}
	if c.Monitor.Enabled || c.Recording.Enabled {
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Errorf("monitor.interval must be positive"))
		}
		if !bitint.IsPowerOfTwo(c.Monitor.FFTSize) {
			errs = append(errs, fmt.Errorf("monitor.fft_size %d must be a power of 2", c.Monitor.FFTSize))
		}
		if c.Monitor.MaxChannels <= 0 {
			errs = append(errs, fmt.Errorf("monitor.max_channels must be positive"))
		}
	}
	if c.Monitor.GateThreshold < 0 || c.Monitor.GateThreshold > 1 {
		errs = append(errs, fmt.Errorf("monitor.gate_threshold %.2f outside [0, 1]", c.Monitor.GateThreshold))
	}
	if c.Recording.BitDepth != 16 && c.Recording.BitDepth != 24 {
		errs = append(errs, fmt.Errorf("recording.bit_depth must be 16 or 24"))
	}

	return errors.Join(errs...)
}

// ResolvedUID returns the declared UID or one derived from the name.
func (a AggregateConfig) ResolvedUID() string {
	if a.UID != "" {
		return a.UID
	}
	return "aggregate:" + a.Name
}

// applyEnvOverrides applies ENV_* variables on top of file values.
func (cfg *Config) applyEnvOverrides() {
	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
			applog.Debugf("configuration: Overriding debug from env: %v", bVal)
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		cfg.LogLevel = val
		applog.Debugf("configuration: Overriding log_level from env: %s", val)
	}

	// ENV_ROUTING_{...}

	// ENV_ROUTING_DEBOUNCE
	if val, ok := os.LookupEnv("ENV_ROUTING_DEBOUNCE"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Routing.Debounce = dur
			applog.Debugf("configuration: Overriding routing.debounce from env: %s", dur)
		}
	}
	// ENV_ROUTING_INTENT_FILE
	if val, ok := os.LookupEnv("ENV_ROUTING_INTENT_FILE"); ok {
		cfg.Routing.IntentFile = val
		applog.Debugf("configuration: Overriding routing.intent_file from env: %s", val)
	}

	// ENV_UDP_{...}

	// ENV_UDP_ENABLED
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Transport.UDPEnabled = bVal
			applog.Debugf("configuration: Overriding transport.udp_enabled from env: %v", bVal)
		}
	}
	// ENV_UDP_TARGET_ADDRESS
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		cfg.Transport.UDPTargetAddress = val
		applog.Debugf("configuration: Overriding transport.udp_target_address from env: %s", val)
	}
	// ENV_UDP_SEND_INTERVAL
	if val, ok := os.LookupEnv("ENV_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			cfg.Transport.UDPSendInterval = dur
			applog.Debugf("configuration: Overriding transport.udp_send_interval from env: %s", dur)
		}
	}

	// ENV_MONITOR_ENABLED
	if val, ok := os.LookupEnv("ENV_MONITOR_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Monitor.Enabled = bVal
			applog.Debugf("configuration: Overriding monitor.enabled from env: %v", bVal)
		}
	}

	// ENV_WS_ADDRESS
	if val, ok := os.LookupEnv("ENV_WS_ADDRESS"); ok {
		cfg.Transport.WebSocketAddress = val
		applog.Debugf("configuration: Overriding transport.websocket_address from env: %s", val)
	}
}
