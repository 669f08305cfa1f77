// SPDX-License-Identifier: MIT
package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	applog "audiorouter/internal/log"
)

// Options configure a Monitor.
type Options struct {
	SampleRate  float64
	Interval    time.Duration
	FFTSize     int
	Window      WindowFunc
	Bands       []Band
	MaxChannels int

	// RecordFile enables recording when set. A channel count change starts
	// a new file with a numeric suffix.
	RecordFile string
	BitDepth   int
}

// Reading is the most recent analysis of the routed signal.
type Reading struct {
	Channels       int       `json:"channels"`
	Levels         Levels    `json:"levels"`
	Bands          []Band    `json:"bands"`
	BandEnergy     []float64 `json:"band_energy"`
	Dropped        uint64    `json:"dropped"`
	Recording      string    `json:"recording,omitempty"`
	RecordedFrames int64     `json:"recorded_frames"`
	At             time.Time `json:"at"`
}

// Monitor drains a Tap on a fixed interval and keeps the latest Reading.
type Monitor struct {
	opts     Options
	log      *applog.Logger
	tap      *Tap
	meter    *Meter
	spectrum *Spectrum
	recorder *Recorder
	buf      []float32

	files int
	path  string

	mu      sync.Mutex
	reading Reading
}

// New creates a monitor and its tap.
func New(opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("monitor interval must be positive")
	}
	if opts.MaxChannels <= 0 {
		return nil, fmt.Errorf("monitor max channels must be positive")
	}
	spectrum, err := NewSpectrum(opts.FFTSize, opts.SampleRate, opts.Window, opts.Bands)
	if err != nil {
		return nil, err
	}

	// Hold two intervals so a late tick does not drop blocks.
	frames := max(int(opts.SampleRate*opts.Interval.Seconds())*2, opts.FFTSize)

	m := &Monitor{
		opts:     opts,
		log:      applog.With("component", "monitor"),
		tap:      NewTap(frames, opts.MaxChannels),
		meter:    NewMeter(frames),
		spectrum: spectrum,
		buf:      make([]float32, frames*opts.MaxChannels),
	}
	if opts.RecordFile != "" {
		if m.recorder, err = NewRecorder(opts.SampleRate, opts.BitDepth); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Tap returns the tap to install in the routing engine.
func (m *Monitor) Tap() *Tap {
	return m.tap
}

// Run drains the tap until ctx is done, then closes any open recording.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Drain()
			return m.closeRecording()
		case <-ticker.C:
			m.Drain()
		}
	}
}

// Drain processes everything currently buffered in the tap.
func (m *Monitor) Drain() {
	frames, channels := m.tap.Read(m.buf)
	if frames == 0 {
		return
	}
	block := m.buf[:frames*channels]

	if m.recorder != nil {
		m.record(block, channels)
	}

	levels := m.meter.Measure(block, channels)
	// Analyse the newest frames.
	start := max(0, frames-m.spectrum.size) * channels
	energy := m.spectrum.Analyze(block[start:], channels)

	m.mu.Lock()
	m.reading = Reading{
		Channels:   channels,
		Levels:     levels.Clone(),
		Bands:      m.spectrum.Bands(),
		BandEnergy: append([]float64(nil), energy...),
		Dropped:    m.tap.Dropped(),
		Recording:  m.path,
		At:         time.Now(),
	}
	if m.recorder != nil {
		m.reading.RecordedFrames = m.recorder.Frames()
	}
	m.mu.Unlock()
}

// Reading returns a copy of the latest reading.
func (m *Monitor) Reading() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reading
	r.Levels = r.Levels.Clone()
	r.BandEnergy = append([]float64(nil), r.BandEnergy...)
	return r
}

func (m *Monitor) record(block []float32, channels int) {
	if m.recorder.Recording() && m.recorder.Channels() != channels {
		if err := m.closeRecording(); err != nil {
			m.log.Error("failed to close recording", "file", m.path, "err", err)
		}
	}
	if !m.recorder.Recording() {
		path := m.nextPath()
		if err := m.recorder.Start(path, channels); err != nil {
			m.log.Error("failed to start recording", "file", path, "err", err)
			return
		}
		m.path = path
		m.log.Info("recording routed signal", "file", path, "channels", channels)
	}
	if err := m.recorder.Write(block); err != nil {
		m.log.Error("recording write failed", "file", m.path, "err", err)
		if stopErr := m.recorder.Stop(); stopErr != nil {
			m.log.Error("failed to close recording", "file", m.path, "err", stopErr)
		}
	}
}

func (m *Monitor) closeRecording() error {
	if m.recorder == nil || !m.recorder.Recording() {
		return nil
	}
	frames := m.recorder.Frames()
	if err := m.recorder.Stop(); err != nil {
		return errors.Join(fmt.Errorf("failed to finalise %s", m.path), err)
	}
	m.log.Info("recording saved", "file", m.path, "frames", frames)
	return nil
}

// nextPath returns RecordFile for the first file and name-N.ext after that.
func (m *Monitor) nextPath() string {
	m.files++
	if m.files == 1 {
		return m.opts.RecordFile
	}
	ext := filepath.Ext(m.opts.RecordFile)
	base := strings.TrimSuffix(m.opts.RecordFile, ext)
	return fmt.Sprintf("%s-%d%s", base, m.files, ext)
}
