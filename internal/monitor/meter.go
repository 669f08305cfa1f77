package monitor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// silenceDB is reported for a channel with no signal.
const silenceDB = -120.0

// Levels are per-channel signal levels of the most recent block.
type Levels struct {
	RMS    []float64 `json:"rms"`
	Peak   []float64 `json:"peak"`
	RMSdB  []float64 `json:"rms_db"`
	PeakdB []float64 `json:"peak_db"`
}

// Meter measures RMS and peak levels per channel.
type Meter struct {
	scratch []float64
	levels  Levels
}

// NewMeter creates a meter for blocks of up to maxFrames frames.
func NewMeter(maxFrames int) *Meter {
	return &Meter{scratch: make([]float64, maxFrames)}
}

// Measure computes levels for an interleaved block. The returned Levels are
// owned by the meter and overwritten by the next call.
func (m *Meter) Measure(block []float32, channels int) Levels {
	if channels <= 0 {
		return Levels{}
	}
	frames := len(block) / channels
	if frames > len(m.scratch) {
		m.scratch = make([]float64, frames)
	}
	m.resize(channels)

	x := m.scratch[:frames]
	for ch := 0; ch < channels; ch++ {
		if frames == 0 {
			m.set(ch, 0, 0)
			continue
		}
		for f := range x {
			x[f] = float64(block[f*channels+ch])
		}
		rms := math.Sqrt(floats.Dot(x, x) / float64(frames))
		peak := math.Max(floats.Max(x), -floats.Min(x))
		m.set(ch, rms, peak)
	}
	return m.levels
}

func (m *Meter) set(ch int, rms, peak float64) {
	m.levels.RMS[ch] = rms
	m.levels.Peak[ch] = peak
	m.levels.RMSdB[ch] = ToDB(rms)
	m.levels.PeakdB[ch] = ToDB(peak)
}

func (m *Meter) resize(channels int) {
	if len(m.levels.RMS) == channels {
		return
	}
	m.levels = Levels{
		RMS:    make([]float64, channels),
		Peak:   make([]float64, channels),
		RMSdB:  make([]float64, channels),
		PeakdB: make([]float64, channels),
	}
}

// ToDB converts a linear amplitude to dBFS.
func ToDB(v float64) float64 {
	if v <= 0 {
		return silenceDB
	}
	return math.Max(20*math.Log10(v), silenceDB)
}

// Clone returns a copy that does not share storage with the meter.
func (l Levels) Clone() Levels {
	return Levels{
		RMS:    append([]float64(nil), l.RMS...),
		Peak:   append([]float64(nil), l.Peak...),
		RMSdB:  append([]float64(nil), l.RMSdB...),
		PeakdB: append([]float64(nil), l.PeakdB...),
	}
}
