// SPDX-License-Identifier: MIT
package monitor

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"audiorouter/pkg/bitint"
)

// WindowFunc selects the FFT window.
type WindowFunc int

const (
	Hann WindowFunc = iota
	Hamming
	Blackman
	BlackmanNuttall
)

// ParseWindowFunc converts a name (case-insensitive) to a WindowFunc. Unknown
// names return Hann and an error.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "hann", "hanning", "":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	default:
		return Hann, fmt.Errorf("unknown FFT window function name: '%s'", name)
	}
}

// Band is a named frequency range.
type Band struct {
	Name   string  `json:"name"`
	LowHz  float64 `json:"low_hz"`
	HighHz float64 `json:"high_hz"`
}

// DefaultBands covers the audible range in six bands.
var DefaultBands = []Band{
	{Name: "sub", LowHz: 20, HighHz: 60},
	{Name: "bass", LowHz: 60, HighHz: 250},
	{Name: "lowMid", LowHz: 250, HighHz: 500},
	{Name: "mid", LowHz: 500, HighHz: 2000},
	{Name: "highMid", LowHz: 2000, HighHz: 4000},
	{Name: "treble", LowHz: 4000, HighHz: math.Inf(1)},
}

// Spectrum computes band energies of the mono downmix of the routed signal.
// Buffers are allocated once in NewSpectrum.
type Spectrum struct {
	size       int
	sampleRate float64
	fft        *fourier.FFT
	window     []float64
	input      []float64
	coeffs     []complex128
	bandOf     []int // band index per bin, -1 if none
	bands      []Band
	energy     []float64
	counts     []int
}

// NewSpectrum creates an analyser with an FFT of size points.
func NewSpectrum(size int, sampleRate float64, win WindowFunc, bands []Band) (*Spectrum, error) {
	if !bitint.IsPowerOfTwo(size) {
		return nil, fmt.Errorf("fft size must be a power of 2, got %d", size)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}
	if len(bands) == 0 {
		bands = DefaultBands
	}

	s := &Spectrum{
		size:       size,
		sampleRate: sampleRate,
		fft:        fourier.NewFFT(size),
		window:     make([]float64, size),
		input:      make([]float64, size),
		coeffs:     make([]complex128, size/2+1),
		bandOf:     make([]int, size/2+1),
		bands:      bands,
		energy:     make([]float64, len(bands)),
		counts:     make([]int, len(bands)),
	}
	applyWindow(s.window, win)

	for i := range s.bandOf {
		s.bandOf[i] = -1
		freq := s.Frequency(i)
		for b, band := range bands {
			if freq >= band.LowHz && freq < band.HighHz {
				s.bandOf[i] = b
				break
			}
		}
	}
	return s, nil
}

// Frequency returns the centre frequency in Hz of bin i.
func (s *Spectrum) Frequency(i int) float64 {
	if i < 0 || i >= len(s.coeffs) {
		return 0
	}
	return float64(i) * s.sampleRate / float64(s.size)
}

// Bands returns the configured bands.
func (s *Spectrum) Bands() []Band {
	return s.bands
}

// Analyze downmixes the first Size frames of an interleaved block, applies
// the window and returns the RMS magnitude per band. Short blocks are
// zero-padded. The result is overwritten by the next call.
func (s *Spectrum) Analyze(block []float32, channels int) []float64 {
	clear(s.input)
	if channels > 0 {
		frames := min(len(block)/channels, s.size)
		scale := 1 / float64(channels)
		for f := 0; f < frames; f++ {
			var sum float64
			for ch := 0; ch < channels; ch++ {
				sum += float64(block[f*channels+ch])
			}
			s.input[f] = sum * scale * s.window[f]
		}
	}

	s.fft.Coefficients(s.coeffs, s.input)

	clear(s.energy)
	clear(s.counts)
	norm := 2 / float64(s.size)
	for i, c := range s.coeffs {
		b := s.bandOf[i]
		if b < 0 {
			continue
		}
		mag := cmplx.Abs(c) * norm
		s.energy[b] += mag * mag
		s.counts[b]++
	}
	for b := range s.energy {
		if s.counts[b] > 0 {
			s.energy[b] = math.Sqrt(s.energy[b] / float64(s.counts[b]))
		}
	}
	return s.energy
}

func applyWindow(coeffs []float64, win WindowFunc) {
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch win {
	case Hamming:
		window.Hamming(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	default:
		window.Hann(coeffs)
	}
}
