package utils

import (
	"math"
	"sync"
)

// MockSender records packets instead of transmitting them.
type MockSender struct {
	mu         sync.Mutex
	LastPacket []byte
	Packets    int
}

// Send stores a copy of p for later inspection.
func (m *MockSender) Send(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastPacket = make([]byte, len(p))
	copy(m.LastPacket, p)
	m.Packets++
	return nil
}

// Last returns the most recent packet and the number of packets sent.
func (m *MockSender) Last() ([]byte, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastPacket, m.Packets
}

// GenerateComplexWave returns frames interleaved frames of a 440Hz
// fundamental with two harmonics, identical on every channel.
func GenerateComplexWave(frames, channels int, sampleRate float64) []float32 {
	buffer := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2 // 440Hz fundamental + harmonics
		for ch := 0; ch < channels; ch++ {
			buffer[i*channels+ch] = float32(signal * 0.9)
		}
	}
	return buffer
}

// GenerateSineWave returns frames interleaved frames of a sine at frequency
// with the given peak amplitude, identical on every channel.
func GenerateSineWave(frames, channels int, sampleRate, frequency, amplitude float64) []float32 {
	buffer := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		t := float64(i) / sampleRate
		v := float32(math.Sin(2*math.Pi*frequency*t) * amplitude)
		for ch := 0; ch < channels; ch++ {
			buffer[i*channels+ch] = v
		}
	}
	return buffer
}

// GenerateRamp returns frames interleaved frames where sample (f, ch) is
// f*channels+ch, which makes misrouted channels easy to spot.
func GenerateRamp(frames, channels int) []float32 {
	buffer := make([]float32, frames*channels)
	for i := range buffer {
		buffer[i] = float32(i)
	}
	return buffer
}

func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
