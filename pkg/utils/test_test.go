// SPDX-License-Identifier: MIT
package utils

import (
	"math"
	"os"
	"testing"
)

const (
	testSize       = 1024
	testSampleRate = 44100
	testFrequency  = 440.0 // A4 note
)

var testMagnitudes []float64

func TestMain(m *testing.M) {
	testMagnitudes = make([]float64, testSize)

	// Create a peaked distribution with a known peak.
	for i := range testMagnitudes {
		// Creates a "hill" with peak at position testSize/4.
		testMagnitudes[i] = math.Exp(-0.01 * math.Pow(float64(i-testSize/4), 2))
	}

	os.Exit(m.Run())
}

func TestMockSender(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
	}{
		{"Empty Packet", []byte{}},
		{"Single Byte", []byte{1}},
		{"Multiple Bytes", []byte("telemetry")},
		{"Large Packet", make([]byte, 1024)},
	}

	ms := &MockSender{}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ms.Send(tt.packet); err != nil {
				t.Errorf("MockSender.Send() error = %v", err)
			}

			last, n := ms.Last()
			if len(last) != len(tt.packet) {
				t.Errorf("MockSender.Send() stored length = %d, want %d", len(last), len(tt.packet))
			}
			if n != i+1 {
				t.Errorf("MockSender.Send() count = %d, want %d", n, i+1)
			}

			if len(tt.packet) > 0 {
				original := tt.packet[0]
				tt.packet[0] = 0xff // Modify original.
				if last[0] == 0xff && original != 0xff {
					t.Errorf("MockSender.Send() stored reference instead of copy")
				}
				tt.packet[0] = original
			}
		})
	}
}

func TestGenerateComplexWave(t *testing.T) {
	tests := []struct {
		name       string
		frames     int
		channels   int
		sampleRate float64
	}{
		{"Standard", 1024, 2, 44100},
		{"Small", 16, 1, 8000},
		{"Large", 8192, 6, 96000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateComplexWave(tt.frames, tt.channels, tt.sampleRate)

			if len(result) != tt.frames*tt.channels {
				t.Fatalf("GenerateComplexWave() buffer size = %d, want %d",
					len(result), tt.frames*tt.channels)
			}

			hasNonZero := false
			for i, v := range result {
				if v != 0 {
					hasNonZero = true
				}
				if math.Abs(float64(v)) > 1 {
					t.Fatalf("sample %d = %v exceeds full scale", i, v)
				}
			}
			if !hasNonZero {
				t.Errorf("GenerateComplexWave() produced all zeros")
			}
		})
	}
}

func TestGenerateSineWave(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate float64
		frequency  float64
	}{
		{"A4 Note", 44100, 440.0},
		{"Middle C", 44100, 261.63},
		{"High Sample Rate", 192000, 440.0},
		{"Low Sample Rate", 8000, 440.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateSineWave(testSize, 2, tt.sampleRate, tt.frequency, 0.5)

			if len(result) != testSize*2 {
				t.Fatalf("GenerateSineWave() buffer size = %d, want %d", len(result), testSize*2)
			}

			crossCount := 0
			for i := 1; i < testSize; i++ {
				if result[2*i] != result[2*i+1] {
					t.Fatalf("frame %d differs between channels", i)
				}
				prev, cur := result[2*(i-1)], result[2*i]
				if (prev < 0 && cur >= 0) || (prev >= 0 && cur < 0) {
					crossCount++
				}
			}

			// Rough approximation of expected crossings (2 per cycle).
			samplesPerCycle := tt.sampleRate / tt.frequency
			expectedCrossings := float64(testSize) / (samplesPerCycle / 2)
			// Allow 20% margin of error due to phase alignment and sampling.
			tolerance := 0.2 * expectedCrossings

			if math.Abs(float64(crossCount)-expectedCrossings) > tolerance {
				t.Errorf("GenerateSineWave() zero crossings = %d, expected approximately %.1f±%.1f",
					crossCount, expectedCrossings, tolerance)
			}
		})
	}
}

func TestGenerateRamp(t *testing.T) {
	ramp := GenerateRamp(4, 3)
	if len(ramp) != 12 {
		t.Fatalf("GenerateRamp() size = %d, want 12", len(ramp))
	}
	if ramp[2*3+1] != 7 {
		t.Errorf("frame 2 channel 1 = %v, want 7", ramp[7])
	}
}

func TestFindPeakBin(t *testing.T) {
	tests := []struct {
		name     string
		mags     []float64
		start    int
		end      int
		expected int
	}{
		{"Full Range", testMagnitudes, 0, testSize - 1, testSize / 4},
		{"Partial Range Start", testMagnitudes, testSize / 8, testSize - 1, testSize / 4},
		{"Partial Range End", testMagnitudes, 0, testSize / 3, testSize / 4},
		{"Negative Start", testMagnitudes, -10, testSize - 1, testSize / 4},
		{"Out of Range End", testMagnitudes, 0, testSize * 2, testSize / 4},
		{"Empty Slice", []float64{}, 0, 10, 0},
		{"Single Value", []float64{1.0}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FindPeakBin(tt.mags, tt.start, tt.end)
			if result != tt.expected {
				t.Errorf("FindPeakBin() = %d, want %d", result, tt.expected)
			}
		})
	}

	allocs := testing.AllocsPerRun(100, func() {
		FindPeakBin(testMagnitudes, 0, len(testMagnitudes)-1)
	})

	if allocs > 0 {
		t.Errorf("FindPeakBin allocated memory: got %.1f allocs, want 0", allocs)
	}
}

func BenchmarkGenerateComplexWave(b *testing.B) {
	benchmarks := []struct {
		name string
		size int
	}{
		{"Small", 64},
		{"Standard", 1024},
		{"Large", 8192},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()

			for n := 0; n < b.N; n++ {
				GenerateComplexWave(bm.size, 2, testSampleRate)
			}
		})
	}
}
