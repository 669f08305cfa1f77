// SPDX-License-Identifier: MIT
package monitor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrAlreadyRecording is returned by Start while a file is open.
var ErrAlreadyRecording = errors.New("already recording")

// Recorder writes the routed signal to a PCM WAV file. It is driven from the
// monitor goroutine, never from a real-time callback.
type Recorder struct {
	bitDepth   int
	sampleRate int

	recording atomic.Bool
	file      *os.File
	encoder   *wav.Encoder
	buf       *audio.IntBuffer
	channels  int
	frames    int64
}

// NewRecorder creates a recorder producing 16 or 24-bit files.
func NewRecorder(sampleRate float64, bitDepth int) (*Recorder, error) {
	if bitDepth != 16 && bitDepth != 24 {
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	return &Recorder{bitDepth: bitDepth, sampleRate: int(sampleRate)}, nil
}

// Start creates filename and prepares an encoder for channels channels.
func (r *Recorder) Start(filename string, channels int) error {
	if r.recording.Load() {
		return ErrAlreadyRecording
	}
	if channels <= 0 {
		return fmt.Errorf("invalid channel count %d", channels)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	r.file = file
	r.encoder = wav.NewEncoder(file, r.sampleRate, r.bitDepth, channels, 1)
	r.buf = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  r.sampleRate,
		},
		SourceBitDepth: r.bitDepth,
	}
	r.channels = channels
	r.frames = 0
	r.recording.Store(true)
	return nil
}

// Recording reports whether a file is open.
func (r *Recorder) Recording() bool {
	return r.recording.Load()
}

// Channels returns the channel count of the open file.
func (r *Recorder) Channels() int {
	return r.channels
}

// Frames returns the number of frames written to the open file.
func (r *Recorder) Frames() int64 {
	return r.frames
}

// Write encodes an interleaved block. Samples are clipped to [-1, 1].
func (r *Recorder) Write(block []float32) error {
	if !r.recording.Load() {
		return nil
	}
	n := len(block) - len(block)%r.channels
	if n == 0 {
		return nil
	}
	if cap(r.buf.Data) < n {
		r.buf.Data = make([]int, n)
	}
	r.buf.Data = r.buf.Data[:n]

	scale := float64(int(1)<<(r.bitDepth-1) - 1)
	for i, s := range block[:n] {
		v := math.Max(-1, math.Min(1, float64(s)))
		r.buf.Data[i] = int(math.Round(v * scale))
	}
	if err := r.encoder.Write(r.buf); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	r.frames += int64(n / r.channels)
	return nil
}

// Stop finalises the WAV header and closes the file. Stop on an idle
// recorder is a no-op.
func (r *Recorder) Stop() error {
	if !r.recording.Load() {
		return nil
	}
	r.recording.Store(false)

	var errs []error
	if r.encoder != nil {
		errs = append(errs, r.encoder.Close())
		r.encoder = nil
	}
	if r.file != nil {
		errs = append(errs, r.file.Close())
		r.file = nil
	}
	return errors.Join(errs...)
}
