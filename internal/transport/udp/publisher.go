// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	applog "audiorouter/internal/log"
	"audiorouter/internal/transport"
)

// Sender transmits one datagram. UDPSender is the production implementation.
type Sender interface {
	Send(data []byte) error
}

// Source returns the current telemetry sample.
type Source func() (transport.Telemetry, error)

// UDPPublisher periodically samples engine telemetry, packs it into a
// binary packet and sends it with a Sender. It runs in its own goroutine
// managed by Start and Stop.
type UDPPublisher struct {
	sender   Sender
	source   Source
	interval time.Duration
	log      *applog.Logger

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects ticker and doneChan during Start/Stop.

	sequenceNum  uint32
	packetBuffer *bytes.Buffer // Reused for every packet.
}

// NewUDPPublisher creates a publisher. If the interval is invalid (<= 0), it
// defaults to 100ms.
func NewUDPPublisher(interval time.Duration, sender Sender, source Source) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("UDPPublisher: telemetry source cannot be nil")
	}

	log := applog.With("component", "udp")
	if interval <= 0 {
		interval = 100 * time.Millisecond
		log.Warn("invalid telemetry interval, using default", "interval", interval)
	}

	return &UDPPublisher{
		sender:       sender,
		source:       source,
		interval:     interval,
		log:          log,
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Start begins the periodic publishing process. Calling Start while running
// is a no-op.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		p.log.Warn("publisher already running")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	// Local copies avoid races on p.ticker/p.doneChan.
	ticker := p.ticker
	doneChan := p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Info("telemetry publisher started", "interval", p.interval)
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine to terminate and waits for it to
// exit. It is safe to call Stop multiple times.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("telemetry publisher stopped", "packets", p.sequenceNum)
	return nil
}

/*
UDP Packet Structure (BigEndian)

+------------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description              |
|-------------------|----------------|--------------|--------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing |
| Timestamp         | int64          | 8            | Nanoseconds since epoch  |
| Flags             | uint8          | 1            | Bit 0: engine running    |
| Buffered Frames   | uint32         | 4            | Frames waiting in ring   |
| Capacity Frames   | uint32         | 4            | Ring capacity            |
| Underruns         | uint64         | 8            | Render shortfalls        |
| Overflows         | uint64         | 8            | Capture drops            |
| Channel Count     | uint16         | 2            | Number of channels (C)   |
| Peak dBFS         | []float32      | C * 4        | Per-channel peak         |
| RMS dBFS          | []float32      | C * 4        | Per-channel RMS          |
| Band Count        | uint16         | 2            | Number of bands (B)      |
| Band Energy       | []float32      | B * 4        | Per-band RMS magnitude   |
+------------------------------------------------------------------------------+

Channel and band counts are zero when no monitor reading is available.
*/

// HeaderSize is the fixed part of a packet before the per-channel fields.
const HeaderSize = 4 + 8 + 1 + 4 + 4 + 8 + 8 + 2

const flagRunning = 1 << 0

// buildAndSendPacket samples the source, packs one packet and sends it.
func (p *UDPPublisher) buildAndSendPacket() {
	t, err := p.source()
	if err != nil {
		p.log.Debug("telemetry source unavailable", "err", err)
		return
	}

	p.sequenceNum++
	p.packetBuffer.Reset()
	if err := p.pack(t, time.Now().UnixNano()); err != nil {
		p.log.Error("error packing telemetry", "err", err)
		return
	}

	packetBytes := p.packetBuffer.Bytes()
	if err := p.sender.Send(packetBytes); err == nil {
		p.log.Debug("sent telemetry packet", "seq", p.sequenceNum, "bytes", len(packetBytes))
	}
}

func (p *UDPPublisher) pack(t transport.Telemetry, timestamp int64) error {
	var flags uint8
	if t.Running {
		flags |= flagRunning
	}

	var peak, rms, bands []float64
	if t.Monitor != nil {
		peak = t.Monitor.Levels.PeakdB
		rms = t.Monitor.Levels.RMSdB
		bands = t.Monitor.BandEnergy
	}

	w := p.packetBuffer
	fields := []any{
		p.sequenceNum,
		timestamp,
		flags,
		uint32(t.Buffered),
		uint32(t.Capacity),
		t.Underruns,
		t.Overflows,
		uint16(len(peak)),
		float32s(peak),
		float32s(rms),
		uint16(len(bands)),
		float32s(bands),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func float32s(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Packet is a decoded telemetry packet.
type Packet struct {
	Sequence   uint32
	Timestamp  int64
	Running    bool
	Buffered   uint32
	Capacity   uint32
	Underruns  uint64
	Overflows  uint64
	PeakDB     []float32
	RMSDB      []float32
	BandEnergy []float32
}

// ParsePacket decodes a packet produced by UDPPublisher.
func ParsePacket(data []byte) (Packet, error) {
	var (
		pkt      Packet
		flags    uint8
		channels uint16
		bands    uint16
	)
	r := bytes.NewReader(data)
	read := func(v any) error {
		return binary.Read(r, binary.BigEndian, v)
	}

	header := []any{&pkt.Sequence, &pkt.Timestamp, &flags, &pkt.Buffered, &pkt.Capacity,
		&pkt.Underruns, &pkt.Overflows, &channels}
	for _, v := range header {
		if err := read(v); err != nil {
			return pkt, fmt.Errorf("truncated telemetry header: %w", err)
		}
	}
	pkt.Running = flags&flagRunning != 0

	pkt.PeakDB = make([]float32, channels)
	pkt.RMSDB = make([]float32, channels)
	if err := read(pkt.PeakDB); err != nil {
		return pkt, fmt.Errorf("truncated peak levels: %w", err)
	}
	if err := read(pkt.RMSDB); err != nil {
		return pkt, fmt.Errorf("truncated rms levels: %w", err)
	}
	if err := read(&bands); err != nil {
		return pkt, fmt.Errorf("truncated band count: %w", err)
	}
	pkt.BandEnergy = make([]float32, bands)
	if err := read(pkt.BandEnergy); err != nil {
		return pkt, fmt.Errorf("truncated band energy: %w", err)
	}
	return pkt, nil
}

// Close implements the io.Closer interface. It stops the publisher goroutine.
func (p *UDPPublisher) Close() error {
	return p.Stop()
}

var _ interface{ Close() error } = (*UDPPublisher)(nil)
