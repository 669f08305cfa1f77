// SPDX-License-Identifier: MIT
package transport

import (
	"audiorouter/internal/controller"
	"audiorouter/internal/device"
	"audiorouter/internal/service"
	"audiorouter/internal/topology"
)

// Operations accepted from websocket clients.
const (
	OpSelectAggregate = "select_aggregate"
	OpSelectOutput    = "select_output"
	OpStart           = "start"
	OpStop            = "stop"
	OpRefresh         = "refresh"
	OpSnapshot        = "snapshot"
	OpHealth          = "health"
)

// Message types sent to websocket clients.
const (
	TypeHello     = "hello"
	TypeResult    = "result"
	TypeState     = "state"
	TypeTelemetry = "telemetry"
)

// Request is a client command. ID is echoed in the matching result.
type Request struct {
	ID  string `json:"id,omitempty"`
	Op  string `json:"op"`
	UID string `json:"uid,omitempty"`
}

// Failure is a structured error: a kind from controller.Kind plus a
// human-readable reason.
type Failure struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Message is every server-to-client frame.
type Message struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Client    string      `json:"client,omitempty"`
	OK        bool        `json:"ok,omitempty"`
	Error     *Failure    `json:"error,omitempty"`
	State     *StateView  `json:"state,omitempty"`
	Health    *HealthView `json:"health,omitempty"`
	Telemetry *Telemetry  `json:"telemetry,omitempty"`
}

// DeviceView is the wire form of a device.Ref.
type DeviceView struct {
	UID            string  `json:"uid"`
	Name           string  `json:"name"`
	InputChannels  int     `json:"input_channels"`
	OutputChannels int     `json:"output_channels"`
	SampleRate     float64 `json:"sample_rate,omitempty"`
}

// OutputView is the wire form of a playback member. Ranges are [start, end).
type OutputView struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Output [2]int `json:"output"`
	Stereo [2]int `json:"stereo"`
}

// StateView is the wire form of a service.Snapshot.
type StateView struct {
	Session     string                   `json:"session"`
	Phase       string                   `json:"phase"`
	Aggregate   *DeviceView              `json:"aggregate,omitempty"`
	Output      *OutputView              `json:"output,omitempty"`
	Running     bool                     `json:"running"`
	OutputRange [2]int                   `json:"output_range"`
	Intent      controller.RoutingIntent `json:"intent"`
	Parked      bool                     `json:"parked"`
	Aggregates  []DeviceView             `json:"aggregates"`
	Outputs     []OutputView             `json:"outputs"`
	Underruns   uint64                   `json:"underruns"`
	Overflows   uint64                   `json:"overflows"`
}

// HealthView lists resolved and missing member UIDs of an aggregate.
type HealthView struct {
	Aggregate string   `json:"aggregate"`
	Resolved  []string `json:"resolved"`
	Missing   []string `json:"missing"`
}

// NewStateView converts a snapshot for the wire.
func NewStateView(snap service.Snapshot) *StateView {
	v := &StateView{
		Session:     snap.Session,
		Phase:       snap.Phase.String(),
		Running:     snap.State.Running,
		OutputRange: rangeOf(snap.State.OutputRange),
		Intent:      snap.Intent,
		Parked:      snap.Parked,
		Aggregates:  make([]DeviceView, 0, len(snap.Aggregates)),
		Outputs:     make([]OutputView, 0, len(snap.Outputs)),
		Underruns:   snap.Stats.Underruns,
		Overflows:   snap.Stats.Overflows,
	}
	if snap.State.Aggregate != nil {
		d := deviceView(*snap.State.Aggregate)
		v.Aggregate = &d
	}
	if snap.State.Output != nil {
		o := outputView(*snap.State.Output)
		v.Output = &o
	}
	for _, agg := range snap.Aggregates {
		v.Aggregates = append(v.Aggregates, deviceView(agg))
	}
	for _, out := range snap.Outputs {
		v.Outputs = append(v.Outputs, outputView(out))
	}
	return v
}

// NewFailure classifies err for the wire.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: controller.Kind(err), Reason: controller.Reason(err)}
}

func deviceView(d device.Ref) DeviceView {
	return DeviceView{
		UID:            d.UID,
		Name:           d.Name,
		InputChannels:  d.InputChannels,
		OutputChannels: d.OutputChannels,
		SampleRate:     d.SampleRate,
	}
}

func outputView(s topology.SubDevice) OutputView {
	return OutputView{
		UID:    s.UID,
		Name:   s.Device.Name,
		Output: rangeOf(s.Output),
		Stereo: rangeOf(s.Stereo),
	}
}

func rangeOf(r topology.ChannelRange) [2]int {
	return [2]int{r.Start, r.End}
}
