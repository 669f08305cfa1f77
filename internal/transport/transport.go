package transport

import (
	"context"

	"audiorouter/internal/monitor"
	"audiorouter/internal/service"
	"audiorouter/internal/topology"
)

// Transport defines a generic interface for pushing state and telemetry to
// observers. Implementations should be thread-safe.
type Transport interface {
	Send(data any) error
	Close() error
}

// Router is the part of the routing service a remote front end may drive.
type Router interface {
	SelectAggregate(ctx context.Context, uid string) error
	SelectOutput(ctx context.Context, uid string) error
	StartRouting(ctx context.Context) error
	StopRouting(ctx context.Context) error
	Refresh(ctx context.Context) error
	Snapshot(ctx context.Context) (service.Snapshot, error)
	Health(ctx context.Context, uid string) (topology.Health, error)
}

// Telemetry is one periodic sample of engine and signal state.
type Telemetry struct {
	Session   string           `json:"session"`
	Running   bool             `json:"running"`
	Buffered  int              `json:"buffered"`
	Capacity  int              `json:"capacity"`
	Underruns uint64           `json:"underruns"`
	Overflows uint64           `json:"overflows"`
	Monitor   *monitor.Reading `json:"monitor,omitempty"`
}

// NewTelemetry combines a service snapshot with an optional monitor reading.
func NewTelemetry(snap service.Snapshot, reading *monitor.Reading) Telemetry {
	return Telemetry{
		Session:   snap.Session,
		Running:   snap.Stats.Running,
		Buffered:  snap.Stats.Buffered,
		Capacity:  snap.Stats.Capacity,
		Underruns: snap.Stats.Underruns,
		Overflows: snap.Stats.Overflows,
		Monitor:   reading,
	}
}
