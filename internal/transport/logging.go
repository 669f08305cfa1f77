package transport

import (
	"sync"

	applog "audiorouter/internal/log"
)

// LoggingTransport implements the Transport interface by logging routing
// transitions. It is used when no remote front end is configured, and only
// logs a state when it differs from the previous one.
type LoggingTransport struct {
	log  *applog.Logger
	mu   sync.Mutex
	last string
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	return &LoggingTransport{log: applog.With("component", "routing")}
}

// Send logs state messages; other payloads are logged at debug level.
func (lt *LoggingTransport) Send(data any) error {
	var state *StateView
	switch v := data.(type) {
	case *StateView:
		state = v
	case Message:
		state = v.State
	}
	if state == nil {
		lt.log.Debug("transport message", "type", typeOf(data))
		return nil
	}

	output := ""
	if state.Output != nil {
		output = state.Output.UID
	}
	key := state.Phase + "|" + output
	if state.Aggregate != nil {
		key += "|" + state.Aggregate.UID
	}

	lt.mu.Lock()
	changed := key != lt.last
	lt.last = key
	lt.mu.Unlock()

	if changed {
		kv := []any{"phase", state.Phase}
		if state.Aggregate != nil {
			kv = append(kv, "aggregate", state.Aggregate.UID)
		}
		if state.Output != nil {
			kv = append(kv, "output", output, "channels", state.OutputRange)
		}
		if state.Parked {
			kv = append(kv, "parked", state.Intent.AggregateUID)
		}
		lt.log.Info("routing state", kv...)
	}
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	return nil
}

func typeOf(data any) string {
	if m, ok := data.(Message); ok {
		return m.Type
	}
	return "unknown"
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
