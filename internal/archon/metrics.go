package archon

import (
	"sync/atomic"
	"time"
)

// Metrics tracks wire-level activity for a Device. Nothing in the core
// protocol depends on these values; they exist for operational visibility.
type Metrics struct {
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	CommandsSent    atomic.Uint64
	CommandsFailed  atomic.Uint64
	ReconnectCount  atomic.Uint32
	LastCommandTime atomic.Value // time.Time
}

// Snapshot is a point-in-time copy of Metrics suitable for logging or a
// status endpoint.
type Snapshot struct {
	BytesSent       uint64
	BytesReceived   uint64
	CommandsSent    uint64
	CommandsFailed  uint64
	ReconnectCount  uint32
	LastCommandTime time.Time
}

// Snapshot reads all counters into a plain value.
func (m *Metrics) Snapshot() Snapshot {
	var last time.Time
	if v := m.LastCommandTime.Load(); v != nil {
		last = v.(time.Time)
	}
	return Snapshot{
		BytesSent:       m.BytesSent.Load(),
		BytesReceived:   m.BytesReceived.Load(),
		CommandsSent:    m.CommandsSent.Load(),
		CommandsFailed:  m.CommandsFailed.Load(),
		ReconnectCount:  m.ReconnectCount.Load(),
		LastCommandTime: last,
	}
}

// ReconnectConfig configures automatic reconnection of the TCP connection
// after a write or read failure.
type ReconnectConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnReconnect is invoked after a successful reconnect so callers can
	// resynchronize client-side state. Commands that were running when
	// the connection failed have already been cancelled; none of them is
	// retried.
	OnReconnect func(*Device) error
}
