// Package metrics provides a minimal, concurrency-safe counter registry for
// the presence and relay core. A production deployment is expected to plug
// these counters into a real metrics backend; keeping them in-process keeps
// relay enforcement and drop accounting testable.
package metrics

import "sync"

const (
	PresenceBroadcasts = "presence_broadcasts"
	SignalsRelayed     = "signals_relayed"

	DropReasonUnknownRecipient = "drop_unknown_recipient"
	DropReasonMalformed        = "drop_malformed"
	DropReasonRateLimited      = "drop_rate_limited"
	DropReasonSendQueueFull    = "drop_send_queue_full"

	CapacityRejections = "capacity_rejections"
	RoomsCreated       = "rooms_created"
	RoomsEmptied       = "rooms_emptied"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter, for logging and tests.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
