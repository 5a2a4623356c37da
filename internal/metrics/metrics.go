package metrics

import "sync"

// Event names counted by the signaling core. Names are intentionally simple;
// they surface as the `event` label on the Prometheus counter.
const (
	EventPeerConnected    = "peer_connected"
	EventPeerReconnected  = "peer_reconnected"
	EventPeerTimeout      = "peer_timeout"
	EventWorkerConnected  = "worker_connected"
	EventWorkerTimeout    = "worker_timeout"
	EventFrameInvalid     = "frame_invalid"
	EventFrameRateLimited = "frame_rate_limited"
	EventQueueDropped     = "queue_dropped"
	EventRoutingMiss      = "routing_miss"
	EventOrphanProducer   = "orphan_producer_closed"
	EventOrphanTransport  = "orphan_transport_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The signaling server is expected to plug into a real metrics backend
// eventually; this type keeps drop/timeout accounting testable and scrapeable
// in the meantime.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
