package signaling

import (
	"sync/atomic"
	"time"
)

// Metrics holds the per-session counters spec.md §4.6 names, plus the
// supplemental ICE-pair-count/last-RTT fields carried over from the
// original C SDK's connection stats (kvsRtcPeerConnectionGetMetrics)
// that the distilled spec dropped but a complete client still tracks.
type Metrics struct {
	Reconnects            atomic.Int64
	MessagesSent          atomic.Int64
	MessagesReceived      atomic.Int64
	Errors                atomic.Int64
	RuntimeErrors         atomic.Int64
	ICERefreshCount       atomic.Int64
	startedAt             time.Time
	lastConnectedAt       atomic.Int64 // unix nanos; 0 if never connected
	controlPlaneLatencyNs atomic.Int64
	dataPlaneLatencyNs    atomic.Int64
	icePairCount          atomic.Int64
	lastRTTNs             atomic.Int64
}

// NewMetrics starts the uptime clock.
func NewMetrics(now time.Time) *Metrics {
	return &Metrics{startedAt: now}
}

// Uptime returns elapsed time since construction.
func (m *Metrics) Uptime(now time.Time) time.Duration { return now.Sub(m.startedAt) }

// RecordConnected marks the start of a connected period for
// ConnectionDuration accounting.
func (m *Metrics) RecordConnected(now time.Time) {
	m.lastConnectedAt.Store(now.UnixNano())
}

// ConnectionDuration returns the time since the most recent RecordConnected
// call, or zero if RecordConnected has never been called. It is not reset
// when the session disconnects.
func (m *Metrics) ConnectionDuration(now time.Time) time.Duration {
	start := m.lastConnectedAt.Load()
	if start == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, start))
}

// RecordControlPlaneLatency stores the most recent HTTPS control-plane
// call's latency.
func (m *Metrics) RecordControlPlaneLatency(d time.Duration) {
	m.controlPlaneLatencyNs.Store(int64(d))
}

// RecordDataPlaneLatency stores the most recent WebSocket send round-trip
// latency (where measurable, e.g. a STATUS_RESPONSE correlation).
func (m *Metrics) RecordDataPlaneLatency(d time.Duration) {
	m.dataPlaneLatencyNs.Store(int64(d))
}

// ControlPlaneLatency returns the last recorded control-plane latency.
func (m *Metrics) ControlPlaneLatency() time.Duration {
	return time.Duration(m.controlPlaneLatencyNs.Load())
}

// DataPlaneLatency returns the last recorded data-plane latency.
func (m *Metrics) DataPlaneLatency() time.Duration {
	return time.Duration(m.dataPlaneLatencyNs.Load())
}

// RecordICEPairCount stores the current candidate-pair count, a
// supplemental field surfaced for diagnostics.
func (m *Metrics) RecordICEPairCount(n int) { m.icePairCount.Store(int64(n)) }

// ICEPairCount returns the last recorded candidate-pair count.
func (m *Metrics) ICEPairCount() int { return int(m.icePairCount.Load()) }

// RecordRTT stores the most recent selected-pair RTT sample.
func (m *Metrics) RecordRTT(d time.Duration) { m.lastRTTNs.Store(int64(d)) }

// LastRTT returns the most recently recorded RTT sample.
func (m *Metrics) LastRTT() time.Duration { return time.Duration(m.lastRTTNs.Load()) }
