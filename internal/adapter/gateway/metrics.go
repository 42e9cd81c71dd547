package gateway

import "sync/atomic"

// Metrics holds the gateway's operational counters. Plain atomics keep
// the hot paths allocation-free; the metrics endpoint renders them in
// Prometheus text format without pulling in the full client library.
type Metrics struct {
	SessionsTotal     atomic.Int64
	HandshakeFailures atomic.Int64
	RequestsTotal     atomic.Int64
	FramesSent        atomic.Int64
	FramesDropped     atomic.Int64
	EventsSent        atomic.Int64
}
