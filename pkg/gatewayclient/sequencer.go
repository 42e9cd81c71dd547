package gatewayclient

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// GapListener is notified when a sequence gap is detected on a channel.
// A gap is a signal to re-fetch authoritative state via a request, not a
// fatal error.
type GapListener func(channel string, expected, observed uint64)

// streamTracker maintains the last-observed sequence per broadcast channel.
// Regressions are discarded as stale; gaps are surfaced but the frame is
// still delivered — the protocol favors availability.
type streamTracker struct {
	mu      sync.Mutex
	lastSeq map[string]uint64
	gaps    atomic.Uint64
	onGap   GapListener
	logger  *slog.Logger
}

func newStreamTracker(logger *slog.Logger) *streamTracker {
	return &streamTracker{
		lastSeq: make(map[string]uint64),
		logger:  logger,
	}
}

// observe records seq for channel and reports whether the frame should be
// delivered. seq of zero means the event is unsequenced and always passes.
func (s *streamTracker) observe(channel string, seq uint64) bool {
	if seq == 0 {
		return true
	}

	s.mu.Lock()
	last := s.lastSeq[channel]
	if seq <= last {
		s.mu.Unlock()
		return false // duplicate or out-of-order, discard as stale
	}
	gap := last != 0 && seq > last+1
	expected := last + 1
	s.lastSeq[channel] = seq
	s.mu.Unlock()

	if gap {
		s.gaps.Add(1)
		s.logger.Warn("event sequence gap detected",
			"channel", channel, "expected", expected, "observed", seq)
		if s.onGap != nil {
			s.onGap(channel, expected, seq)
		}
	}
	return true
}

// last returns the last observed sequence for channel.
func (s *streamTracker) last(channel string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[channel]
}

// gapCount returns the number of gaps detected since creation.
func (s *streamTracker) gapCount() uint64 {
	return s.gaps.Load()
}

// reset clears per-channel state. Called after a reconnect: the server's
// per-channel counters keep running across connections, so the first
// frame observed on the new transport becomes the baseline instead of
// tripping a spurious gap against stale cursors.
func (s *streamTracker) reset() {
	s.mu.Lock()
	s.lastSeq = make(map[string]uint64)
	s.mu.Unlock()
}
