package gateway

import (
	"sync"

	"relaygate/internal/domain"
)

// Sequencer assigns strictly increasing sequence numbers per broadcast
// channel. Clients use the numbers for duplicate discard and gap
// detection.
type Sequencer struct {
	mu       sync.Mutex
	counters map[domain.Channel]uint64
}

// NewSequencer creates a sequencer with all channels at zero.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[domain.Channel]uint64)}
}

// Next returns the next sequence number for ch, starting at 1.
func (s *Sequencer) Next(ch domain.Channel) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[ch]++
	return s.counters[ch]
}

// Current returns the last assigned sequence for ch, zero if none.
func (s *Sequencer) Current(ch domain.Channel) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[ch]
}
