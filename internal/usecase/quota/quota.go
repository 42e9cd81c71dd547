// Package quota applies per-identity request rate limits.
package quota

import (
	"sync"

	"golang.org/x/time/rate"
)

// Manager hands each identity its own token bucket. Buckets are created
// lazily on first use and share a single rate/burst policy.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewManager creates a manager allowing perSecond sustained requests per
// identity with the given burst. Non-positive perSecond disables
// limiting entirely.
func NewManager(perSecond float64, burst int) *Manager {
	if perSecond <= 0 {
		return &Manager{limit: rate.Inf, burst: 0, limiters: make(map[string]*rate.Limiter)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Manager{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether identityID may issue one more request now.
func (m *Manager) Allow(identityID string) bool {
	return m.limiter(identityID).Allow()
}

func (m *Manager) limiter(identityID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[identityID]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[identityID] = l
	}
	return l
}

// Reset drops the bucket for identityID, restoring a full burst. Used
// when an identity's sessions all disconnect.
func (m *Manager) Reset(identityID string) {
	m.mu.Lock()
	delete(m.limiters, identityID)
	m.mu.Unlock()
}
