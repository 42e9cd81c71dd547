package gateway

import (
	"context"
	"sync"
	"time"

	"relaygate/internal/domain"
)

// Session is the server-side record of one authenticated connection. It
// owns the connection's subscriptions and the cancel handles of any
// long-running work the connection started.
type Session struct {
	ID        string
	Identity  domain.Identity
	Client    domain.ClientInfo
	Protocol  int
	Caps      []string
	CreatedAt time.Time

	mu            sync.Mutex
	lastSeenAt    time.Time
	subscriptions map[domain.Channel]struct{}
	aborts        map[string]context.CancelFunc // run id -> cancel
}

func newSession(id string, identity domain.Identity, client domain.ClientInfo, version int, caps []string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		Identity:      identity,
		Client:        client,
		Protocol:      version,
		Caps:          caps,
		CreatedAt:     now,
		lastSeenAt:    now,
		subscriptions: make(map[domain.Channel]struct{}),
		aborts:        make(map[string]context.CancelFunc),
	}
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.mu.Unlock()
}

// LastSeenAt returns the time of the last observed activity.
func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// Subscribe adds a channel to the session's subscription set.
func (s *Session) Subscribe(ch domain.Channel) {
	s.mu.Lock()
	s.subscriptions[ch] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes a channel from the subscription set.
func (s *Session) Unsubscribe(ch domain.Channel) {
	s.mu.Lock()
	delete(s.subscriptions, ch)
	s.mu.Unlock()
}

// Subscribed reports whether the session listens on ch.
func (s *Session) Subscribed(ch domain.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[ch]
	return ok
}

// Subscriptions returns a snapshot of the subscription set.
func (s *Session) Subscriptions() []domain.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Channel, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		out = append(out, ch)
	}
	return out
}

// RegisterAbort stores the cancel handle for a run started by this
// session so disconnect teardown can abort it.
func (s *Session) RegisterAbort(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.aborts[runID] = cancel
	s.mu.Unlock()
}

// ReleaseAbort drops the handle for a finished run without cancelling.
func (s *Session) ReleaseAbort(runID string) {
	s.mu.Lock()
	delete(s.aborts, runID)
	s.mu.Unlock()
}

// abortAll cancels every outstanding run. Called on disconnect; committed
// side effects stay committed.
func (s *Session) abortAll() int {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.aborts))
	for _, cancel := range s.aborts {
		cancels = append(cancels, cancel)
	}
	s.aborts = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Registry holds one Session per authenticated connection. It is an
// explicitly constructed object injected into the server and router —
// never module state — and its lifetime is bounded by the server's own
// start/stop.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts a session. Insertion is atomic with respect to concurrent
// broadcast iteration.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove deletes and returns the session, or nil if unknown.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
