// Package runs owns the lifecycle of chat runs: long-lived server-side
// jobs started over the RPC surface whose progress streams back as
// broadcast events.
package runs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relaygate/internal/domain"
)

// Run is one in-flight or finished chat run.
type Run struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Prompt         string    `json:"prompt"`
	StartedAt      time.Time `json:"startedAt"`

	cancel context.CancelFunc
}

// Runner executes a run's work. It should return promptly once ctx is
// cancelled; emit publishes a named event on the chat channel.
type Runner func(ctx context.Context, run *Run, emit func(name string, payload any))

// Manager starts, tracks and aborts runs. Idempotency keys are scoped to
// the owning session: retrying a start with the same key returns the
// original run instead of launching a second one.
type Manager struct {
	mu       sync.Mutex
	runs     map[string]*Run // live runs only
	byKey    map[string]*Run // sessionID+"\x00"+key -> run, kept until the session ends
	onFinish func(run *Run)
	bus      domain.EventBus
	runner   Runner
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a run manager publishing progress on bus. A nil
// runner gets the echo runner, which is what development setups and
// tests want.
func NewManager(bus domain.EventBus, runner Runner, logger *slog.Logger) *Manager {
	if runner == nil {
		runner = EchoRunner
	}
	return &Manager{
		runs:   make(map[string]*Run),
		byKey:  make(map[string]*Run),
		bus:    bus,
		runner: runner,
		logger: logger,
	}
}

// SetOnFinish installs a hook invoked once per run, after the run's
// goroutine exits and the run has left the live table. Must be set
// before the first Start.
func (m *Manager) SetOnFinish(fn func(run *Run)) {
	m.mu.Lock()
	m.onFinish = fn
	m.mu.Unlock()
}

// Start launches a run for the session. When idemKey matches a previous
// start from the same session, the original run is returned with
// duplicate=true and no new work begins.
func (m *Manager) Start(sessionID, idemKey, prompt string) (run *Run, duplicate bool) {
	m.mu.Lock()
	if idemKey != "" {
		// Keys outlive run completion so a retry after the original run
		// finished still dedupes instead of re-executing.
		if existing, ok := m.byKey[keyFor(sessionID, idemKey)]; ok {
			m.mu.Unlock()
			return existing, true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	run = &Run{
		ID:             domain.NewID(),
		SessionID:      sessionID,
		IdempotencyKey: idemKey,
		Prompt:         prompt,
		StartedAt:      time.Now(),
		cancel:         cancel,
	}
	m.runs[run.ID] = run
	if idemKey != "" {
		m.byKey[keyFor(sessionID, idemKey)] = run
	}
	m.mu.Unlock()

	m.logger.Info("run started", "run_id", run.ID, "session_id", sessionID)
	m.wg.Add(1)
	go m.execute(ctx, run)
	return run, false
}

func (m *Manager) execute(ctx context.Context, run *Run) {
	defer m.wg.Done()
	defer m.finish(run)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("runner panicked", "run_id", run.ID, "panic", r)
			m.emit(run, "chat.failed", map[string]string{"runId": run.ID, "reason": "internal failure"})
		}
	}()

	m.emit(run, "chat.started", map[string]string{"runId": run.ID, "sessionId": run.SessionID})
	m.runner(ctx, run, func(name string, payload any) {
		m.emit(run, name, payload)
	})
	if ctx.Err() != nil {
		m.emit(run, "chat.aborted", map[string]string{"runId": run.ID})
	} else {
		m.emit(run, "chat.completed", map[string]string{"runId": run.ID})
	}
}

// finish retires the run from the live table once its goroutine exits,
// so finished runs do not accumulate. The idempotency key stays mapped
// until the owning session ends. The hook fires exactly once per run.
func (m *Manager) finish(run *Run) {
	m.mu.Lock()
	delete(m.runs, run.ID)
	onFinish := m.onFinish
	m.mu.Unlock()
	if onFinish != nil {
		onFinish(run)
	}
}

func (m *Manager) emit(run *Run, name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("marshal run event", "run_id", run.ID, "event", name, "error", err)
		return
	}
	m.bus.Publish(context.Background(), domain.Event{
		Channel:   domain.ChannelChat,
		Name:      name,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}

// Abort cancels the run. Aborting an unknown or already-finished run is
// a no-op; the bool reports whether a live run was found. An aborted
// run's idempotency key is released, so retrying the start launches a
// fresh run.
func (m *Manager) Abort(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if ok {
		delete(m.runs, run.ID)
		if run.IdempotencyKey != "" {
			delete(m.byKey, keyFor(run.SessionID, run.IdempotencyKey))
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	m.logger.Info("run aborted", "run_id", runID)
	return true
}

// AbortSession cancels every live run owned by the session, releases all
// of the session's idempotency keys (finished runs included), and
// returns the number of runs cancelled. Called on session teardown.
func (m *Manager) AbortSession(sessionID string) int {
	prefix := sessionID + "\x00"
	m.mu.Lock()
	var victims []*Run
	for id, run := range m.runs {
		if run.SessionID == sessionID {
			victims = append(victims, run)
			delete(m.runs, id)
		}
	}
	for key := range m.byKey {
		if strings.HasPrefix(key, prefix) {
			delete(m.byKey, key)
		}
	}
	m.mu.Unlock()
	for _, run := range victims {
		run.cancel()
	}
	return len(victims)
}

// Lookup returns the run registered under the session's idempotency key,
// live or finished.
func (m *Manager) Lookup(sessionID, idemKey string) (*Run, bool) {
	if idemKey == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.byKey[keyFor(sessionID, idemKey)]
	return run, ok
}

// Get returns the live run by id, nil if unknown or finished.
func (m *Manager) Get(runID string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// Len returns the number of live runs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Close waits for all in-flight runs to finish emitting.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, run := range m.runs {
		run.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func keyFor(sessionID, idemKey string) string {
	return sessionID + "\x00" + idemKey
}

// EchoRunner streams the prompt back as a single delta. It stands in for
// a real model backend.
func EchoRunner(ctx context.Context, run *Run, emit func(name string, payload any)) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	emit("chat.delta", map[string]string{"runId": run.ID, "text": run.Prompt})
}
