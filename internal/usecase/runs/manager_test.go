package runs

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/domain"
)

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, event domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.Channel, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()              { return func() {} }
func (b *recordingBus) Close()                                               {}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Name
	}
	return out
}

func TestStartEmitsLifecycleEvents(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, nil, slog.Default())

	run, duplicate := m.Start("sess-1", "", "hello")
	require.False(t, duplicate)
	require.NotEmpty(t, run.ID)

	m.Close() // wait for the run goroutine

	names := bus.names()
	require.GreaterOrEqual(t, len(names), 3)
	assert.Equal(t, "chat.started", names[0])
	assert.Contains(t, names, "chat.delta")
	assert.Equal(t, "chat.completed", names[len(names)-1])
	for _, e := range bus.events {
		assert.Equal(t, domain.ChannelChat, e.Channel)
	}
}

func TestStartIdempotencyKey(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, blockingRunner(), slog.Default())
	defer m.Close()

	first, dup := m.Start("sess-1", "key-1", "hello")
	require.False(t, dup)

	second, dup := m.Start("sess-1", "key-1", "hello again")
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID, "same key must return the original run")

	// A different session may reuse the key.
	third, dup := m.Start("sess-2", "key-1", "hello")
	assert.False(t, dup)
	assert.NotEqual(t, first.ID, third.ID)

	m.Abort(first.ID)
	m.Abort(third.ID)
}

func TestAbortIsIdempotent(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, blockingRunner(), slog.Default())
	defer m.Close()

	run, _ := m.Start("sess-1", "", "hello")
	require.Eventually(t, func() bool { return m.Get(run.ID) != nil }, time.Second, 5*time.Millisecond)

	assert.True(t, m.Abort(run.ID))
	assert.False(t, m.Abort(run.ID), "second abort is a no-op")
	assert.False(t, m.Abort("never-existed"))

	m.Close()
	assert.Contains(t, bus.names(), "chat.aborted")
}

func TestAbortSession(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, blockingRunner(), slog.Default())
	defer m.Close()

	m.Start("sess-1", "", "a")
	m.Start("sess-1", "", "b")
	m.Start("sess-2", "", "c")

	assert.Equal(t, 2, m.AbortSession("sess-1"))
	assert.Equal(t, 0, m.AbortSession("sess-1"), "already aborted")
	assert.Equal(t, 1, m.Len(), "sess-2 run untouched")
}

func TestCompletedRunIsRetired(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, nil, slog.Default())

	finished := make(chan string, 1)
	m.SetOnFinish(func(run *Run) { finished <- run.ID })

	run, _ := m.Start("sess-1", "", "hello")

	select {
	case id := <-finished:
		assert.Equal(t, run.ID, id)
	case <-time.After(time.Second):
		t.Fatal("finish hook never fired")
	}

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond,
		"a completed run must leave the live table")
	assert.Nil(t, m.Get(run.ID))
	assert.False(t, m.Abort(run.ID), "aborting a finished run is a no-op")
}

func TestIdempotencyKeySurvivesCompletion(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, nil, slog.Default())

	first, dup := m.Start("sess-1", "key-1", "hello")
	require.False(t, dup)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	// A retry after completion dedupes instead of re-executing.
	second, dup := m.Start("sess-1", "key-1", "hello")
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	got, ok := m.Lookup("sess-1", "key-1")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)
}

func TestAbortSessionReleasesFinishedKeys(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(bus, nil, slog.Default())

	first, _ := m.Start("sess-1", "key-1", "hello")
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.AbortSession("sess-1"), "no live runs to cancel")

	_, ok := m.Lookup("sess-1", "key-1")
	assert.False(t, ok, "session teardown must release its keys")

	fresh, dup := m.Start("sess-1", "key-1", "hello")
	assert.False(t, dup)
	assert.NotEqual(t, first.ID, fresh.ID)
	m.Close()
}

// blockingRunner parks until aborted, standing in for long model calls.
func blockingRunner() Runner {
	return func(ctx context.Context, _ *Run, _ func(string, any)) {
		<-ctx.Done()
	}
}
