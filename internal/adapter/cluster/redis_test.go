package cluster

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/internal/domain"
	"relaygate/internal/usecase/eventbus"
)

// fakeRedis is an in-memory RedisClient shared between bridges.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
	subs []chan string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]string)}
}

func (r *fakeRedis) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return false, nil
	}
	r.keys[key] = value
	return true, nil
}

func (r *fakeRedis) Del(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.keys, k)
	}
	return nil
}

func (r *fakeRedis) Get(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.keys[key]
	if !ok {
		return "", context.Canceled
	}
	return v, nil
}

func (r *fakeRedis) Publish(_ context.Context, _ string, message string) error {
	r.mu.Lock()
	subs := append([]chan string{}, r.subs...)
	r.mu.Unlock()
	for _, ch := range subs {
		ch <- message
	}
	return nil
}

func (r *fakeRedis) Subscribe(context.Context, string) (<-chan string, error) {
	ch := make(chan string, 16)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch, nil
}

func (r *fakeRedis) Close() error { return nil }

func TestBridgeRelaysBetweenNodes(t *testing.T) {
	redis := newFakeRedis()
	log := slog.Default()

	busA := eventbus.New(log)
	busB := eventbus.New(log)
	defer busA.Close()
	defer busB.Close()

	bridgeA := NewBridge(redis, busA, BridgeConfig{NodeID: "node-a"}, log)
	bridgeB := NewBridge(redis, busB, BridgeConfig{NodeID: "node-b"}, log)
	require.NoError(t, bridgeA.Start(context.Background()))
	require.NoError(t, bridgeB.Start(context.Background()))
	defer bridgeA.Stop()
	defer bridgeB.Stop()

	received := make(chan domain.Event, 1)
	busB.Subscribe(domain.ChannelChat, func(_ context.Context, e domain.Event) {
		received <- e
	})

	busA.Publish(context.Background(), domain.Event{
		Channel: domain.ChannelChat,
		Name:    "chat.started",
	})

	select {
	case e := <-received:
		assert.Equal(t, "chat.started", e.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("event never crossed the bridge")
	}
}

func TestBridgeIgnoresOwnEcho(t *testing.T) {
	redis := newFakeRedis()
	log := slog.Default()

	bus := eventbus.New(log)
	defer bus.Close()

	bridge := NewBridge(redis, bus, BridgeConfig{NodeID: "node-a"}, log)
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	var n int
	var mu sync.Mutex
	bus.Subscribe(domain.ChannelChat, func(context.Context, domain.Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	bus.Publish(context.Background(), domain.Event{Channel: domain.ChannelChat, Name: "once"})

	// Give the relay loop a moment to (wrongly) echo.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, n, "own publish must be delivered exactly once")
}

func TestSessionLocks(t *testing.T) {
	redis := newFakeRedis()
	log := slog.Default()
	bus := eventbus.New(log)
	defer bus.Close()

	bridgeA := NewBridge(redis, bus, BridgeConfig{NodeID: "node-a"}, log)
	bridgeB := NewBridge(redis, bus, BridgeConfig{NodeID: "node-b"}, log)
	ctx := context.Background()

	ok, err := bridgeA.AcquireSessionLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bridgeB.AcquireSessionLock(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "second node must not steal the lock")

	// Non-owner release is a no-op.
	require.NoError(t, bridgeB.ReleaseSessionLock(ctx, "s1"))
	ok, _ = bridgeB.AcquireSessionLock(ctx, "s1")
	assert.False(t, ok)

	require.NoError(t, bridgeA.ReleaseSessionLock(ctx, "s1"))
	ok, err = bridgeB.AcquireSessionLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}
