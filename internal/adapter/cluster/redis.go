// Package cluster links gateway instances over Redis so broadcast events
// reach sessions connected to other nodes.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"relaygate/internal/domain"
)

const eventChannel = "relaygate:events"

// RedisClient abstracts the Redis operations the bridge needs, so a real
// go-redis client or a mock can be used interchangeably.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Get retrieves the value of a key.
	Get(ctx context.Context, key string) (string, error)
	// Publish publishes a message to a channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe subscribes to a channel. Returns a channel of messages.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Close shuts down the client.
	Close() error
}

// envelope carries an event across nodes with its origin, so a node can
// ignore its own publishes when they echo back.
type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Bridge mirrors the local event bus across the cluster: local publishes
// go out over Redis, remote publishes come back in on the local bus.
type Bridge struct {
	nodeID  string
	client  RedisClient
	bus     domain.EventBus
	logger  *slog.Logger
	lockTTL time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	unsubBus func()
	started  bool
}

// BridgeConfig holds configuration for the cluster bridge.
type BridgeConfig struct {
	NodeID  string
	LockTTL time.Duration // default: 30s
}

// NewBridge creates a bridge between the local bus and Redis.
func NewBridge(client RedisClient, bus domain.EventBus, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 30 * time.Second
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = domain.NewID()
	}
	return &Bridge{
		nodeID:  nodeID,
		client:  client,
		bus:     bus,
		logger:  logger,
		lockTTL: lockTTL,
		stopCh:  make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (b *Bridge) NodeID() string { return b.nodeID }

// Start wires both directions and begins relaying. Events republished
// from Redis carry no loop risk: envelopes from this node are skipped,
// and republished events bypass the outbound hook via a marker key.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	msgs, err := b.client.Subscribe(ctx, eventChannel)
	if err != nil {
		return fmt.Errorf("subscribe cluster events: %w", err)
	}

	b.unsubBus = b.bus.SubscribeAll(func(ctx context.Context, event domain.Event) {
		if isRemote(ctx) {
			return
		}
		b.publish(ctx, event)
	})

	go b.relayLoop(ctx, msgs)
	b.started = true
	return nil
}

func (b *Bridge) publish(ctx context.Context, event domain.Event) {
	data, err := json.Marshal(envelope{Origin: b.nodeID, Event: event})
	if err != nil {
		b.logger.Error("marshal cluster event", "error", err)
		return
	}
	if err := b.client.Publish(ctx, eventChannel, string(data)); err != nil {
		b.logger.Warn("publish cluster event", "error", err)
	}
}

func (b *Bridge) relayLoop(ctx context.Context, msgs <-chan string) {
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg), &env); err != nil {
				b.logger.Warn("unmarshal cluster event", "error", err)
				continue
			}
			if env.Origin == b.nodeID {
				continue
			}
			b.bus.Publish(markRemote(ctx), env.Event)
		}
	}
}

// AcquireSessionLock attempts to acquire a distributed lock for the
// session. Returns true if the lock was acquired, false if another node
// holds it.
func (b *Bridge) AcquireSessionLock(ctx context.Context, sessionID string) (bool, error) {
	key := "relaygate:session:lock:" + sessionID
	acquired, err := b.client.SetNX(ctx, key, b.nodeID, b.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire session lock: %w", err)
	}
	if acquired {
		b.logger.Debug("session lock acquired", "session", sessionID, "node", b.nodeID)
	}
	return acquired, nil
}

// ReleaseSessionLock releases the distributed lock for the session.
// Only releases if this node holds the lock.
func (b *Bridge) ReleaseSessionLock(ctx context.Context, sessionID string) error {
	key := "relaygate:session:lock:" + sessionID

	owner, err := b.client.Get(ctx, key)
	if err != nil {
		// Key gone or unreadable, nothing to release.
		return nil
	}
	if owner != b.nodeID {
		b.logger.Debug("skipping lock release (not owner)",
			"session", sessionID, "owner", owner, "node", b.nodeID)
		return nil
	}

	if err := b.client.Del(ctx, key); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

// Stop shuts down the bridge and its Redis client.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return b.client.Close()
	}
	b.started = false
	if b.unsubBus != nil {
		b.unsubBus()
	}
	close(b.stopCh)
	return b.client.Close()
}

type remoteKey struct{}

func markRemote(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteKey{}, true)
}

func isRemote(ctx context.Context) bool {
	v, _ := ctx.Value(remoteKey{}).(bool)
	return v
}

// goredisAdapter wraps a go-redis client to implement RedisClient.
type goredisAdapter struct {
	client *goredis.Client
}

// NewGoRedisClient connects to Redis at addr and returns a RedisClient
// backed by go-redis.
func NewGoRedisClient(addr, password string, db int) RedisClient {
	return &goredisAdapter{client: goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *goredisAdapter) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *goredisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *goredisAdapter) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *goredisAdapter) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *goredisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, channel)
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				ch <- msg.Payload
			}
		}
	}()
	return ch, nil
}

func (r *goredisAdapter) Close() error {
	return r.client.Close()
}
