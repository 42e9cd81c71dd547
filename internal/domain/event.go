package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Channel names a logical broadcast stream. Each channel carries its own
// monotonic sequence counter.
type Channel string

const (
	ChannelPresence Channel = "presence.update"
	ChannelHealth   Channel = "health.update"
	ChannelChat     Channel = "chat.event"
	ChannelNode     Channel = "node.event"
	ChannelSession  Channel = "session.event"
)

// Channels lists every known broadcast channel.
func Channels() []Channel {
	return []Channel{ChannelPresence, ChannelHealth, ChannelChat, ChannelNode, ChannelSession}
}

// ParseChannel maps a wire channel name onto a known Channel.
func ParseChannel(name string) (Channel, bool) {
	for _, ch := range Channels() {
		if string(ch) == name {
			return ch, true
		}
	}
	return "", false
}

// Event is the envelope published on the event bus and fanned out to
// subscribed connections as wire event frames.
type Event struct {
	Channel   Channel   `json:"channel"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	// StateVersion is an optional generation counter (presence/health)
	// letting a client decide whether a full resync is needed after a gap.
	StateVersion uint64          `json:"state_version,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for gateway events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific channel.
	// Returns an unsubscribe function.
	Subscribe(channel Channel, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
