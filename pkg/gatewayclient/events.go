package gatewayclient

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// EventListener receives a server-pushed event. seq is zero for
// unsequenced events.
type EventListener func(event string, seq uint64, payload json.RawMessage)

// ListenerToken identifies a registered listener for removal. Tokens are
// opaque; removal never relies on closure identity.
type ListenerToken struct {
	event string
	id    uint64
}

// dispatcher maps event names to listener sets. Delivery is synchronous
// and a panicking listener does not prevent delivery to the rest.
type dispatcher struct {
	mu        sync.Mutex
	listeners map[string]map[uint64]EventListener
	nextID    uint64
	logger    *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		listeners: make(map[string]map[uint64]EventListener),
		logger:    logger,
	}
}

// on registers a listener for the named event and returns its token.
func (d *dispatcher) on(event string, fn EventListener) ListenerToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	set, ok := d.listeners[event]
	if !ok {
		set = make(map[uint64]EventListener)
		d.listeners[event] = set
	}
	set[d.nextID] = fn
	return ListenerToken{event: event, id: d.nextID}
}

// off removes the listener identified by token. Removing an unknown token
// is a no-op.
func (d *dispatcher) off(token ListenerToken) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.listeners[token.event]; ok {
		delete(set, token.id)
		if len(set) == 0 {
			delete(d.listeners, token.event)
		}
	}
}

// emit delivers the event to every registered listener.
func (d *dispatcher) emit(event string, seq uint64, payload json.RawMessage) {
	d.mu.Lock()
	set := d.listeners[event]
	fns := make([]EventListener, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		d.safeCall(fn, event, seq, payload)
	}
}

func (d *dispatcher) safeCall(fn EventListener, event string, seq uint64, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked", "event", event, "panic", r)
		}
	}()
	fn(event, seq, payload)
}
