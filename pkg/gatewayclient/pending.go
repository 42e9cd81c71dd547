package gatewayclient

import (
	"encoding/json"
	"sync"
)

// callResult is what a pending request resolves to: payload or error,
// never both.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingTable tracks in-flight requests by correlation id. Resolution is
// structural: removing the entry from the map is atomic with delivering
// its result, so each id resolves exactly once — via matching res, via
// timeout, or via bulk rejection on transport loss.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]chan callResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]chan callResult)}
}

// add registers a fresh id and returns the channel its result arrives on.
// The channel is buffered so the resolver never blocks.
func (t *pendingTable) add(id string) <-chan callResult {
	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.entries[id] = ch
	t.mu.Unlock()
	return ch
}

// take removes the entry for id, claiming the right to resolve it.
// Returns false if the id is unknown or already claimed.
func (t *pendingTable) take(id string) (chan callResult, bool) {
	t.mu.Lock()
	ch, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	return ch, ok
}

// resolve completes id with a payload. A late response for an id that is
// no longer pending is discarded; resolve reports whether it landed.
func (t *pendingTable) resolve(id string, payload json.RawMessage) bool {
	ch, ok := t.take(id)
	if !ok {
		return false
	}
	ch <- callResult{payload: payload}
	return true
}

// reject completes id with an error.
func (t *pendingTable) reject(id string, err error) bool {
	ch, ok := t.take(id)
	if !ok {
		return false
	}
	ch <- callResult{err: err}
	return true
}

// failAll rejects every pending entry with err and clears the table.
// Called exactly once per transport-loss event. Returns the count rejected.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]chan callResult)
	t.mu.Unlock()

	for _, ch := range entries {
		ch <- callResult{err: err}
	}
	return len(entries)
}

// size returns the number of in-flight requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
