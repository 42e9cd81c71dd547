package gatewayclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPendingResolveExactlyOnce(t *testing.T) {
	table := newPendingTable()
	ch := table.add("r1")

	if !table.resolve("r1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("first resolve must land")
	}
	if table.resolve("r1", nil) {
		t.Fatal("second resolve must be discarded")
	}
	if table.reject("r1", errors.New("late")) {
		t.Fatal("reject after resolve must be discarded")
	}

	r := <-ch
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if string(r.payload) != `{"ok":true}` {
		t.Fatalf("payload = %s", r.payload)
	}
}

func TestPendingTakeClaimsEntry(t *testing.T) {
	table := newPendingTable()
	table.add("r1")

	if _, ok := table.take("r1"); !ok {
		t.Fatal("take must claim a live entry")
	}
	if _, ok := table.take("r1"); ok {
		t.Fatal("second take must miss")
	}
	if table.resolve("r1", nil) {
		t.Fatal("resolve after take must miss")
	}
	if table.size() != 0 {
		t.Fatalf("size = %d, want 0", table.size())
	}
}

func TestPendingFailAll(t *testing.T) {
	table := newPendingTable()
	chans := make([]<-chan callResult, 10)
	for i := range chans {
		chans[i] = table.add(fmt.Sprintf("r%d", i))
	}

	cause := errors.New("connection lost")
	if n := table.failAll(cause); n != 10 {
		t.Fatalf("failAll = %d, want 10", n)
	}
	for i, ch := range chans {
		r := <-ch
		if !errors.Is(r.err, cause) {
			t.Fatalf("entry %d: err = %v", i, r.err)
		}
	}
	if table.size() != 0 {
		t.Fatalf("size = %d after failAll", table.size())
	}
	if n := table.failAll(cause); n != 0 {
		t.Fatalf("second failAll = %d, want 0", n)
	}
}

func TestPendingConcurrentResolutionRace(t *testing.T) {
	table := newPendingTable()
	ch := table.add("contested")

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if table.resolve("contested", nil) {
					wins.Add(1)
				}
			} else {
				if table.reject("contested", errors.New("lost")) {
					wins.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
	<-ch
}
