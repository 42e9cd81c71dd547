package gateway

import (
	"sync"
	"testing"

	"relaygate/internal/domain"
)

func TestSequencerPerChannel(t *testing.T) {
	seq := NewSequencer()

	if got := seq.Current(domain.ChannelChat); got != 0 {
		t.Fatalf("fresh channel Current = %d, want 0", got)
	}

	// Counters are independent per channel and start at 1.
	for i := uint64(1); i <= 3; i++ {
		if got := seq.Next(domain.ChannelChat); got != i {
			t.Errorf("chat Next = %d, want %d", got, i)
		}
	}
	if got := seq.Next(domain.ChannelPresence); got != 1 {
		t.Errorf("presence Next = %d, want 1", got)
	}
	if got := seq.Current(domain.ChannelChat); got != 3 {
		t.Errorf("chat Current = %d, want 3", got)
	}
}

func TestSequencerConcurrent(t *testing.T) {
	seq := NewSequencer()
	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				seq.Next(domain.ChannelHealth)
			}
		}()
	}
	wg.Wait()

	if got := seq.Current(domain.ChannelHealth); got != workers*perWorker {
		t.Errorf("Current = %d, want %d", got, workers*perWorker)
	}
}
