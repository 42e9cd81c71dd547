package gatewayclient

import (
	"testing"
	"time"
)

func TestBackoffGrowthAndCeiling(t *testing.T) {
	b := backoff{floor: 100 * time.Millisecond, ceiling: 2 * time.Second, growth: 2.0}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
	if b.attempts() != len(want) {
		t.Fatalf("attempts = %d, want %d", b.attempts(), len(want))
	}
}

func TestBackoffReset(t *testing.T) {
	b := backoff{floor: 50 * time.Millisecond, ceiling: time.Second, growth: 1.6}

	b.next()
	b.next()
	b.reset()

	if b.attempts() != 0 {
		t.Fatalf("attempts = %d after reset", b.attempts())
	}
	if got := b.next(); got != 50*time.Millisecond {
		t.Fatalf("post-reset delay = %v, want floor", got)
	}
}
