package gatewayclient

import (
	"log/slog"
	"testing"
)

func TestStreamTrackerContiguousDelivery(t *testing.T) {
	s := newStreamTracker(slog.Default())

	for seq := uint64(1); seq <= 3; seq++ {
		if !s.observe("presence.update", seq) {
			t.Fatalf("seq %d must be delivered", seq)
		}
	}
	if s.gapCount() != 0 {
		t.Fatalf("gaps = %d on a contiguous stream", s.gapCount())
	}
	if s.last("presence.update") != 3 {
		t.Fatalf("last = %d, want 3", s.last("presence.update"))
	}
}

func TestStreamTrackerGapDetectedButDelivered(t *testing.T) {
	s := newStreamTracker(slog.Default())

	var gotChannel string
	var gotExpected, gotObserved uint64
	s.onGap = func(channel string, expected, observed uint64) {
		gotChannel, gotExpected, gotObserved = channel, expected, observed
	}

	s.observe("chat.event", 1)
	s.observe("chat.event", 2)
	if !s.observe("chat.event", 4) {
		t.Fatal("gapped frame must still be delivered")
	}

	if s.gapCount() != 1 {
		t.Fatalf("gaps = %d, want 1", s.gapCount())
	}
	if gotChannel != "chat.event" || gotExpected != 3 || gotObserved != 4 {
		t.Fatalf("gap listener got (%s, %d, %d)", gotChannel, gotExpected, gotObserved)
	}
}

func TestStreamTrackerDiscardsStale(t *testing.T) {
	s := newStreamTracker(slog.Default())

	s.observe("chat.event", 3)
	if s.observe("chat.event", 3) {
		t.Fatal("duplicate must be discarded")
	}
	if s.observe("chat.event", 2) {
		t.Fatal("regression must be discarded")
	}
	if s.last("chat.event") != 3 {
		t.Fatalf("last = %d, want 3", s.last("chat.event"))
	}
	if s.gapCount() != 0 {
		t.Fatal("stale frames are not gaps")
	}
}

func TestStreamTrackerUnsequencedAlwaysPasses(t *testing.T) {
	s := newStreamTracker(slog.Default())

	s.observe("chat.event", 5)
	for i := 0; i < 3; i++ {
		if !s.observe("chat.event", 0) {
			t.Fatal("seq 0 must always pass")
		}
	}
	if s.last("chat.event") != 5 {
		t.Fatal("unsequenced frames must not move the cursor")
	}
}

func TestStreamTrackerFirstObservationIsNeverAGap(t *testing.T) {
	s := newStreamTracker(slog.Default())

	// Joining mid-stream: the first seen seq sets the baseline.
	if !s.observe("health.update", 42) {
		t.Fatal("first frame must be delivered")
	}
	if s.gapCount() != 0 {
		t.Fatalf("gaps = %d on first observation", s.gapCount())
	}
}

func TestStreamTrackerChannelsAreIndependent(t *testing.T) {
	s := newStreamTracker(slog.Default())

	s.observe("presence.update", 7)
	if !s.observe("chat.event", 1) {
		t.Fatal("channels must not share cursors")
	}
	if s.last("chat.event") != 1 || s.last("presence.update") != 7 {
		t.Fatal("cursors crossed channels")
	}
}

func TestStreamTrackerReset(t *testing.T) {
	s := newStreamTracker(slog.Default())

	s.observe("chat.event", 9)
	s.reset()
	if s.last("chat.event") != 0 {
		t.Fatal("reset must clear cursors")
	}
	// A fresh connection restarts at 1 without a gap.
	if !s.observe("chat.event", 1) {
		t.Fatal("post-reset seq 1 must be delivered")
	}
	if s.gapCount() != 0 {
		t.Fatal("post-reset restart is not a gap")
	}
}
