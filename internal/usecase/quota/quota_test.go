package quota

import "testing"

func TestManagerBurst(t *testing.T) {
	m := NewManager(1, 3)

	for i := 0; i < 3; i++ {
		if !m.Allow("alice") {
			t.Fatalf("request %d within burst should pass", i+1)
		}
	}
	if m.Allow("alice") {
		t.Error("request beyond burst should be limited")
	}

	// Identities have independent buckets.
	if !m.Allow("bob") {
		t.Error("fresh identity should have a full burst")
	}
}

func TestManagerReset(t *testing.T) {
	m := NewManager(0.001, 1)

	if !m.Allow("alice") {
		t.Fatal("first request should pass")
	}
	if m.Allow("alice") {
		t.Fatal("bucket should be empty")
	}

	m.Reset("alice")
	if !m.Allow("alice") {
		t.Error("reset should restore the burst")
	}
}

func TestManagerUnlimited(t *testing.T) {
	m := NewManager(0, 0)
	for i := 0; i < 1000; i++ {
		if !m.Allow("anyone") {
			t.Fatal("non-positive rate must disable limiting")
		}
	}
}
