package worker

import "testing"

func TestRecentIDs(t *testing.T) {
	r := newRecentIDs(2)

	if r.Seen("a") {
		t.Error("Seen(a) = true on first sight")
	}
	if !r.Seen("a") {
		t.Error("Seen(a) = false on repeat")
	}
	r.Seen("b")
	r.Seen("c")

	if r.Seen("a") {
		t.Error("Seen(a) = true after eviction")
	}
	if !r.Seen("c") {
		t.Error("Seen(c) = false, want remembered")
	}
}
