package crdt

import "testing"

func TestVClockSeenAndAdvance(t *testing.T) {
	vc := make(VClock)
	if vc.Seen("a", 1) {
		t.Fatal("fresh clock should not have seen anything")
	}
	vc.Advance("a", 3)
	if !vc.Seen("a", 1) || !vc.Seen("a", 3) {
		t.Fatal("advancing to 3 should mark 1..3 as seen")
	}
	if vc.Seen("a", 4) {
		t.Fatal("should not have seen counter 4")
	}
	vc.Advance("a", 2) // lower counter should not regress
	if vc["a"] != 3 {
		t.Fatalf("advance should never lower a clock, got %d", vc["a"])
	}
}

func TestVClockMerge(t *testing.T) {
	a := VClock{"x": 2, "y": 5}
	b := VClock{"x": 4, "z": 1}
	a.Merge(b)
	if a["x"] != 4 || a["y"] != 5 || a["z"] != 1 {
		t.Fatalf("merge should take the max per peer, got %#v", a)
	}
}

func TestOpIDZero(t *testing.T) {
	var z OpID
	if !z.Zero() {
		t.Fatal("zero-value OpID should report Zero() true")
	}
	nz := OpID{Peer: "a", Counter: 1}
	if nz.Zero() {
		t.Fatal("non-empty OpID should not report Zero()")
	}
}
