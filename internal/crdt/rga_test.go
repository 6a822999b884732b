package crdt

import "testing"

func TestSequenceLocalInsertAndDelete(t *testing.T) {
	s := NewSequence("a")
	s.LocalInsert(0, 'h')
	s.LocalInsert(1, 'i')
	if got := s.Text(); got != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
	if s.Len() != 2 {
		t.Fatalf("expected len 2, got %d", s.Len())
	}
	op, ok := s.LocalDelete(0)
	if !ok {
		t.Fatal("delete at 0 should succeed")
	}
	if op.Kind != opDelete {
		t.Fatal("expected a delete op")
	}
	if got := s.Text(); got != "i" {
		t.Fatalf("expected %q after delete, got %q", "i", got)
	}
}

func TestSequenceDeleteEmptyFails(t *testing.T) {
	s := NewSequence("a")
	if _, ok := s.LocalDelete(0); ok {
		t.Fatal("delete on empty sequence should fail")
	}
}

// TestSequenceConvergence verifies that two replicas editing concurrently and
// then exchanging ops via OpsSince/ApplyRemoteOps converge on the same text.
func TestSequenceConvergence(t *testing.T) {
	a := NewSequence("a")
	b := NewSequence("b")

	a.LocalInsert(0, 'h')
	a.LocalInsert(1, 'i')

	opsFromA := a.OpsSince(make(VClock))
	b.ApplyRemoteOps(opsFromA)

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged after initial sync: %q vs %q", a.Text(), b.Text())
	}

	// Concurrent edits: a appends '!', b inserts 'X' at the head.
	a.LocalInsert(a.Len(), '!')
	b.LocalInsert(0, 'X')

	opsFromA = a.OpsSince(b.Clock())
	opsFromB := b.OpsSince(a.Clock())

	aApplied := a.ApplyRemoteOps(opsFromB)
	bApplied := b.ApplyRemoteOps(opsFromA)

	if len(aApplied) != len(opsFromB) {
		t.Fatalf("expected all of b's ops to apply immediately, applied %d of %d", len(aApplied), len(opsFromB))
	}
	if len(bApplied) != len(opsFromA) {
		t.Fatalf("expected all of a's ops to apply immediately, applied %d of %d", len(bApplied), len(opsFromA))
	}

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged after exchanging concurrent edits: %q vs %q", a.Text(), b.Text())
	}
}

// TestSequenceOutOfOrderBuffering verifies that an insert referencing an
// unseen After dependency is buffered rather than applied out of place, and
// resolves once its dependency arrives.
func TestSequenceOutOfOrderBuffering(t *testing.T) {
	a := NewSequence("a")
	op1 := a.LocalInsert(0, 'h')
	op2 := a.LocalInsert(1, 'i')

	b := NewSequence("b")
	// Deliver op2 (depends on op1) before op1.
	applied := b.ApplyRemoteOps([]Op{op2})
	if len(applied) != 0 {
		t.Fatalf("op2 should not apply before its dependency, got %d applied", len(applied))
	}
	if b.Text() != "" {
		t.Fatalf("expected empty text while buffered, got %q", b.Text())
	}

	applied = b.ApplyRemoteOps([]Op{op1})
	if len(applied) != 2 {
		t.Fatalf("expected op1 plus the resolved op2 to apply, got %d", len(applied))
	}
	if b.Text() != "hi" {
		t.Fatalf("expected buffered op2 to resolve once op1 landed, got %q", b.Text())
	}
}

// TestSequenceDeleteBeforeInsertBuffers verifies a delete of an unseen target
// is buffered and resolves once the insert it targets arrives.
func TestSequenceDeleteBeforeInsertBuffers(t *testing.T) {
	a := NewSequence("a")
	insertOp := a.LocalInsert(0, 'x')
	deleteOp, ok := a.LocalDelete(0)
	if !ok {
		t.Fatal("delete should succeed locally")
	}

	b := NewSequence("b")
	applied := b.ApplyRemoteOps([]Op{deleteOp})
	if len(applied) != 0 {
		t.Fatalf("delete of unseen target should buffer, got %d applied", len(applied))
	}

	applied = b.ApplyRemoteOps([]Op{insertOp})
	if len(applied) != 2 {
		t.Fatalf("expected insert plus resolved delete to apply, got %d", len(applied))
	}
	if b.Text() != "" {
		t.Fatalf("expected char to be deleted after resolution, got %q", b.Text())
	}
}

func TestSequenceApplyRemoteOpsIdempotent(t *testing.T) {
	a := NewSequence("a")
	op := a.LocalInsert(0, 'z')

	b := NewSequence("b")
	b.ApplyRemoteOps([]Op{op})
	applied := b.ApplyRemoteOps([]Op{op})
	if len(applied) != 0 {
		t.Fatal("re-applying an already-seen op should be a no-op")
	}
	if b.Text() != "z" {
		t.Fatalf("expected %q, got %q", "z", b.Text())
	}
}

func TestEncodeDecodeOpsRoundTrip(t *testing.T) {
	s := NewSequence("a")
	s.LocalInsert(0, 'h')
	s.LocalInsert(1, 'i')
	s.LocalDelete(0)

	ops := s.OpsSince(make(VClock))
	encoded := EncodeOps(ops)
	decoded, err := DecodeOps(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(ops) {
		t.Fatalf("expected %d ops, got %d", len(ops), len(decoded))
	}

	replay := NewSequence("b")
	replay.ApplyRemoteOps(decoded)
	if replay.Text() != s.Text() {
		t.Fatalf("replay after round trip diverged: %q vs %q", replay.Text(), s.Text())
	}
}

func TestSequenceSaveLoadRoundTrip(t *testing.T) {
	s := NewSequence("a")
	s.LocalInsert(0, 'h')
	s.LocalInsert(1, 'i')
	s.LocalDelete(0)

	snap := s.Save()
	loaded := LoadSequence("a", snap)
	if loaded.Text() != s.Text() {
		t.Fatalf("expected %q after load, got %q", s.Text(), loaded.Text())
	}

	// The reloaded replica should continue its own counter, not collide with
	// prior local ops.
	loaded.LocalInsert(loaded.Len(), '!')
	if loaded.Text() != "i!" {
		t.Fatalf("expected %q, got %q", "i!", loaded.Text())
	}
}
