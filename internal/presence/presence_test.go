package presence

import (
	"testing"
	"time"

	"collabd/internal/proto"
)

func TestJoinAndGet(t *testing.T) {
	tbl := New()
	tbl.Join("p1", "Ada", "#ff0000")
	p, ok := tbl.Get("p1")
	if !ok {
		t.Fatal("expected p1 to be present after Join")
	}
	if p.DisplayName != "Ada" || p.Status != proto.StatusActive {
		t.Fatalf("unexpected peer record: %#v", p)
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected count 1, got %d", tbl.Count())
	}
}

func TestLeaveRemovesPeerAndCursors(t *testing.T) {
	tbl := New()
	tbl.Join("p1", "Ada", "#ff0000")
	if _, err := tbl.UpdateCursor("p1", "/a.go", 1, 1, nil); err != nil {
		t.Fatalf("update cursor failed: %v", err)
	}
	removed, ok := tbl.Leave("p1")
	if !ok || removed.PeerID != "p1" {
		t.Fatal("expected Leave to return the removed peer")
	}
	if _, ok := tbl.Get("p1"); ok {
		t.Fatal("peer should be gone after Leave")
	}
	if _, err := tbl.UpdateCursor("p1", "/a.go", 2, 2, nil); err == nil {
		t.Fatal("expected cursor update for a departed peer to fail")
	}
}

func TestListSortedByPeerID(t *testing.T) {
	tbl := New()
	tbl.Join("zeta", "Z", "#000")
	tbl.Join("alpha", "A", "#fff")
	list := tbl.List()
	if len(list) != 2 || list[0].PeerID != "alpha" || list[1].PeerID != "zeta" {
		t.Fatalf("expected sorted order, got %#v", list)
	}
}

func TestUpdateCursorRejectsNonPositive(t *testing.T) {
	tbl := New()
	tbl.Join("p1", "Ada", "#ff0000")
	if _, err := tbl.UpdateCursor("p1", "/a.go", 0, 1, nil); err != ErrInvalidPosition {
		t.Fatalf("expected ErrInvalidPosition for line 0, got %v", err)
	}
	if _, err := tbl.UpdateCursor("p1", "/a.go", 1, 0, nil); err != ErrInvalidPosition {
		t.Fatalf("expected ErrInvalidPosition for column 0, got %v", err)
	}
}

func TestSetStatusAndTouchPromotion(t *testing.T) {
	tbl := New()
	tbl.Join("p1", "Ada", "#ff0000")
	tbl.SetStatus("p1", proto.StatusAway, nil)
	p, _ := tbl.Get("p1")
	if p.Status != proto.StatusAway {
		t.Fatalf("expected status Away, got %v", p.Status)
	}
	tbl.Touch("p1")
	p, _ = tbl.Get("p1")
	if p.Status != proto.StatusActive {
		t.Fatal("expected Touch to re-promote an away peer to Active")
	}
}

func TestSweepAutoDemotion(t *testing.T) {
	tbl := New()
	tbl.Join("p1", "Ada", "#ff0000")
	p := tbl.peers["p1"]
	p.LastActive = time.Now().Add(-2 * IdleAfter).UnixMilli()

	transitions := tbl.Sweep(time.Now())
	if len(transitions) != 1 || transitions[0].Status != proto.StatusIdle {
		t.Fatalf("expected a single idle transition, got %#v", transitions)
	}

	p.LastActive = time.Now().Add(-2 * AwayAfter).UnixMilli()
	p.Status = proto.StatusActive
	transitions = tbl.Sweep(time.Now())
	if len(transitions) != 1 || transitions[0].Status != proto.StatusAway {
		t.Fatalf("expected a single away transition, got %#v", transitions)
	}
}

func TestSweepNeverProducesOffline(t *testing.T) {
	tbl := New()
	tbl.Join("p1", "Ada", "#ff0000")
	p := tbl.peers["p1"]
	p.LastActive = time.Now().Add(-24 * time.Hour).UnixMilli()

	transitions := tbl.Sweep(time.Now())
	for _, tr := range transitions {
		if tr.Status == proto.StatusOffline {
			t.Fatal("Sweep must never produce an Offline transition")
		}
	}
}
