// Package presence tracks the connected-peer table for one room: identity,
// status (Active/Idle/Away/Offline), and cursor positions. Status is driven
// both by explicit client updates and by a periodic silence sweep the room
// runs on its own schedule.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"collabd/internal/proto"
)

// Auto-demotion thresholds, measured from a peer's LastActive timestamp.
const (
	IdleAfter = 60 * time.Second
	AwayAfter = 5 * time.Minute
)

// Peer is one connected collaborator's presence record.
type Peer struct {
	PeerID      string
	DisplayName string
	Color       string
	JoinedAt    int64
	LastActive  int64
	Status      proto.Status
	ActiveFile  *string
}

// Cursor is one peer's authoritative, unvalidated position in one file.
type Cursor struct {
	PeerID       string
	FilePath     string
	Line         uint32
	Column       uint32
	SelectionEnd *proto.SelectionEnd
}

// ErrInvalidPosition is returned for a non-positive line or column.
var ErrInvalidPosition = fmt.Errorf("presence: line and column must be >= 1")

// Transition is one status change the sweep produced, for the caller to broadcast.
type Transition struct {
	PeerID string
	Status proto.Status
}

// Table is the presence + cursor state for one room.
type Table struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	cursors map[string]map[string]Cursor // peerID -> filePath -> cursor
}

// New returns an empty presence table.
func New() *Table {
	return &Table{peers: make(map[string]*Peer), cursors: make(map[string]map[string]Cursor)}
}

// Join registers a newly-connected peer.
func (t *Table) Join(peerID, displayName, color string) Peer {
	now := time.Now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Peer{PeerID: peerID, DisplayName: displayName, Color: color, JoinedAt: now, LastActive: now, Status: proto.StatusActive}
	t.peers[peerID] = p
	return *p
}

// Leave removes a peer and its cursors, returning the removed record.
func (t *Table) Leave(peerID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	delete(t.peers, peerID)
	delete(t.cursors, peerID)
	return *p, true
}

// Get returns one peer's current record.
func (t *Table) Get(peerID string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns every connected peer, ordered by PeerID for determinism.
func (t *Table) List() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Count returns the number of connected peers.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Touch marks a peer as having sent a frame, resetting the silence clock
// and promoting it back to Active if it is Idle or Away (whether demoted by
// Sweep or set by the client).
func (t *Table) Touch(peerID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	p.LastActive = time.Now().UnixMilli()
	if p.Status == proto.StatusIdle || p.Status == proto.StatusAway {
		p.Status = proto.StatusActive
	}
	return *p, true
}

// SetStatus applies an explicit client-driven status update.
func (t *Table) SetStatus(peerID string, status proto.Status, activeFile *string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	p.Status = status
	p.ActiveFile = activeFile
	p.LastActive = time.Now().UnixMilli()
	return *p, true
}

// UpdateCursor replaces (never merges) a peer's cursor in one file.
func (t *Table) UpdateCursor(peerID, filePath string, line, column uint32, selEnd *proto.SelectionEnd) (Cursor, error) {
	if line == 0 || column == 0 {
		return Cursor{}, ErrInvalidPosition
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peerID]; !ok {
		return Cursor{}, fmt.Errorf("presence: unknown peer %s", peerID)
	}
	c := Cursor{PeerID: peerID, FilePath: filePath, Line: line, Column: column, SelectionEnd: selEnd}
	if t.cursors[peerID] == nil {
		t.cursors[peerID] = make(map[string]Cursor)
	}
	t.cursors[peerID][filePath] = c
	return c, nil
}

// Sweep auto-demotes peers who have been silent past the Idle/Away
// thresholds and returns the resulting transitions for the caller to
// broadcast. Offline is never produced here -- it only ever happens at
// disconnect, handled by Leave.
func (t *Table) Sweep(now time.Time) []Transition {
	nowMs := now.UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for _, p := range t.peers {
		silence := time.Duration(nowMs-p.LastActive) * time.Millisecond
		switch {
		case silence >= AwayAfter && p.Status != proto.StatusAway:
			p.Status = proto.StatusAway
			out = append(out, Transition{PeerID: p.PeerID, Status: proto.StatusAway})
		case silence >= IdleAfter && p.Status == proto.StatusActive:
			p.Status = proto.StatusIdle
			out = append(out, Transition{PeerID: p.PeerID, Status: proto.StatusIdle})
		}
	}
	return out
}
