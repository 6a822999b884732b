package crdt

import (
	"sort"

	"collabd/internal/proto"
)

// opKind distinguishes the two operations an RGA supports.
type opKind uint8

const (
	opInsert opKind = iota
	opDelete
)

// Op is one CRDT operation against a Sequence: either the insertion of a
// single character after a given identity, or the tombstoning of an
// existing character. Ops are immutable and globally identified by ID,
// which doubles as their causal insertion order (Lamport-style: peer +
// per-peer monotonic counter).
type Op struct {
	Kind   opKind
	ID     OpID
	After  OpID // insert-only; zero value means "at the head"
	Value  rune // insert-only
	Target OpID // delete-only; the ID of the character being removed
}

type node struct {
	id      OpID
	value   rune
	deleted bool
}

// Sequence is a replicated growable array: a CRDT for an ordered list of
// characters supporting concurrent insert and delete with commutative,
// idempotent, associative merge and convergent iteration order.
type Sequence struct {
	nodes   []node        // causal/insertion order, tombstones retained
	index   map[OpID]int  // id -> position in nodes
	pending map[OpID][]Op // ops buffered on a missing After dependency
	clock   VClock        // highest counter applied per origin peer
	oplog   []Op          // every op ever applied, in application order
	counter uint64        // last counter this replica used for a local op
	self    string        // this replica's peer id, used when generating local ops
}

// NewSequence returns an empty sequence owned by replica self.
func NewSequence(self string) *Sequence {
	return &Sequence{
		index:   make(map[OpID]int),
		pending: make(map[OpID][]Op),
		clock:   make(VClock),
		self:    self,
	}
}

// Text renders the current visible (non-tombstoned) content.
func (s *Sequence) Text() string {
	out := make([]rune, 0, len(s.nodes))
	for _, n := range s.nodes {
		if !n.deleted {
			out = append(out, n.value)
		}
	}
	return string(out)
}

// Len reports the number of visible characters.
func (s *Sequence) Len() int {
	n := 0
	for _, nd := range s.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

// LocalInsert generates and applies an insert operation for a character at
// visible position pos (0 = head), returning the Op so the caller can log
// and broadcast it.
func (s *Sequence) LocalInsert(pos int, ch rune) Op {
	// Take a counter above every node already present so the new node
	// outranks its future siblings and lands right after its predecessor.
	for _, n := range s.nodes {
		if n.id.Counter > s.counter {
			s.counter = n.id.Counter
		}
	}
	s.counter++
	id := OpID{Peer: s.self, Counter: s.counter}
	after := OpID{}
	if pos > 0 {
		after = s.visibleIDAt(pos - 1)
	}
	op := Op{Kind: opInsert, ID: id, After: after, Value: ch}
	s.applyLocal(op)
	return op
}

// LocalDelete generates and applies a delete operation for the character at
// visible position pos.
func (s *Sequence) LocalDelete(pos int) (Op, bool) {
	target := s.visibleIDAt(pos)
	if target.Zero() && pos != 0 {
		return Op{}, false
	}
	if len(s.nodes) == 0 {
		return Op{}, false
	}
	s.counter++
	id := OpID{Peer: s.self, Counter: s.counter}
	op := Op{Kind: opDelete, ID: id, Target: target}
	if !s.applyLocal(op) {
		return Op{}, false
	}
	return op, true
}

func (s *Sequence) visibleIDAt(pos int) OpID {
	count := -1
	for _, n := range s.nodes {
		if n.deleted {
			continue
		}
		count++
		if count == pos {
			return n.id
		}
	}
	return OpID{}
}

func (s *Sequence) applyLocal(op Op) bool {
	ok := s.apply(op)
	if ok {
		s.oplog = append(s.oplog, op)
		s.clock.Advance(op.ID.Peer, op.ID.Counter)
	}
	return ok
}

// apply places an insert or tombstones a delete target, returning whether
// the op took effect immediately (false means it is buffered pending a
// missing causal predecessor).
func (s *Sequence) apply(op Op) bool {
	switch op.Kind {
	case opInsert:
		if _, exists := s.index[op.ID]; exists {
			return true // already applied; idempotent no-op
		}
		if !op.After.Zero() {
			if _, ok := s.index[op.After]; !ok {
				s.pending[op.After] = append(s.pending[op.After], op)
				return false
			}
		}
		s.insertAfter(op.After, node{id: op.ID, value: op.Value})
		s.resolvePending(op.ID)
		return true
	case opDelete:
		pos, ok := s.index[op.Target]
		if !ok {
			s.pending[op.Target] = append(s.pending[op.Target], op)
			return false
		}
		s.nodes[pos].deleted = true
		return true
	}
	return false
}

// insertAfter places a new node immediately after the node identified by
// after (zero value = head), breaking ties among concurrent inserts at the
// same position by descending OpID so every replica converges on one order.
func (s *Sequence) insertAfter(after OpID, n node) {
	start := 0
	if !after.Zero() {
		pos, ok := s.index[after]
		if !ok {
			// Dependency vanished between apply() and here; treat as head.
			start = 0
		} else {
			start = pos + 1
		}
	}
	end := start
	for end < len(s.nodes) && less(s.nodes[end].id, n.id) {
		end++
	}
	s.nodes = append(s.nodes, node{})
	copy(s.nodes[end+1:], s.nodes[end:])
	s.nodes[end] = n
	s.reindexFrom(end)
}

// less defines the tiebreak order for concurrent inserts at the same
// position: higher counter first, then lexicographically larger peer id
// first, so every replica applying the same set of ops lands on one order.
func less(a, b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Peer > b.Peer
}

func (s *Sequence) reindexFrom(from int) {
	for i := from; i < len(s.nodes); i++ {
		s.index[s.nodes[i].id] = i
	}
}

func (s *Sequence) resolvePending(id OpID) {
	waiting := s.pending[id]
	if len(waiting) == 0 {
		return
	}
	delete(s.pending, id)
	sort.Slice(waiting, func(i, j int) bool { return less(waiting[i].ID, waiting[j].ID) })
	for _, op := range waiting {
		if s.apply(op) {
			s.oplog = append(s.oplog, op)
			s.clock.Advance(op.ID.Peer, op.ID.Counter)
		}
	}
}

// OpsSince returns every op this replica has applied that is not reflected
// in seen, in application order.
func (s *Sequence) OpsSince(seen VClock) []Op {
	var out []Op
	for _, op := range s.oplog {
		if !seen.Seen(op.ID.Peer, op.ID.Counter) {
			out = append(out, op)
		}
	}
	return out
}

// ApplyRemoteOps merges externally-produced ops into this replica. It
// returns the subset that were newly, immediately applied (for forwarding
// to other peers) -- ops buffered on a missing dependency are excluded
// until that dependency arrives, and are returned by the call that
// delivers it, right after the dependency itself.
func (s *Sequence) ApplyRemoteOps(ops []Op) []Op {
	var applied []Op
	for _, op := range ops {
		if s.clock.Seen(op.ID.Peer, op.ID.Counter) {
			continue
		}
		before := len(s.oplog)
		if s.apply(op) {
			s.oplog = append(s.oplog, op)
			s.clock.Advance(op.ID.Peer, op.ID.Counter)
			applied = append(applied, op)
			// apply() logged any buffered ops it resolved ahead of op.
			applied = append(applied, s.oplog[before:len(s.oplog)-1]...)
		}
		// else: buffered in s.pending, will surface once its dependency lands,
		// and will not advance s.clock until it does -- the next GenerateFor
		// for the peer that sent it will simply not have "seen" it yet either.
	}
	return applied
}

// Clock returns the replica's local causal clock (do not mutate the result).
func (s *Sequence) Clock() VClock { return s.clock }

// EncodeOps structurally serializes a slice of ops for the wire.
func EncodeOps(ops []Op) []byte {
	w := proto.NewWriter(32 + 24*len(ops))
	w.PutU32(uint32(len(ops)))
	for _, op := range ops {
		w.PutU8(uint8(op.Kind))
		w.PutString(op.ID.Peer)
		w.PutU64(op.ID.Counter)
		switch op.Kind {
		case opInsert:
			w.PutString(op.After.Peer)
			w.PutU64(op.After.Counter)
			w.PutU32(uint32(op.Value))
		case opDelete:
			w.PutString(op.Target.Peer)
			w.PutU64(op.Target.Counter)
		}
	}
	return w.Bytes()
}

// DecodeOps parses the output of EncodeOps.
func DecodeOps(payload []byte) ([]Op, error) {
	r := proto.NewReader(payload)
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, n)
	for i := uint32(0); i < n; i++ {
		kindByte, err := r.GetU8()
		if err != nil {
			return nil, err
		}
		var op Op
		op.Kind = opKind(kindByte)
		if op.ID.Peer, err = r.GetString(); err != nil {
			return nil, err
		}
		if op.ID.Counter, err = r.GetU64(); err != nil {
			return nil, err
		}
		switch op.Kind {
		case opInsert:
			if op.After.Peer, err = r.GetString(); err != nil {
				return nil, err
			}
			if op.After.Counter, err = r.GetU64(); err != nil {
				return nil, err
			}
			v, err2 := r.GetU32()
			if err2 != nil {
				return nil, err2
			}
			op.Value = rune(v)
		case opDelete:
			if op.Target.Peer, err = r.GetString(); err != nil {
				return nil, err
			}
			if op.Target.Counter, err = r.GetU64(); err != nil {
				return nil, err
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Snapshot captures enough state to reconstruct the sequence without
// replaying the full oplog: visible+tombstoned nodes in order, plus the
// causal clock.
type Snapshot struct {
	Nodes []SnapshotNode
	Clock VClock
}

type SnapshotNode struct {
	ID      OpID
	Value   rune
	Deleted bool
}

// Save captures the current state for persistence.
func (s *Sequence) Save() Snapshot {
	nodes := make([]SnapshotNode, len(s.nodes))
	for i, n := range s.nodes {
		nodes[i] = SnapshotNode{ID: n.id, Value: n.value, Deleted: n.deleted}
	}
	return Snapshot{Nodes: nodes, Clock: s.clock.Clone()}
}

// LoadSequence reconstructs a sequence from a snapshot.
func LoadSequence(self string, snap Snapshot) *Sequence {
	s := NewSequence(self)
	s.nodes = make([]node, len(snap.Nodes))
	for i, n := range snap.Nodes {
		s.nodes[i] = node{id: n.ID, value: n.Value, deleted: n.Deleted}
	}
	s.reindexFrom(0)
	s.clock = snap.Clock.Clone()
	if c, ok := s.clock[self]; ok {
		s.counter = c
	}
	return s
}
