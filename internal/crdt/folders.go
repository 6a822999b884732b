package crdt

// FolderOp is a last-write-wins write against the folder tree: either
// upserting a folder's name/children or tombstoning it. Folders are kept
// in a flat path->node map (no parent pointers) per the arena design: a
// delete cascades by tombstoning every descendant path in the same
// logical operation rather than by walking parent/child pointers.
type FolderOp struct {
	Path      string
	Tombstone bool
	Name      string
	Children  []string
	Stamp     OpID // (origin counter) used as the LWW timestamp + tiebreak
}

type folderEntry struct {
	name      string
	children  []string
	tombstone bool
	stamp     OpID
}

// Folders is a last-write-wins map of folder path to folder node, with
// tombstones so deletes are remembered and outrank older concurrent writes.
type Folders struct {
	entries map[string]folderEntry
	clock   VClock
	self    string
	counter uint64
}

// NewFolders returns an empty folder map owned by replica self.
func NewFolders(self string) *Folders {
	return &Folders{entries: make(map[string]folderEntry), clock: make(VClock), self: self}
}

// Exists reports whether path is a live (non-tombstoned) folder.
func (f *Folders) Exists(path string) bool {
	e, ok := f.entries[path]
	return ok && !e.tombstone
}

// Children returns the ordered child list for a live folder.
func (f *Folders) Children(path string) []string {
	e, ok := f.entries[path]
	if !ok || e.tombstone {
		return nil
	}
	out := make([]string, len(e.children))
	copy(out, e.children)
	return out
}

// Paths returns every currently-live folder path.
func (f *Folders) Paths() []string {
	out := make([]string, 0, len(f.entries))
	for p, e := range f.entries {
		if !e.tombstone {
			out = append(out, p)
		}
	}
	return out
}

// LocalUpsert creates or updates a folder, returning the op for broadcast.
func (f *Folders) LocalUpsert(path, name string, children []string) FolderOp {
	f.counter++
	op := FolderOp{Path: path, Name: name, Children: children, Stamp: OpID{Peer: f.self, Counter: f.counter}}
	f.apply(op)
	return op
}

// LocalDelete cascades a tombstone over path and every folder whose path is
// lexically nested under it (prefix + "/"), returning all resulting ops.
func (f *Folders) LocalDelete(path string) []FolderOp {
	var ops []FolderOp
	for p := range f.entries {
		if p == path || isDescendant(p, path) {
			f.counter++
			op := FolderOp{Path: p, Tombstone: true, Stamp: OpID{Peer: f.self, Counter: f.counter}}
			f.apply(op)
			ops = append(ops, op)
		}
	}
	return ops
}

func isDescendant(path, ancestor string) bool {
	return len(path) > len(ancestor) && path[:len(ancestor)] == ancestor && path[len(ancestor)] == '/'
}

// Apply merges a remote (or locally generated) op using last-write-wins:
// a higher Stamp.Counter wins; ties break on the lexically larger peer id,
// matching Sequence's tiebreak so both CRDTs agree on a total order.
func (f *Folders) Apply(op FolderOp) bool {
	if f.clock.Seen(op.Stamp.Peer, op.Stamp.Counter) {
		return false
	}
	return f.apply(op)
}

func (f *Folders) apply(op FolderOp) bool {
	cur, exists := f.entries[op.Path]
	if exists && !stampWins(op.Stamp, cur.stamp) {
		f.clock.Advance(op.Stamp.Peer, op.Stamp.Counter)
		return false
	}
	f.entries[op.Path] = folderEntry{
		name:      op.Name,
		children:  op.Children,
		tombstone: op.Tombstone,
		stamp:     op.Stamp,
	}
	f.clock.Advance(op.Stamp.Peer, op.Stamp.Counter)
	return true
}

// stampWins reports whether a should overwrite the value currently stamped b.
func stampWins(a, b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Peer > b.Peer
}

// OpsSince returns every folder op not reflected in seen. Folders does not
// retain a full oplog (only current LWW state), so this returns a synthetic
// op per entry (live or tombstoned) whose stamp the peer hasn't seen -- sufficient for
// convergence since LWW merge is order-independent.
func (f *Folders) OpsSince(seen VClock) []FolderOp {
	var out []FolderOp
	for path, e := range f.entries {
		if !seen.Seen(e.stamp.Peer, e.stamp.Counter) {
			out = append(out, FolderOp{
				Path: path, Tombstone: e.tombstone, Name: e.name, Children: e.children, Stamp: e.stamp,
			})
		}
	}
	return out
}

// Clock returns the replica's local causal clock for folder writes.
func (f *Folders) Clock() VClock { return f.clock }

// FolderSnapshot captures folder state for persistence.
type FolderSnapshot struct {
	Entries []FolderSnapshotEntry
	Clock   VClock
}

type FolderSnapshotEntry struct {
	Path      string
	Name      string
	Children  []string
	Tombstone bool
	Stamp     OpID
}

func (f *Folders) Save() FolderSnapshot {
	out := make([]FolderSnapshotEntry, 0, len(f.entries))
	for path, e := range f.entries {
		out = append(out, FolderSnapshotEntry{
			Path: path, Name: e.name, Children: e.children, Tombstone: e.tombstone, Stamp: e.stamp,
		})
	}
	return FolderSnapshot{Entries: out, Clock: f.clock.Clone()}
}

func LoadFolders(self string, snap FolderSnapshot) *Folders {
	f := NewFolders(self)
	for _, e := range snap.Entries {
		f.entries[e.Path] = folderEntry{name: e.Name, children: e.Children, tombstone: e.Tombstone, stamp: e.Stamp}
	}
	f.clock = snap.Clock.Clone()
	if c, ok := f.clock[self]; ok {
		f.counter = c
	}
	return f
}
