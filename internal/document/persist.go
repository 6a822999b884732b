package document

import (
	"collabd/internal/crdt"
	"collabd/internal/proto"
)

// Save serializes the full document state -- every file's CRDT sequence,
// the folder tree, and metadata -- into an opaque byte blob suitable for
// Store.Compact to write as a project snapshot.
func (d *Document) Save() []byte {
	w := proto.NewWriter(256)
	w.PutU32(d.SchemaVersion)
	w.PutI64(d.CreatedAt)
	w.PutString(d.meta.name)
	w.PutString(d.meta.stamp.Peer)
	w.PutU64(d.meta.stamp.Counter)
	putVClock(w, d.metaClock)

	paths := d.Files()
	w.PutU32(uint32(len(paths)))
	for _, path := range paths {
		f := d.files[path]
		w.PutString(path)
		w.PutString(f.Language)
		w.PutI64(f.CreatedAt)
		w.PutI64(f.ModifiedAt)
		putSequenceSnapshot(w, f.seq.Save())
	}

	putFolderSnapshot(w, d.folders.Save())
	return w.Bytes()
}

// Load reconstructs a Document from bytes produced by Save. Empty bytes
// yields a fresh, empty document owned by replica self.
func Load(self string, data []byte) (*Document, error) {
	if len(data) == 0 {
		return New(self, "untitled project"), nil
	}
	r := proto.NewReader(data)
	d := &Document{self: self, files: make(map[string]*File)}

	var err error
	if d.SchemaVersion, err = r.GetU32(); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = r.GetI64(); err != nil {
		return nil, err
	}
	name, err := r.GetString()
	if err != nil {
		return nil, err
	}
	var stamp crdt.OpID
	if stamp.Peer, err = r.GetString(); err != nil {
		return nil, err
	}
	if stamp.Counter, err = r.GetU64(); err != nil {
		return nil, err
	}
	d.meta = metaState{name: name, stamp: stamp}
	if d.metaClock, err = getVClock(r); err != nil {
		return nil, err
	}
	if c, ok := d.metaClock[self]; ok {
		d.metaCounter = c
	}

	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		path, e := r.GetString()
		if e != nil {
			return nil, e
		}
		f := &File{}
		if f.Language, err = r.GetString(); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = r.GetI64(); err != nil {
			return nil, err
		}
		if f.ModifiedAt, err = r.GetI64(); err != nil {
			return nil, err
		}
		snap, e := getSequenceSnapshot(r)
		if e != nil {
			return nil, e
		}
		f.seq = crdt.LoadSequence(self, snap)
		d.files[path] = f
	}

	folderSnap, err := getFolderSnapshot(r)
	if err != nil {
		return nil, err
	}
	d.folders = crdt.LoadFolders(self, folderSnap)
	return d, nil
}

// EncodeSyncState serializes a peer's sync checkpoint into an opaque byte
// blob suitable for Store.PutSyncState, using the same primitives as a
// document snapshot.
func EncodeSyncState(s SyncState) []byte {
	w := proto.NewWriter(64)
	w.PutU32(uint32(len(s.Files)))
	for path, vc := range s.Files {
		w.PutString(path)
		putVClock(w, vc)
	}
	putVClock(w, s.Folders)
	putVClock(w, s.Meta)
	return w.Bytes()
}

// DecodeSyncState reconstructs a SyncState from bytes produced by
// EncodeSyncState.
func DecodeSyncState(data []byte) (SyncState, error) {
	s := NewSyncState()
	r := proto.NewReader(data)
	n, err := r.GetU32()
	if err != nil {
		return SyncState{}, err
	}
	for i := uint32(0); i < n; i++ {
		path, e := r.GetString()
		if e != nil {
			return SyncState{}, e
		}
		vc, e := getVClock(r)
		if e != nil {
			return SyncState{}, e
		}
		s.Files[path] = vc
	}
	if s.Folders, err = getVClock(r); err != nil {
		return SyncState{}, err
	}
	if s.Meta, err = getVClock(r); err != nil {
		return SyncState{}, err
	}
	return s, nil
}

func putVClock(w *proto.Writer, vc crdt.VClock) {
	w.PutU32(uint32(len(vc)))
	for peer, counter := range vc {
		w.PutString(peer)
		w.PutU64(counter)
	}
}

func getVClock(r *proto.Reader) (crdt.VClock, error) {
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	vc := make(crdt.VClock, n)
	for i := uint32(0); i < n; i++ {
		peer, e := r.GetString()
		if e != nil {
			return nil, e
		}
		counter, e := r.GetU64()
		if e != nil {
			return nil, e
		}
		vc[peer] = counter
	}
	return vc, nil
}

func putSequenceSnapshot(w *proto.Writer, snap crdt.Snapshot) {
	w.PutU32(uint32(len(snap.Nodes)))
	for _, n := range snap.Nodes {
		w.PutString(n.ID.Peer)
		w.PutU64(n.ID.Counter)
		w.PutU32(uint32(n.Value))
		w.PutBool(n.Deleted)
	}
	putVClock(w, snap.Clock)
}

func getSequenceSnapshot(r *proto.Reader) (crdt.Snapshot, error) {
	n, err := r.GetU32()
	if err != nil {
		return crdt.Snapshot{}, err
	}
	nodes := make([]crdt.SnapshotNode, 0, n)
	for i := uint32(0); i < n; i++ {
		var sn crdt.SnapshotNode
		if sn.ID.Peer, err = r.GetString(); err != nil {
			return crdt.Snapshot{}, err
		}
		if sn.ID.Counter, err = r.GetU64(); err != nil {
			return crdt.Snapshot{}, err
		}
		v, e := r.GetU32()
		if e != nil {
			return crdt.Snapshot{}, e
		}
		sn.Value = rune(v)
		if sn.Deleted, err = r.GetBool(); err != nil {
			return crdt.Snapshot{}, err
		}
		nodes = append(nodes, sn)
	}
	clock, err := getVClock(r)
	if err != nil {
		return crdt.Snapshot{}, err
	}
	return crdt.Snapshot{Nodes: nodes, Clock: clock}, nil
}

func putFolderSnapshot(w *proto.Writer, snap crdt.FolderSnapshot) {
	w.PutU32(uint32(len(snap.Entries)))
	for _, e := range snap.Entries {
		w.PutString(e.Path)
		w.PutString(e.Name)
		w.PutU32(uint32(len(e.Children)))
		for _, c := range e.Children {
			w.PutString(c)
		}
		w.PutBool(e.Tombstone)
		w.PutString(e.Stamp.Peer)
		w.PutU64(e.Stamp.Counter)
	}
	putVClock(w, snap.Clock)
}

func getFolderSnapshot(r *proto.Reader) (crdt.FolderSnapshot, error) {
	n, err := r.GetU32()
	if err != nil {
		return crdt.FolderSnapshot{}, err
	}
	entries := make([]crdt.FolderSnapshotEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e crdt.FolderSnapshotEntry
		if e.Path, err = r.GetString(); err != nil {
			return crdt.FolderSnapshot{}, err
		}
		if e.Name, err = r.GetString(); err != nil {
			return crdt.FolderSnapshot{}, err
		}
		cn, e2 := r.GetU32()
		if e2 != nil {
			return crdt.FolderSnapshot{}, e2
		}
		for j := uint32(0); j < cn; j++ {
			c, e3 := r.GetString()
			if e3 != nil {
				return crdt.FolderSnapshot{}, e3
			}
			e.Children = append(e.Children, c)
		}
		if e.Tombstone, err = r.GetBool(); err != nil {
			return crdt.FolderSnapshot{}, err
		}
		if e.Stamp.Peer, err = r.GetString(); err != nil {
			return crdt.FolderSnapshot{}, err
		}
		if e.Stamp.Counter, err = r.GetU64(); err != nil {
			return crdt.FolderSnapshot{}, err
		}
		entries = append(entries, e)
	}
	clock, err := getVClock(r)
	if err != nil {
		return crdt.FolderSnapshot{}, err
	}
	return crdt.FolderSnapshot{Entries: entries, Clock: clock}, nil
}
