// Package document implements the collaborative document abstraction: a
// set of CRDT file contents plus a folder tree and metadata register,
// exposed to the room through exactly four operations (Load, Save,
// ApplyRemote, GenerateFor) so the room never needs to know how
// convergence is achieved underneath.
package document

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"collabd/internal/crdt"
	"collabd/internal/proto"
)

// File is one path's authoritative record.
type File struct {
	Language   string
	CreatedAt  int64
	ModifiedAt int64
	seq        *crdt.Sequence
}

// Content returns the file's current visible text.
func (f *File) Content() string { return f.seq.Text() }

// SyncState is the opaque-to-the-caller bookkeeping the Room round-trips
// per peer: what this document believes that peer has already seen.
type SyncState struct {
	Files   map[string]crdt.VClock
	Folders crdt.VClock
	Meta    crdt.VClock
}

// NewSyncState returns an empty (fully-behind) sync state for a new peer.
func NewSyncState() SyncState {
	return SyncState{Files: make(map[string]crdt.VClock), Folders: make(crdt.VClock), Meta: make(crdt.VClock)}
}

func (s SyncState) clone() SyncState {
	out := NewSyncState()
	for path, vc := range s.Files {
		out.Files[path] = vc.Clone()
	}
	out.Folders = s.Folders.Clone()
	out.Meta = s.Meta.Clone()
	return out
}

func (s SyncState) fileClock(path string) crdt.VClock {
	if vc, ok := s.Files[path]; ok {
		return vc
	}
	return crdt.VClock{}
}

type metaState struct {
	name  string
	stamp crdt.OpID
}

// Document is the sole mutable source of truth for one project's files,
// folders, and metadata. The filesystem on any peer's machine is a
// loosely-coupled external replica mirrored via ordinary change messages;
// Document itself never touches disk.
type Document struct {
	self          string
	SchemaVersion uint32
	CreatedAt     int64

	files       map[string]*File
	folders     *crdt.Folders
	meta        metaState
	metaClock   crdt.VClock
	metaCounter uint64
}

// New returns an empty document for a fresh project, owned by replica self
// (the server's own peer identity for ops the server itself originates,
// e.g. seeding an initial folder).
func New(self, name string) *Document {
	now := time.Now().UnixMilli()
	d := &Document{
		self:          self,
		SchemaVersion: 1,
		CreatedAt:     now,
		files:         make(map[string]*File),
		folders:       crdt.NewFolders(self),
		metaClock:     make(crdt.VClock),
	}
	d.setNameLocal(name, now)
	d.folders.LocalUpsert("/", "/", nil)
	return d
}

func (d *Document) setNameLocal(name string, _ int64) {
	d.metaCounter++
	d.meta = metaState{name: name, stamp: crdt.OpID{Peer: d.self, Counter: d.metaCounter}}
	d.metaClock.Advance(d.self, d.metaCounter)
}

// Name returns the document's current display name.
func (d *Document) Name() string { return d.meta.name }

// File returns the file at path, if it exists.
func (d *Document) File(path string) (*File, bool) {
	f, ok := d.files[path]
	return f, ok
}

// Files returns every known file path, sorted.
func (d *Document) Files() []string {
	out := make([]string, 0, len(d.files))
	for p := range d.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FolderExists reports whether path is a live folder.
func (d *Document) FolderExists(path string) bool { return d.folders.Exists(path) }

// EnsureFile creates an empty file at path if it doesn't already exist,
// returning the existing or newly-created record.
func (d *Document) EnsureFile(path, language string) *File {
	if f, ok := d.files[path]; ok {
		return f
	}
	now := time.Now().UnixMilli()
	f := &File{Language: language, CreatedAt: now, ModifiedAt: now, seq: crdt.NewSequence(d.self)}
	d.files[path] = f
	return f
}

// extensionLanguages maps a lowercased file extension to the language
// identifier clients expect for syntax highlighting.
var extensionLanguages = map[string]string{
	".go":    "go",
	".rs":    "rust",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascriptreact",
	".ts":    "typescript",
	".tsx":   "typescriptreact",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cxx":   "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".php":   "php",
	".md":    "markdown",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".sh":    "shell",
	".html":  "html",
	".css":   "css",
	".sql":   "sql",
}

// LanguageForPath infers a file's language from its extension, for the
// syntax-highlighting hint sent to a peer opening it for the first time.
// An unrecognized or absent extension yields "".
func LanguageForPath(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}

// touch bumps a file's ModifiedAt, which is monotonic non-decreasing.
func (f *File) touch() {
	now := time.Now().UnixMilli()
	if now > f.ModifiedAt {
		f.ModifiedAt = now
	}
}

// ---- payload envelope ----

type fileOpsEntry struct {
	path string
	ops  []crdt.Op
}

func encodeEnvelope(fileEntries []fileOpsEntry, folderOps []crdt.FolderOp, metaPresent bool, name string, stamp crdt.OpID) []byte {
	w := proto.NewWriter(128)
	w.PutU32(uint32(len(fileEntries)))
	for _, e := range fileEntries {
		w.PutString(e.path)
		w.PutBytes(crdt.EncodeOps(e.ops))
	}
	w.PutU32(uint32(len(folderOps)))
	for _, op := range folderOps {
		w.PutString(op.Path)
		w.PutBool(op.Tombstone)
		w.PutString(op.Name)
		w.PutU32(uint32(len(op.Children)))
		for _, c := range op.Children {
			w.PutString(c)
		}
		w.PutString(op.Stamp.Peer)
		w.PutU64(op.Stamp.Counter)
	}
	w.PutBool(metaPresent)
	if metaPresent {
		w.PutString(name)
		w.PutString(stamp.Peer)
		w.PutU64(stamp.Counter)
	}
	return w.Bytes()
}

func decodeEnvelope(payload []byte) (fileEntries []fileOpsEntry, folderOps []crdt.FolderOp, metaPresent bool, name string, stamp crdt.OpID, err error) {
	r := proto.NewReader(payload)
	n, err := r.GetU32()
	if err != nil {
		return
	}
	for i := uint32(0); i < n; i++ {
		path, e := r.GetString()
		if e != nil {
			err = e
			return
		}
		opsBytes, e := r.GetBytes()
		if e != nil {
			err = e
			return
		}
		ops, e := crdt.DecodeOps(opsBytes)
		if e != nil {
			err = e
			return
		}
		fileEntries = append(fileEntries, fileOpsEntry{path: path, ops: ops})
	}
	fn, err := r.GetU32()
	if err != nil {
		return
	}
	for i := uint32(0); i < fn; i++ {
		var op crdt.FolderOp
		if op.Path, err = r.GetString(); err != nil {
			return
		}
		if op.Tombstone, err = r.GetBool(); err != nil {
			return
		}
		if op.Name, err = r.GetString(); err != nil {
			return
		}
		cn, e := r.GetU32()
		if e != nil {
			err = e
			return
		}
		for j := uint32(0); j < cn; j++ {
			c, e2 := r.GetString()
			if e2 != nil {
				err = e2
				return
			}
			op.Children = append(op.Children, c)
		}
		if op.Stamp.Peer, err = r.GetString(); err != nil {
			return
		}
		if op.Stamp.Counter, err = r.GetU64(); err != nil {
			return
		}
		folderOps = append(folderOps, op)
	}
	if metaPresent, err = r.GetBool(); err != nil {
		return
	}
	if metaPresent {
		if name, err = r.GetString(); err != nil {
			return
		}
		if stamp.Peer, err = r.GetString(); err != nil {
			return
		}
		if stamp.Counter, err = r.GetU64(); err != nil {
			return
		}
	}
	return
}

func vclockFromOps(ops []crdt.Op) crdt.VClock {
	vc := make(crdt.VClock)
	for _, op := range ops {
		vc.Advance(op.ID.Peer, op.ID.Counter)
	}
	return vc
}

// GenerateFor computes the next sync payload to send to a peer, given what
// the document believes that peer has already seen. A nil payload means
// the peer is fully synchronized (SyncComplete).
func (d *Document) GenerateFor(state SyncState) ([]byte, SyncState) {
	newState := state.clone()
	var fileEntries []fileOpsEntry
	for _, path := range d.Files() {
		f := d.files[path]
		ops := f.seq.OpsSince(state.fileClock(path))
		if len(ops) == 0 {
			continue
		}
		fileEntries = append(fileEntries, fileOpsEntry{path: path, ops: ops})
		merged := state.fileClock(path).Clone()
		merged.Merge(vclockFromOps(ops))
		newState.Files[path] = merged
	}

	folderOps := d.folders.OpsSince(state.Folders)
	if len(folderOps) > 0 {
		merged := state.Folders.Clone()
		for _, op := range folderOps {
			merged.Advance(op.Stamp.Peer, op.Stamp.Counter)
		}
		newState.Folders = merged
	}

	metaPresent := !state.Meta.Seen(d.meta.stamp.Peer, d.meta.stamp.Counter)
	if metaPresent {
		merged := state.Meta.Clone()
		merged.Advance(d.meta.stamp.Peer, d.meta.stamp.Counter)
		newState.Meta = merged
	}

	if len(fileEntries) == 0 && len(folderOps) == 0 && !metaPresent {
		return nil, state
	}
	return encodeEnvelope(fileEntries, folderOps, metaPresent, d.meta.name, d.meta.stamp), newState
}

// ApplyRemote merges a peer-supplied sync payload into the document. It
// returns the bytes of exactly the ops that were newly and immediately
// applied (suitable for persistence and re-broadcast to other peers) plus
// the updated belief of what that peer has sent us. Ops that reference a
// causal predecessor this replica hasn't seen yet are buffered internally
// and excluded from both the returned bytes and the advanced state, so the
// next GenerateFor call for that peer will not assume it is caught up.
func (d *Document) ApplyRemote(state SyncState, payload []byte) ([]byte, SyncState, error) {
	fileEntries, folderOps, metaPresent, name, stamp, err := decodeEnvelope(payload)
	if err != nil {
		return nil, state, fmt.Errorf("document: decode sync payload: %w", err)
	}

	newState := state.clone()
	var appliedFiles []fileOpsEntry
	for _, e := range fileEntries {
		f, ok := d.files[e.path]
		if !ok {
			f = d.EnsureFile(e.path, LanguageForPath(e.path))
		}
		applied := f.seq.ApplyRemoteOps(e.ops)
		if len(applied) > 0 {
			f.touch()
			appliedFiles = append(appliedFiles, fileOpsEntry{path: e.path, ops: applied})
			merged := state.fileClock(e.path).Clone()
			merged.Merge(vclockFromOps(applied))
			newState.Files[e.path] = merged
		}
	}

	var appliedFolderOps []crdt.FolderOp
	for _, op := range folderOps {
		if d.folders.Apply(op) {
			appliedFolderOps = append(appliedFolderOps, op)
			newState.Folders.Advance(op.Stamp.Peer, op.Stamp.Counter)
		}
	}

	metaApplied := false
	if metaPresent && !d.metaClock.Seen(stamp.Peer, stamp.Counter) {
		if stampWins(stamp, d.meta.stamp) {
			d.meta = metaState{name: name, stamp: stamp}
		}
		d.metaClock.Advance(stamp.Peer, stamp.Counter)
		newState.Meta.Advance(stamp.Peer, stamp.Counter)
		metaApplied = true
	}

	if len(appliedFiles) == 0 && len(appliedFolderOps) == 0 && !metaApplied {
		return nil, newState, nil
	}
	changeBytes := encodeEnvelope(appliedFiles, appliedFolderOps, metaApplied, d.meta.name, d.meta.stamp)
	return changeBytes, newState, nil
}

func stampWins(a, b crdt.OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Peer > b.Peer
}
