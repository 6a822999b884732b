// Package room implements one project's live collaboration session: the
// document, the presence table, the connected peers, and the durable store
// binding them together. One Room exists per actively-collaborated project;
// the server registry creates it lazily on first join and evicts it after a
// period with no connected peers.
package room

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabd/internal/connection"
	"collabd/internal/document"
	"collabd/internal/presence"
	"collabd/internal/proto"
	"collabd/internal/store"
	"collabd/internal/voice"
)

// serverSelf is the replica identity the Document uses for ops the server
// itself originates (currently only the initial root-folder seed at creation).
const serverSelf = "server"

// IdleEvictAfter is how long a room with zero connected peers is kept warm
// in memory before the registry is told to drop it.
const IdleEvictAfter = 5 * time.Minute

// snapshotInterval batches how often accumulated changes are compacted into
// a fresh snapshot file rather than replayed from the change log on reload.
const snapshotInterval = 200

// sessionTokenTTL bounds how long a session token remains valid for resume,
// and doubles as the TTL for the checkpointed sync state a peer's token
// unlocks on rejoin.
const sessionTokenTTL = 24 * time.Hour

var colorPalette = []string{
	"#e06c75", "#98c379", "#e5c07b", "#61afef", "#c678dd", "#56b6c2", "#d19a66", "#be5046",
}

// colorForPeer deterministically assigns a peer identity to a palette entry,
// so the same peerID always gets the same color across reconnects.
func colorForPeer(peerID string) string {
	h := fnv.New32a()
	h.Write([]byte(peerID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// sessionRecord binds a session token to the identity and TTL it restores on
// resume.
type sessionRecord struct {
	peerID    string
	color     string
	expiresAt time.Time
}

// Room is one project's live collaboration session.
type Room struct {
	ProjectID string

	mu                   sync.RWMutex
	doc                  *document.Document
	store                *store.Store
	presenceTbl          *presence.Table
	voiceIssuer          voice.Issuer
	maxPeers             int
	conns                map[string]*connection.Connection // peerID -> connection
	syncStates           map[string]document.SyncState
	sessions             map[string]sessionRecord // token -> identity
	changesSinceSnapshot int64
	idleTimer            *time.Timer
	onIdleExpired        func(projectID string)
	closed               bool
}

// Config bundles the dependencies a Room needs at creation.
type Config struct {
	ProjectID     string
	Store         *store.Store
	VoiceIssuer   voice.Issuer
	MaxPeers      int // 0 = unlimited
	OnIdleExpired func(projectID string)
}

// Load reconstructs a Room from durable storage, replaying any changes
// recorded since the last snapshot. It does not compact; the replayed
// batches count toward the next snapshotInterval compaction.
func Load(ctx context.Context, cfg Config) (*Room, error) {
	snapshot, pending, _, err := cfg.Store.LoadOrInit(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("room: load project %s: %w", cfg.ProjectID, err)
	}

	doc, err := document.Load(serverSelf, snapshot)
	if err != nil {
		return nil, fmt.Errorf("room: decode snapshot %s: %w", cfg.ProjectID, err)
	}

	state := document.NewSyncState()
	for _, payload := range pending {
		if _, newState, err := doc.ApplyRemote(state, payload); err == nil {
			state = newState
		} else {
			slog.Warn("room: skipping corrupt replayed change", "project_id", cfg.ProjectID, "err", err)
		}
	}

	r := &Room{
		ProjectID:            cfg.ProjectID,
		doc:                  doc,
		store:                cfg.Store,
		presenceTbl:          presence.New(),
		voiceIssuer:          cfg.VoiceIssuer,
		maxPeers:             cfg.MaxPeers,
		conns:                make(map[string]*connection.Connection),
		syncStates:           make(map[string]document.SyncState),
		sessions:             make(map[string]sessionRecord),
		changesSinceSnapshot: int64(len(pending)),
		onIdleExpired:        cfg.OnIdleExpired,
	}
	r.armIdleTimer()
	return r, nil
}

func (r *Room) armIdleTimer() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(IdleEvictAfter, func() {
		r.mu.Lock()
		empty := len(r.conns) == 0
		r.mu.Unlock()
		if empty && r.onIdleExpired != nil {
			r.onIdleExpired(r.ProjectID)
		}
	})
}

func (r *Room) cancelIdleTimer() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
}

// Empty reports whether the room currently has no connected peers, for the
// registry to check before finalizing an idle eviction (a peer may have
// joined again between the timer firing and the registry acting on it).
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns) == 0
}

// Shutdown persists a final snapshot and releases in-memory state. Called
// by the registry right before dropping an idle room.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancelIdleTimer()
	return r.compactLocked(ctx)
}

func (r *Room) compactLocked(ctx context.Context) error {
	if r.changesSinceSnapshot == 0 {
		return nil
	}
	snap := r.doc.Save()
	meta, err := r.store.GetProjectMeta(ctx, r.ProjectID)
	if err != nil {
		return err
	}
	upTo := meta.SnapshotSeq + r.changesSinceSnapshot
	if err := r.store.Compact(ctx, r.ProjectID, snap, upTo); err != nil {
		return err
	}
	r.changesSinceSnapshot = 0
	return nil
}

// ---- connection.Handler ----

// HandleHello validates the handshake and issues the peer its identity.
// It does not admit the peer into the room -- that happens on JoinProject.
func (r *Room) HandleHello(c *connection.Connection, hello *proto.Hello) error {
	if hello.ProtocolVersion != connection.FrameVersion {
		c.Send(proto.ServerMessage{Tag: proto.TagError, Error: &proto.ServerError{
			Code: proto.ErrVersionMismatch, Message: "unsupported protocol version",
		}})
		return fmt.Errorf("room: version mismatch: client=%d server=%d", hello.ProtocolVersion, connection.FrameVersion)
	}

	var peerID, color string
	r.mu.Lock()
	if hello.SessionToken != nil {
		if rec, ok := r.sessions[*hello.SessionToken]; ok && time.Now().Before(rec.expiresAt) {
			peerID, color = rec.peerID, rec.color
		}
		delete(r.sessions, *hello.SessionToken)
	}
	if peerID == "" {
		if hello.ClientID != nil && *hello.ClientID != "" {
			peerID = *hello.ClientID
		} else {
			peerID = uuid.NewString()
		}
		color = colorForPeer(peerID)
	}
	token := uuid.NewString()
	r.sessions[token] = sessionRecord{peerID: peerID, color: color, expiresAt: time.Now().Add(sessionTokenTTL)}
	r.mu.Unlock()

	c.SetPeerID(peerID)
	c.SetDisplayName(hello.ClientName)
	c.SetColor(color)

	c.Send(proto.ServerMessage{Tag: proto.TagWelcome, Welcome: &proto.Welcome{
		ProtocolVersion: connection.FrameVersion,
		PeerID:          peerID,
		Color:           color,
		SessionToken:    token,
		ServerTime:      time.Now().UnixMilli(),
	}})
	return nil
}

// HandleMessage dispatches one decoded client message.
func (r *Room) HandleMessage(c *connection.Connection, msg proto.ClientMessage) {
	if peerID := c.PeerID(); peerID != "" {
		r.presenceTbl.Touch(peerID)
	}
	switch msg.Tag {
	case proto.TagJoinProject:
		r.handleJoinProject(c, msg.JoinProject)
	case proto.TagLeaveProject:
		r.handleLeaveProject(c, msg.LeaveProject)
	case proto.TagSyncMessage:
		r.handleSyncMessage(c, msg.SyncMessage)
	case proto.TagSyncRequest:
		r.handleSyncRequest(c, msg.SyncRequest)
	case proto.TagOpenFile:
		r.handleOpenFile(c, msg.OpenFile)
	case proto.TagCloseFile:
		// No per-open-file resource is held server-side; acknowledged implicitly.
	case proto.TagCursorUpdate:
		r.handleCursorUpdate(c, msg.CursorUpdate)
	case proto.TagPresenceUpdate:
		r.handlePresenceUpdate(c, msg.PresenceUpdate)
	case proto.TagChatMessage:
		r.handleChatMessage(c, msg.ChatMessage)
	case proto.TagVoiceJoin:
		r.handleVoiceJoin(c, msg.VoiceJoin)
	case proto.TagVoiceLeave:
		// Voice media lives entirely outside this server; nothing to release.
	case proto.TagPing:
		c.Send(proto.ServerMessage{Tag: proto.TagPong, Pong: &proto.Pong{
			Timestamp: msg.Ping.Timestamp, ServerTime: time.Now().UnixMilli(),
		}})
	case proto.TagGoodbye:
		c.Close()
	default:
		r.sendError(c, nil, proto.ErrInvalidMessage, "unrecognized message tag")
	}
}

// HandleClose removes a disconnected peer from the room.
func (r *Room) HandleClose(c *connection.Connection) {
	peerID := c.PeerID()
	if peerID == "" {
		return
	}
	r.mu.Lock()
	delete(r.conns, peerID)
	state, hadState := r.syncStates[peerID]
	delete(r.syncStates, peerID)
	empty := len(r.conns) == 0
	if empty {
		r.armIdleTimer()
	}
	r.mu.Unlock()

	if hadState {
		payload := document.EncodeSyncState(state)
		if err := r.store.PutSyncState(context.Background(), r.ProjectID, peerID, payload, sessionTokenTTL); err != nil {
			slog.Error("room: checkpoint sync state failed", "project_id", r.ProjectID, "peer_id", peerID, "err", err)
		}
	}

	if p, ok := r.presenceTbl.Leave(peerID); ok {
		r.broadcastExcept(peerID, proto.ServerMessage{Tag: proto.TagPeerLeft, PeerLeft: &proto.PeerLeft{
			ProjectID: r.ProjectID, PeerID: peerID,
		}})
		slog.Info("room: peer left", "project_id", r.ProjectID, "peer_id", peerID, "display_name", p.DisplayName)
	}
}

// ---- message handlers ----

func (r *Room) handleJoinProject(c *connection.Connection, msg *proto.JoinProject) {
	if msg.ProjectID != r.ProjectID {
		r.sendError(c, &msg.ProjectID, proto.ErrProjectNotFound, "project id does not match this connection")
		return
	}
	peerID := c.PeerID()
	if peerID == "" {
		r.sendError(c, &msg.ProjectID, proto.ErrUnauthorized, "hello must precede join_project")
		return
	}

	r.mu.Lock()
	if _, already := r.conns[peerID]; already {
		r.mu.Unlock()
		r.sendError(c, &msg.ProjectID, proto.ErrAlreadyJoined, "already joined this project")
		return
	}
	if r.maxPeers > 0 && len(r.conns) >= r.maxPeers {
		r.mu.Unlock()
		r.sendError(c, &msg.ProjectID, proto.ErrProjectFull, "project has reached its peer limit")
		return
	}
	r.conns[peerID] = c
	r.cancelIdleTimer()
	r.mu.Unlock()

	if payload, found, err := r.store.GetSyncState(context.Background(), r.ProjectID, peerID); err != nil {
		slog.Error("room: load checkpointed sync state failed", "project_id", r.ProjectID, "peer_id", peerID, "err", err)
	} else if found {
		if state, err := document.DecodeSyncState(payload); err == nil {
			r.mu.Lock()
			r.syncStates[peerID] = state
			r.mu.Unlock()
		} else {
			slog.Warn("room: discarding corrupt checkpointed sync state", "project_id", r.ProjectID, "peer_id", peerID, "err", err)
		}
	}

	displayName := c.DisplayName()
	if displayName == "" {
		displayName = peerID
	}
	peer := r.presenceTbl.Join(peerID, displayName, c.Color())
	c.MarkJoined()

	peers := make([]proto.PeerInfo, 0)
	for _, p := range r.presenceTbl.List() {
		if p.PeerID == peerID {
			continue
		}
		peers = append(peers, toPeerInfo(p))
	}

	var docState []byte
	if msg.RequestState {
		r.mu.RLock()
		docState = r.doc.Save()
		r.mu.RUnlock()
	}

	c.Send(proto.ServerMessage{Tag: proto.TagProjectJoined, ProjectJoined: &proto.ProjectJoined{
		ProjectID: r.ProjectID, Peers: peers, DocumentState: docState,
	}})

	r.broadcastExcept(peerID, proto.ServerMessage{Tag: proto.TagPeerJoined, PeerJoined: &proto.PeerJoined{
		ProjectID: r.ProjectID, Peer: toPeerInfo(peer),
	}})

	ctx := context.Background()
	if history, err := r.store.GetChatHistory(ctx, r.ProjectID); err == nil && len(history) > 0 {
		entries := make([]proto.ChatEntryWire, 0, len(history))
		for _, e := range history {
			entries = append(entries, proto.ChatEntryWire{
				PeerID: e.PeerID, DisplayName: e.DisplayName, Content: e.Content, Timestamp: e.ServerTimestamp,
			})
		}
		c.Send(proto.ServerMessage{Tag: proto.TagChatHistory, ChatHistory: &proto.ChatHistory{
			ProjectID: r.ProjectID, Messages: entries,
		}})
	}

	slog.Info("room: peer joined", "project_id", r.ProjectID, "peer_id", peerID)
}

func (r *Room) handleLeaveProject(c *connection.Connection, msg *proto.LeaveProject) {
	c.Send(proto.ServerMessage{Tag: proto.TagProjectLeft, ProjectLeft: &proto.ProjectLeft{ProjectID: r.ProjectID}})
	c.Close()
}

func (r *Room) handleSyncMessage(c *connection.Connection, msg *proto.SyncMessage) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}

	r.mu.Lock()
	state := r.syncStates[peerID]
	changed, newState, err := r.doc.ApplyRemote(state, msg.SyncData)
	if err != nil {
		r.mu.Unlock()
		r.sendError(c, &msg.ProjectID, proto.ErrInvalidMessage, "malformed sync payload")
		return
	}
	r.syncStates[peerID] = newState
	r.mu.Unlock()

	if changed == nil {
		return
	}

	ctx := context.Background()
	if _, err := r.store.AppendChanges(ctx, r.ProjectID, changed); err != nil {
		slog.Error("room: persist change failed", "project_id", r.ProjectID, "peer_id", peerID, "err", err)
	}
	r.mu.Lock()
	r.changesSinceSnapshot++
	shouldCompact := r.changesSinceSnapshot >= snapshotInterval
	r.mu.Unlock()
	if shouldCompact {
		if err := r.compactWithLock(ctx); err != nil {
			slog.Error("room: compact failed", "project_id", r.ProjectID, "err", err)
		}
	}

	from := peerID
	r.broadcastExcept(peerID, proto.ServerMessage{Tag: proto.TagServerSyncMessage, SyncMessage: &proto.ServerSyncMessage{
		ProjectID: r.ProjectID, SyncData: changed, FromPeer: &from,
	}})
}

func (r *Room) compactWithLock(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compactLocked(ctx)
}

func (r *Room) handleSyncRequest(c *connection.Connection, msg *proto.SyncRequest) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}

	r.mu.Lock()
	state := r.syncStates[peerID]
	payload, newState := r.doc.GenerateFor(state)
	r.syncStates[peerID] = newState
	r.mu.Unlock()

	if payload == nil {
		c.Send(proto.ServerMessage{Tag: proto.TagSyncComplete, SyncComplete: &proto.SyncComplete{ProjectID: r.ProjectID}})
		return
	}
	c.Send(proto.ServerMessage{Tag: proto.TagServerSyncMessage, SyncMessage: &proto.ServerSyncMessage{
		ProjectID: r.ProjectID, SyncData: payload,
	}})
}

func (r *Room) handleOpenFile(c *connection.Connection, msg *proto.OpenFile) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}
	r.mu.Lock()
	f, ok := r.doc.File(msg.FilePath)
	if !ok {
		parent := parentFolder(msg.FilePath)
		if parent != "/" && !r.doc.FolderExists(parent) {
			r.mu.Unlock()
			c.Send(proto.ServerMessage{Tag: proto.TagFileNotFound, FileNotFound: &proto.FileNotFound{
				ProjectID: msg.ProjectID, FilePath: msg.FilePath,
			}})
			return
		}
		f = r.doc.EnsureFile(msg.FilePath, document.LanguageForPath(msg.FilePath))
	}
	content, language, version := f.Content(), f.Language, uint64(f.ModifiedAt)
	r.mu.Unlock()

	c.Send(proto.ServerMessage{Tag: proto.TagFileContent, FileContent: &proto.FileContent{
		ProjectID: msg.ProjectID, FilePath: msg.FilePath, Content: content, Language: language, Version: version,
	}})
}

func parentFolder(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "/"
}

func (r *Room) handleCursorUpdate(c *connection.Connection, msg *proto.CursorUpdate) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}
	cursor, err := r.presenceTbl.UpdateCursor(peerID, msg.FilePath, msg.Line, msg.Column, msg.SelectionEnd)
	if err != nil {
		r.sendError(c, &msg.ProjectID, proto.ErrInvalidMessage, err.Error())
		return
	}
	peer, _ := r.presenceTbl.Get(peerID)

	r.broadcastExcept(peerID, proto.ServerMessage{Tag: proto.TagCursorBroadcast, CursorBroadcast: &proto.CursorBroadcast{
		ProjectID: r.ProjectID, PeerID: peerID, PeerName: peer.DisplayName, PeerColor: peer.Color,
		FilePath: cursor.FilePath, Line: cursor.Line, Column: cursor.Column, SelectionEnd: cursor.SelectionEnd,
	}})
}

func (r *Room) handlePresenceUpdate(c *connection.Connection, msg *proto.PresenceUpdate) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}
	peer, ok := r.presenceTbl.SetStatus(peerID, msg.Status, msg.ActiveFile)
	if !ok {
		return
	}
	r.broadcastExcept(peerID, proto.ServerMessage{Tag: proto.TagPresenceBroadcast, PresenceBroadcast: &proto.PresenceBroadcast{
		ProjectID: r.ProjectID, PeerID: peerID, PeerName: peer.DisplayName,
		Status: peer.Status, ActiveFile: peer.ActiveFile, LastActive: peer.LastActive,
	}})
}

func (r *Room) handleChatMessage(c *connection.Connection, msg *proto.ChatMessage) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}
	peer, _ := r.presenceTbl.Get(peerID)
	ts := time.Now().UnixMilli()

	if err := r.store.AppendChatEntry(context.Background(), r.ProjectID, peerID, peer.DisplayName, msg.Content, ts); err != nil {
		slog.Error("room: persist chat entry failed", "project_id", r.ProjectID, "err", err)
	}

	r.broadcastAll(proto.ServerMessage{Tag: proto.TagChatBroadcast, ChatBroadcast: &proto.ChatBroadcast{
		ProjectID: r.ProjectID, PeerID: peerID, PeerName: peer.DisplayName, Content: msg.Content, Timestamp: ts,
	}})
}

func (r *Room) handleVoiceJoin(c *connection.Connection, msg *proto.VoiceJoin) {
	peerID := c.PeerID()
	if !r.requireJoined(c, peerID, msg.ProjectID) {
		return
	}
	peer, _ := r.presenceTbl.Get(peerID)
	grant, err := r.voiceIssuer.Issue(r.ProjectID, peerID, peer.DisplayName)
	if err != nil {
		r.sendError(c, &msg.ProjectID, proto.ErrServerError, "voice grant unavailable")
		return
	}
	c.Send(proto.ServerMessage{Tag: proto.TagVoiceToken, VoiceToken: &proto.VoiceToken{
		ProjectID: r.ProjectID, Token: grant.Token, RoomName: r.ProjectID, ServerURL: grant.URL,
	}})
}

// ---- helpers ----

func (r *Room) requireJoined(c *connection.Connection, peerID, msgProjectID string) bool {
	if peerID == "" || c.State() != connection.StateJoined {
		r.sendError(c, &msgProjectID, proto.ErrNotJoined, "must join_project before sending this message")
		return false
	}
	if msgProjectID != r.ProjectID {
		r.sendError(c, &msgProjectID, proto.ErrInvalidMessage, "project id does not match this connection")
		return false
	}
	return true
}

func (r *Room) sendError(c *connection.Connection, projectID *string, code proto.ErrorCode, message string) {
	c.Send(proto.ServerMessage{Tag: proto.TagError, Error: &proto.ServerError{
		Code: code, Message: message, ProjectID: projectID,
	}})
}

func (r *Room) broadcastExcept(exceptPeerID string, msg proto.ServerMessage) {
	r.mu.RLock()
	targets := make([]*connection.Connection, 0, len(r.conns))
	for peerID, c := range r.conns {
		if peerID == exceptPeerID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		c.Send(msg)
	}
}

func (r *Room) broadcastAll(msg proto.ServerMessage) {
	r.broadcastExcept("", msg)
}

// Stats returns a point-in-time view for the admin stats endpoint.
func (r *Room) Stats(ctx context.Context) (store.ProjectStats, int, error) {
	s, err := r.store.Stats(ctx, r.ProjectID)
	return s, r.presenceTbl.Count(), err
}

// PeerCount returns the number of peers currently present in the room,
// without touching the store.
func (r *Room) PeerCount() int {
	return r.presenceTbl.Count()
}

// SweepPresence runs the presence auto-demotion sweep and broadcasts any
// resulting transitions. Intended to be called periodically by the server.
func (r *Room) SweepPresence() {
	transitions := r.presenceTbl.Sweep(time.Now())
	for _, t := range transitions {
		peer, ok := r.presenceTbl.Get(t.PeerID)
		if !ok {
			continue
		}
		r.broadcastExcept("", proto.ServerMessage{Tag: proto.TagPresenceBroadcast, PresenceBroadcast: &proto.PresenceBroadcast{
			ProjectID: r.ProjectID, PeerID: t.PeerID, PeerName: peer.DisplayName,
			Status: peer.Status, ActiveFile: peer.ActiveFile, LastActive: peer.LastActive,
		}})
	}
}

func toPeerInfo(p presence.Peer) proto.PeerInfo {
	return proto.PeerInfo{
		PeerID: p.PeerID, DisplayName: p.DisplayName, Color: p.Color,
		Status: p.Status, ActiveFile: p.ActiveFile,
	}
}
