package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabd/internal/connection"
	"collabd/internal/crdt"
	"collabd/internal/document"
	"collabd/internal/proto"
	"collabd/internal/store"
	"collabd/internal/voice"
)

func newTestRoom(t *testing.T, projectID string, maxPeers int) *Room {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), filepath.Join(dir, "snapshots"), 0)
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r, err := Load(context.Background(), Config{
		ProjectID:   projectID,
		Store:       st,
		VoiceIssuer: &voice.FakeIssuer{},
		MaxPeers:    maxPeers,
	})
	if err != nil {
		t.Fatalf("room load failed: %v", err)
	}
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

var upgrader = websocket.Upgrader{}

func startRoomServer(t *testing.T, r *Room) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		wsConn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		c := connection.New(wsConn, req.RemoteAddr, r)
		c.Run()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, url string) *testClient {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &testClient{t: t, conn: c}
}

func (tc *testClient) send(cm proto.ClientMessage) {
	tc.t.Helper()
	frame, err := connection.EncodeFrame(0, proto.EncodeClient(cm))
	if err != nil {
		tc.t.Fatalf("encode frame failed: %v", err)
	}
	if err := tc.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		tc.t.Fatalf("write failed: %v", err)
	}
}

func (tc *testClient) recv() proto.ServerMessage {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := tc.conn.ReadMessage()
	if err != nil {
		tc.t.Fatalf("read failed: %v", err)
	}
	_, payload, err := connection.DecodeFrame(data)
	if err != nil {
		tc.t.Fatalf("decode frame failed: %v", err)
	}
	sm, err := proto.DecodeServer(payload)
	if err != nil {
		tc.t.Fatalf("decode server message failed: %v", err)
	}
	return sm
}

// recvUntil reads frames until one matching tag arrives or the deadline expires.
func (tc *testClient) recvUntil(tag uint32) proto.ServerMessage {
	tc.t.Helper()
	for i := 0; i < 10; i++ {
		sm := tc.recv()
		if sm.Tag == tag {
			return sm
		}
	}
	tc.t.Fatalf("did not see message with tag %d within 10 frames", tag)
	return proto.ServerMessage{}
}

func (tc *testClient) hello(clientName string) proto.ServerMessage {
	tc.send(proto.ClientMessage{Tag: proto.TagHello, Hello: &proto.Hello{
		ProtocolVersion: connection.FrameVersion, ClientName: clientName,
	}})
	return tc.recvUntil(proto.TagWelcome)
}

func (tc *testClient) helloWithToken(clientName string, token *string) proto.ServerMessage {
	tc.send(proto.ClientMessage{Tag: proto.TagHello, Hello: &proto.Hello{
		ProtocolVersion: connection.FrameVersion, ClientName: clientName, SessionToken: token,
	}})
	return tc.recvUntil(proto.TagWelcome)
}

func (tc *testClient) joinProject(projectID string, requestState bool) proto.ServerMessage {
	tc.send(proto.ClientMessage{Tag: proto.TagJoinProject, JoinProject: &proto.JoinProject{
		ProjectID: projectID, RequestState: requestState,
	}})
	return tc.recvUntil(proto.TagProjectJoined)
}

func TestJoinProjectAndPeerJoinedBroadcast(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	welcome1 := c1.hello("Ada")
	if welcome1.Welcome.PeerID == "" {
		t.Fatal("expected a non-empty peer id")
	}
	pj1 := c1.joinProject("proj-1", false)
	if len(pj1.ProjectJoined.Peers) != 0 {
		t.Fatalf("expected no existing peers for first joiner, got %d", len(pj1.ProjectJoined.Peers))
	}

	c2 := dialClient(t, url)
	c2.hello("Bea")
	pj2 := c2.joinProject("proj-1", false)
	if len(pj2.ProjectJoined.Peers) != 1 || pj2.ProjectJoined.Peers[0].DisplayName != "Ada" {
		t.Fatalf("expected second joiner to see Ada in the peer list, got %#v", pj2.ProjectJoined.Peers)
	}

	peerJoined := c1.recvUntil(proto.TagPeerJoined)
	if peerJoined.PeerJoined.Peer.DisplayName != "Bea" {
		t.Fatalf("expected peer1 to observe Bea's join, got %#v", peerJoined.PeerJoined)
	}
}

func TestJoinProjectRequestStateIncludesDocument(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	pj := c1.joinProject("proj-1", true)
	if pj.ProjectJoined.DocumentState == nil {
		t.Fatal("expected document state when RequestState is true")
	}
}

func TestProjectFullRejectsExtraPeer(t *testing.T) {
	r := newTestRoom(t, "proj-1", 1)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.joinProject("proj-1", false)

	c2 := dialClient(t, url)
	c2.hello("Bea")
	c2.send(proto.ClientMessage{Tag: proto.TagJoinProject, JoinProject: &proto.JoinProject{ProjectID: "proj-1"}})
	sm := c2.recvUntil(proto.TagError)
	if sm.Error.Code != proto.ErrProjectFull {
		t.Fatalf("expected ErrProjectFull, got %#v", sm.Error)
	}
}

func TestAlreadyJoinedRejected(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.joinProject("proj-1", false)

	c1.send(proto.ClientMessage{Tag: proto.TagJoinProject, JoinProject: &proto.JoinProject{ProjectID: "proj-1"}})
	sm := c1.recvUntil(proto.TagError)
	if sm.Error.Code != proto.ErrAlreadyJoined {
		t.Fatalf("expected ErrAlreadyJoined, got %#v", sm.Error)
	}
}

func TestWrongProjectIDRejected(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.send(proto.ClientMessage{Tag: proto.TagJoinProject, JoinProject: &proto.JoinProject{ProjectID: "other-project"}})
	sm := c1.recvUntil(proto.TagError)
	if sm.Error.Code != proto.ErrProjectNotFound {
		t.Fatalf("expected ErrProjectNotFound, got %#v", sm.Error)
	}
}

func TestChatMessageBroadcastToAllIncludingSender(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.joinProject("proj-1", false)

	c2 := dialClient(t, url)
	c2.hello("Bea")
	c2.joinProject("proj-1", false)
	c1.recvUntil(proto.TagPeerJoined)

	c1.send(proto.ClientMessage{Tag: proto.TagChatMessage, ChatMessage: &proto.ChatMessage{ProjectID: "proj-1", Content: "hello there"}})

	onC1 := c1.recvUntil(proto.TagChatBroadcast)
	onC2 := c2.recvUntil(proto.TagChatBroadcast)
	if onC1.ChatBroadcast.Content != "hello there" || onC2.ChatBroadcast.Content != "hello there" {
		t.Fatalf("expected chat broadcast to reach both peers, got %#v / %#v", onC1.ChatBroadcast, onC2.ChatBroadcast)
	}

	history, err := r.store.GetChatHistory(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("get chat history failed: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello there" {
		t.Fatalf("expected chat to be persisted, got %#v", history)
	}
}

func TestCursorUpdateInvalidPosition(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.joinProject("proj-1", false)

	c1.send(proto.ClientMessage{Tag: proto.TagCursorUpdate, CursorUpdate: &proto.CursorUpdate{
		ProjectID: "proj-1", FilePath: "/a.go", Line: 0, Column: 1,
	}})
	sm := c1.recvUntil(proto.TagError)
	if sm.Error.Code != proto.ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for a zero line, got %#v", sm.Error)
	}
}

func TestVoiceJoinIssuesGrant(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.joinProject("proj-1", false)

	c1.send(proto.ClientMessage{Tag: proto.TagVoiceJoin, VoiceJoin: &proto.VoiceJoin{ProjectID: "proj-1"}})
	sm := c1.recvUntil(proto.TagVoiceToken)
	if sm.VoiceToken.RoomName != "proj-1" || sm.VoiceToken.Token == "" {
		t.Fatalf("expected a voice token for proj-1, got %#v", sm.VoiceToken)
	}
}

func TestMessageBeforeJoinRejected(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.send(proto.ClientMessage{Tag: proto.TagChatMessage, ChatMessage: &proto.ChatMessage{ProjectID: "proj-1", Content: "too early"}})
	sm := c1.recvUntil(proto.TagError)
	if sm.Error.Code != proto.ErrNotJoined {
		t.Fatalf("expected ErrNotJoined, got %#v", sm.Error)
	}
}

func TestRoomEmptyAfterDisconnect(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	c1.hello("Ada")
	c1.joinProject("proj-1", false)
	if r.Empty() {
		t.Fatal("expected room to be non-empty with a joined peer")
	}

	c1.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Empty() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected room to become empty after the only peer disconnected")
}

func TestSessionResumeRestoresIdentityAndColor(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	welcome1 := c1.helloWithToken("Ada", nil)
	peerID1, color1, token1 := welcome1.Welcome.PeerID, welcome1.Welcome.Color, welcome1.Welcome.SessionToken
	c1.conn.Close()

	c2 := dialClient(t, url)
	welcome2 := c2.helloWithToken("Ada", &token1)
	if welcome2.Welcome.PeerID != peerID1 {
		t.Fatalf("expected resumed peer id %q, got %q", peerID1, welcome2.Welcome.PeerID)
	}
	if welcome2.Welcome.Color != color1 {
		t.Fatalf("expected resumed color %q, got %q", color1, welcome2.Welcome.Color)
	}
	if welcome2.Welcome.SessionToken == token1 {
		t.Fatal("expected a fresh session token on resume, not the one just consumed")
	}
}

func TestSessionResumeIgnoresUnknownToken(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	bogus := "not-a-real-token"
	c1 := dialClient(t, url)
	welcome := c1.helloWithToken("Ada", &bogus)
	if welcome.Welcome.PeerID == "" {
		t.Fatal("expected a fresh identity to still be issued for an unknown token")
	}
}

func TestSyncStateCheckpointedOnLeaveAndRestoredOnJoin(t *testing.T) {
	r := newTestRoom(t, "proj-1", 0)
	url := startRoomServer(t, r)

	c1 := dialClient(t, url)
	welcome := c1.hello("Ada")
	peerID := welcome.Welcome.PeerID
	c1.joinProject("proj-1", false)

	want := document.NewSyncState()
	want.Files["/main.rs"] = crdt.VClock{"peer-x": 3}
	r.mu.Lock()
	r.syncStates[peerID] = want
	r.mu.Unlock()

	c1.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	var payload []byte
	var found bool
	var err error
	for time.Now().Before(deadline) {
		payload, found, err = r.store.GetSyncState(context.Background(), "proj-1", peerID)
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil || !found {
		t.Fatalf("expected a checkpointed sync state, found=%v err=%v", found, err)
	}
	got, err := document.DecodeSyncState(payload)
	if err != nil {
		t.Fatalf("decode checkpointed sync state failed: %v", err)
	}
	if got.Files["/main.rs"]["peer-x"] != 3 {
		t.Fatalf("expected restored clock 3 for peer-x, got %#v", got.Files["/main.rs"])
	}

	// Rejoin as the same peer identity (as a resumed session token would
	// restore) and confirm handleJoinProject loads the checkpoint back in.
	c3 := dialClient(t, url)
	clientID := peerID
	c3.send(proto.ClientMessage{Tag: proto.TagHello, Hello: &proto.Hello{
		ProtocolVersion: connection.FrameVersion, ClientName: "Ada", ClientID: &clientID,
	}})
	c3.recvUntil(proto.TagWelcome)
	c3.joinProject("proj-1", false)

	r.mu.RLock()
	restored, ok := r.syncStates[peerID]
	r.mu.RUnlock()
	if !ok {
		t.Fatal("expected restored sync state to be loaded into memory on join")
	}
	if restored.Files["/main.rs"]["peer-x"] != 3 {
		t.Fatalf("expected restored in-memory clock 3 for peer-x, got %#v", restored.Files["/main.rs"])
	}
}
