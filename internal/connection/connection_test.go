package connection

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabd/internal/proto"
)

// fakeHandler is a minimal Handler for exercising Connection's handshake and
// message dispatch without a real Room.
type fakeHandler struct {
	mu          sync.Mutex
	hellos      []*proto.Hello
	messages    []proto.ClientMessage
	closed      bool
	rejectHello bool
}

func (f *fakeHandler) HandleHello(c *Connection, msg *proto.Hello) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectHello {
		return errRejected
	}
	f.hellos = append(f.hellos, msg)
	c.SetPeerID("peer-1")
	c.Send(proto.ServerMessage{Tag: proto.TagWelcome, Welcome: &proto.Welcome{ProtocolVersion: FrameVersion, PeerID: "peer-1"}})
	return nil
}

func (f *fakeHandler) HandleMessage(c *Connection, msg proto.ClientMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeHandler) HandleClose(c *Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errRejected = testErr("rejected")

var upgrader = websocket.Upgrader{}

func startTestServer(t *testing.T, handler Handler) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		c := New(wsConn, r.RemoteAddr, handler)
		c.Run()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandshakeHelloProducesWelcome(t *testing.T) {
	h := &fakeHandler{}
	url := startTestServer(t, h)
	client := dial(t, url)

	helloPayload := proto.EncodeClient(proto.ClientMessage{
		Tag:   proto.TagHello,
		Hello: &proto.Hello{ProtocolVersion: FrameVersion, ClientName: "Ada"},
	})
	frame, err := EncodeFrame(0, helloPayload)
	if err != nil {
		t.Fatalf("encode frame failed: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write hello failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome failed: %v", err)
	}
	_, payload, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame failed: %v", err)
	}
	sm, err := proto.DecodeServer(payload)
	if err != nil {
		t.Fatalf("decode server message failed: %v", err)
	}
	if sm.Tag != proto.TagWelcome || sm.Welcome == nil || sm.Welcome.PeerID != "peer-1" {
		t.Fatalf("expected a Welcome message, got %#v", sm)
	}
}

func TestNonHelloFirstMessageIsRejected(t *testing.T) {
	h := &fakeHandler{}
	url := startTestServer(t, h)
	client := dial(t, url)

	pingPayload := proto.EncodeClient(proto.ClientMessage{Tag: proto.TagPing, Ping: &proto.Ping{Timestamp: 1}})
	frame, _ := EncodeFrame(0, pingPayload)
	client.WriteMessage(websocket.BinaryMessage, frame)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame, read failed: %v", err)
	}
	_, payload, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame failed: %v", err)
	}
	sm, err := proto.DecodeServer(payload)
	if err != nil {
		t.Fatalf("decode server message failed: %v", err)
	}
	if sm.Tag != proto.TagError || sm.Error.Code != proto.ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage, got %#v", sm)
	}
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		StateNew:         "new",
		StateWaitingJoin: "waiting_join",
		StateJoined:      "joined",
		StateClosed:      "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
