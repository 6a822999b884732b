package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabd/internal/connection"
	"collabd/internal/proto"
	"collabd/internal/store"
	"collabd/internal/voice"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), filepath.Join(dir, "snapshots"), 0)
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := NewRegistry(st, &voice.FakeIssuer{}, 0)
	t.Cleanup(func() { registry.ShutdownAll(context.Background()) })
	return New(st, registry), st
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %#v", body)
	}
	if body["service"] != serviceName {
		t.Fatalf("expected service %q, got %#v", serviceName, body)
	}
	if body["version"] != serviceVersion {
		t.Fatalf("expected version %q, got %#v", serviceVersion, body)
	}
	if _, ok := body["active_projects"]; !ok {
		t.Fatalf("expected active_projects field, got %#v", body)
	}
	if _, ok := body["active_peers"]; !ok {
		t.Fatalf("expected active_peers field, got %#v", body)
	}
}

func TestCreateAndGetProjectViaHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	createBody := strings.NewReader(`{"project_id":"proj-1","name":"My Project"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/projects", createBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/projects/proj-1", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateProjectRequiresID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(`{"name":"no id"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing project_id, got %d", rec.Code)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/projects/missing", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestProjectStatsIncludesActivePeers(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	st.CreateProject(ctx, "proj-1", "Proj")

	req := httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/stats", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["active_peers"].(float64) != 0 {
		t.Fatalf("expected zero active peers before any websocket joins, got %#v", body["active_peers"])
	}
}

func TestWebSocketUpgradeHandshake(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.echo)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/proj-1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	helloPayload := proto.EncodeClient(proto.ClientMessage{
		Tag:   proto.TagHello,
		Hello: &proto.Hello{ProtocolVersion: connection.FrameVersion, ClientName: "Ada"},
	})
	frame, err := connection.EncodeFrame(0, helloPayload)
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
	_, payload, err := connection.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame failed: %v", err)
	}
	sm, err := proto.DecodeServer(payload)
	if err != nil {
		t.Fatalf("decode server message failed: %v", err)
	}
	if sm.Tag != proto.TagWelcome {
		t.Fatalf("expected a Welcome message, got tag %d", sm.Tag)
	}

	if s.registry.ActiveCount() != 1 {
		t.Fatalf("expected the websocket upgrade to lazily load a room, got %d active rooms", s.registry.ActiveCount())
	}
}

func TestRegistryGetOrLoadReturnsSameRoom(t *testing.T) {
	_, st := newTestServer(t)
	registry := NewRegistry(st, &voice.FakeIssuer{}, 0)
	defer registry.ShutdownAll(context.Background())

	r1, err := registry.GetOrLoad(context.Background(), "proj-x")
	if err != nil {
		t.Fatalf("get or load failed: %v", err)
	}
	r2, err := registry.GetOrLoad(context.Background(), "proj-x")
	if err != nil {
		t.Fatalf("get or load failed: %v", err)
	}
	if r1 != r2 {
		t.Fatal("expected the same room instance on repeated GetOrLoad calls")
	}
	if registry.ActiveCount() != 1 {
		t.Fatalf("expected 1 active room, got %d", registry.ActiveCount())
	}
}
