// Package server wires the HTTP admin surface and the websocket transport
// together: an Echo app exposes project management and health endpoints,
// and a gorilla/websocket upgrade handler hands each connection off to the
// project's Room through the connection state machine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"collabd/internal/connection"
	"collabd/internal/room"
	"collabd/internal/store"
	"collabd/internal/voice"
)

// serviceName and serviceVersion identify this process in the health report.
const (
	serviceName    = "collabd"
	serviceVersion = "0.1.0"
)

// Registry lazily creates and evicts Rooms, one per actively-collaborated project.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*room.Room
	store       *store.Store
	voiceIssuer voice.Issuer
	maxPeers    int
}

// NewRegistry constructs an empty room registry.
func NewRegistry(st *store.Store, issuer voice.Issuer, maxPeers int) *Registry {
	return &Registry{rooms: make(map[string]*room.Room), store: st, voiceIssuer: issuer, maxPeers: maxPeers}
}

// GetOrLoad returns the live Room for projectID, loading it from the store
// on first access.
func (g *Registry) GetOrLoad(ctx context.Context, projectID string) (*room.Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[projectID]; ok {
		return r, nil
	}
	r, err := room.Load(ctx, room.Config{
		ProjectID: projectID, Store: g.store, VoiceIssuer: g.voiceIssuer, MaxPeers: g.maxPeers,
		OnIdleExpired: g.onIdleExpired,
	})
	if err != nil {
		return nil, err
	}
	g.rooms[projectID] = r
	return r, nil
}

func (g *Registry) onIdleExpired(projectID string) {
	g.mu.Lock()
	r, ok := g.rooms[projectID]
	if !ok || !r.Empty() {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, projectID)
	g.mu.Unlock()

	if err := r.Shutdown(context.Background()); err != nil {
		slog.Error("registry: shutdown evicted room failed", "project_id", projectID, "err", err)
		return
	}
	slog.Info("registry: room evicted after idle period", "project_id", projectID)
}

// SweepAll runs the presence auto-demotion sweep across every live room.
func (g *Registry) SweepAll() {
	g.mu.Lock()
	rooms := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()
	for _, r := range rooms {
		r.SweepPresence()
	}
}

// ActiveCount returns the number of rooms currently resident in memory.
func (g *Registry) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// ActivePeers sums the connected peer count across every room currently
// resident in memory.
func (g *Registry) ActivePeers() int {
	g.mu.Lock()
	rooms := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()
	total := 0
	for _, r := range rooms {
		total += r.PeerCount()
	}
	return total
}

// ShutdownAll compacts and releases every live room, for graceful process exit.
func (g *Registry) ShutdownAll(ctx context.Context) {
	g.mu.Lock()
	rooms := make([]*room.Room, 0, len(g.rooms))
	for id, r := range g.rooms {
		rooms = append(rooms, r)
		delete(g.rooms, id)
	}
	g.mu.Unlock()
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil {
			slog.Error("registry: shutdown failed", "project_id", r.ProjectID, "err", err)
		}
	}
}

// Server owns the Echo app: health, project admin endpoints, and the
// websocket upgrade route.
type Server struct {
	echo      *echo.Echo
	store     *store.Store
	registry  *Registry
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// New constructs a Server bound to the given store and room registry.
func New(st *store.Store, registry *Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	s := &Server{
		echo:      e,
		store:     st,
		registry:  registry,
		upgrader:  websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/projects", s.handleListProjects)
	s.echo.POST("/api/projects", s.handleCreateProject)
	s.echo.GET("/api/projects/:id", s.handleGetProject)
	s.echo.GET("/api/projects/:id/stats", s.handleProjectStats)
	s.echo.GET("/ws/:project_id", s.handleWebSocket)
}

// Run starts the HTTP listener on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         serviceName,
		"version":         serviceVersion,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"active_projects": s.registry.ActiveCount(),
		"active_peers":    s.registry.ActivePeers(),
	})
}

func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.store.ListProjects(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, projects)
}

type createProjectRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}
	meta, err := s.store.CreateProject(c.Request().Context(), req.ProjectID, req.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusCreated, meta)
}

func (s *Server) handleGetProject(c echo.Context) error {
	meta, err := s.store.GetProjectMeta(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) handleProjectStats(c echo.Context) error {
	projectID := c.Param("id")
	ctx := c.Request().Context()
	if _, err := s.store.GetProjectMeta(ctx, projectID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	storeStats, err := s.store.Stats(ctx, projectID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	activePeers := 0
	if r, ok := s.registry.peekRoom(projectID); ok {
		_, activePeers, _ = r.Stats(ctx)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"project_id":      projectID,
		"chat_entries":    storeStats.ChatEntries,
		"pending_changes": storeStats.PendingChanges,
		"active_peers":    activePeers,
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	projectID := c.Param("project_id")
	r, err := s.registry.GetOrLoad(c.Request().Context(), projectID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load project: %v", err))
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("server: upgrade websocket: %w", err)
	}
	sess := connection.New(conn, c.RealIP(), r)
	go sess.Run()
	return nil
}

func (g *Registry) peekRoom(projectID string) (*room.Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[projectID]
	return r, ok
}
