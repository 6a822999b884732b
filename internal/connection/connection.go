// Package connection implements the per-socket state machine that sits
// between a raw websocket and a Room: framing, handshake timing, liveness,
// and outbound backpressure. It knows nothing about project or document
// semantics -- those live in Room, which implements Handler.
package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabd/internal/proto"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateNew State = iota
	StateWaitingJoin
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateWaitingJoin:
		return "waiting_join"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 25 * time.Second
	staleTimeout     = 60 * time.Second
	writeTimeout     = 5 * time.Second

	maxOutboundMessages = 1024
	maxOutboundBytes    = 8 << 20

	inboundRateLimit = 50  // messages/sec sustained
	inboundBurst     = 100 // messages
)

// Handler receives decoded inbound messages and lifecycle events for one
// connection. Room is the only production implementation.
type Handler interface {
	HandleHello(c *Connection, msg *proto.Hello) error
	HandleMessage(c *Connection, msg proto.ClientMessage)
	HandleClose(c *Connection)
}

// Connection owns one websocket's read/write loops and lifecycle state.
type Connection struct {
	conn       *websocket.Conn
	remoteAddr string
	handler    Handler
	limiter    *rate.Limiter

	mu          sync.Mutex
	state       State
	peerID      string
	displayName string
	color       string
	outbound    chan []byte
	outboundLen int
	closeOnce   sync.Once
	closed      chan struct{}
}

// New wraps an already-upgraded websocket connection.
func New(conn *websocket.Conn, remoteAddr string, handler Handler) *Connection {
	return &Connection{
		conn:       conn,
		remoteAddr: remoteAddr,
		handler:    handler,
		limiter:    rate.NewLimiter(rate.Limit(inboundRateLimit), inboundBurst),
		state:      StateNew,
		outbound:   make(chan []byte, maxOutboundMessages),
		closed:     make(chan struct{}),
	}
}

// PeerID returns the connection's peer id, set by the handler during hello
// (empty before that).
func (c *Connection) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send enqueues a pre-built server message for delivery, closing the
// connection with RateLimited if the outbound queue is saturated
// (maxOutboundMessages frames or maxOutboundBytes bytes waiting). The
// RateLimited notice is delivered only if it still fits in the queue. The
// overflowing subscriber is disconnected, never the publisher.
func (c *Connection) Send(msg proto.ServerMessage) {
	payload := proto.EncodeServer(msg)
	frame, err := EncodeFrame(0, payload)
	if err != nil {
		slog.Error("connection: frame outbound message", "remote", c.remoteAddr, "err", err)
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if len(c.outbound) >= maxOutboundMessages || c.outboundLen+len(frame) > maxOutboundBytes {
		c.mu.Unlock()
		slog.Warn("connection: outbound overflow, disconnecting", "remote", c.remoteAddr, "peer_id", c.peerID)
		if msg.Tag == proto.TagError {
			c.Close() // an error notice that does not fit closes without re-entering Send
		} else {
			c.closeWithError(proto.ErrRateLimited, "outbound buffer exceeded")
		}
		return
	}
	c.outboundLen += len(frame)
	c.mu.Unlock()

	select {
	case c.outbound <- frame:
	default:
		slog.Warn("connection: outbound channel full, disconnecting", "remote", c.remoteAddr, "peer_id", c.peerID)
		if msg.Tag == proto.TagError {
			c.Close()
		} else {
			c.closeWithError(proto.ErrRateLimited, "outbound buffer exceeded")
		}
	}
}

func (c *Connection) closeWithError(code proto.ErrorCode, message string) {
	c.Send(proto.ServerMessage{Tag: proto.TagError, Error: &proto.ServerError{Code: code, Message: message}})
	c.Close()
}

// Close terminates the connection and notifies the handler exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		_ = c.conn.Close()
		c.handler.HandleClose(c)
	})
}

// Run drives the connection until it closes: the handshake wait, the read
// loop, the write loop, and the ping/stale-liveness timer all run here.
func (c *Connection) Run() {
	defer c.Close()

	go c.writeLoop()

	if err := c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	c.conn.SetReadLimit(MaxFramePayload + headerSize)

	msgType, payload, err := c.readFrame()
	if err != nil {
		slog.Debug("connection: handshake read failed", "remote", c.remoteAddr, "err", err)
		return
	}
	cm, err := proto.DecodeClient(payload)
	if err != nil || cm.Tag != proto.TagHello || cm.Hello == nil {
		slog.Debug("connection: first frame was not hello", "remote", c.remoteAddr, "type", msgType)
		c.closeWithError(proto.ErrInvalidMessage, "first message must be hello")
		return
	}
	if err := c.handler.HandleHello(c, cm.Hello); err != nil {
		slog.Debug("connection: hello rejected", "remote", c.remoteAddr, "err", err)
		return
	}
	c.setState(StateWaitingJoin)

	c.readLoop()
}

func (c *Connection) readFrame() (byte, []byte, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.closeWithError(proto.ErrInvalidMessage, "no frame received before the deadline")
		}
		return 0, nil, err
	}
	if kind != websocket.BinaryMessage {
		return 0, nil, fmt.Errorf("connection: expected binary frame, got kind %d", kind)
	}
	msgType, payload, err := DecodeFrame(data)
	if errors.Is(err, ErrVersionMismatch) {
		c.closeWithError(proto.ErrVersionMismatch, err.Error())
	} else if err != nil {
		c.closeWithError(proto.ErrInvalidMessage, err.Error())
	}
	return msgType, payload, err
}

func (c *Connection) readLoop() {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(staleTimeout)); err != nil {
			return
		}
		_, payload, err := c.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("connection: unexpected close", "remote", c.remoteAddr, "peer_id", c.PeerID(), "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.closeWithError(proto.ErrRateLimited, "inbound rate limit exceeded")
			return
		}
		cm, err := proto.DecodeClient(payload)
		if err != nil {
			c.closeWithError(proto.ErrInvalidMessage, err.Error())
			return
		}
		c.handler.HandleMessage(c, cm)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.mu.Lock()
			c.outboundLen -= len(frame)
			c.mu.Unlock()
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Debug("connection: write error", "remote", c.remoteAddr, "peer_id", c.PeerID(), "err", err)
				return
			}
		case <-ticker.C:
			payload := proto.EncodeServer(proto.ServerMessage{Tag: proto.TagPong, Pong: &proto.Pong{ServerTime: time.Now().UnixMilli()}})
			frame, err := EncodeFrame(0, payload)
			if err != nil {
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// SetPeerID records the peer identity assigned at hello.
func (c *Connection) SetPeerID(peerID string) {
	c.mu.Lock()
	c.peerID = peerID
	c.mu.Unlock()
}

// MarkJoined transitions the connection to JOINED once the handler has
// admitted the peer into a project room.
func (c *Connection) MarkJoined() { c.setState(StateJoined) }

// SetDisplayName/SetColor record identity assigned during hello for later
// use when the handler admits the peer into a room.
func (c *Connection) SetDisplayName(name string) {
	c.mu.Lock()
	c.displayName = name
	c.mu.Unlock()
}

func (c *Connection) SetColor(color string) {
	c.mu.Lock()
	c.color = color
	c.mu.Unlock()
}

func (c *Connection) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

func (c *Connection) Color() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.color
}

// RemoteAddr returns the originating network address, for logging.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }
