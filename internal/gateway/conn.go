package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/user"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// pendingInvoke is an in-flight server-initiated request awaiting a matching
// response from this connection (used for the node-invoke relay).
type pendingInvoke struct {
	resultCh chan *Frame
}

// Connection is one accepted WebSocket socket: a reader goroutine and a
// writer goroutine bridged through a send channel, a goroutine-plus-channel
// shape for cancellable blocking reads generalized here to a persistent
// duplex connection instead of one-shot request/reply.
type Connection struct {
	id   string
	ws   *websocket.Conn
	send chan *Frame

	seq uint64 // atomic, per-connection monotonically increasing event sequence

	mu       sync.Mutex
	user     *user.User
	scopes   []string
	role     string // "operator" or "node"
	nodeID   string
	platform string
	nonce    string // challenge nonce issued at open
	closed   bool

	pendingMu sync.Mutex
	pending   map[string]*pendingInvoke

	closeCh chan struct{}
}

func newConnection(id string, ws *websocket.Conn, nonce string) *Connection {
	return &Connection{
		id:      id,
		ws:      ws,
		send:    make(chan *Frame, 64),
		nonce:   nonce,
		pending: make(map[string]*pendingInvoke),
		closeCh: make(chan struct{}),
	}
}

func (c *Connection) setPrincipal(u *user.User, scopes []string, role, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
	c.scopes = scopes
	c.role = role
	c.nodeID = nodeID
}

func (c *Connection) principal() (*user.User, []string, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.scopes, c.role, c.nodeID
}

func (c *Connection) hasScope(scope string) bool {
	_, scopes, _, _ := c.principal()
	for _, s := range scopes {
		if s == scope || s == user.ScopeAdmin {
			return true
		}
	}
	return false
}

// nextSeq returns the next per-connection event sequence number, starting at 1.
func (c *Connection) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

// enqueue writes a frame to the per-connection send channel; writers never
// touch the socket directly so concurrent handler goroutines never
// interleave partial frames on the wire.
func (c *Connection) enqueue(f *Frame) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	case <-c.closeCh:
		return false
	}
}

func (c *Connection) sendEvent(event string, payload any) {
	c.enqueue(newEventFrame(event, mustMarshal(payload), c.nextSeq()))
}

// awaitResponse registers a pending server-initiated request (keyed by its
// id) and returns a channel that receives the matching frame, used by the
// node-invoke relay to await a node's result.
func (c *Connection) awaitResponse(id string) <-chan *Frame {
	ch := make(chan *Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = &pendingInvoke{resultCh: ch}
	c.pendingMu.Unlock()
	return ch
}

func (c *Connection) cancelAwait(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// deliverResponse matches an inbound "req" frame against a pending
// server-initiated request by id; returns true if it was claimed.
func (c *Connection) deliverResponse(id string, f *Frame) bool {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	p.resultCh <- f
	return true
}

// readPump reads frames from the socket and hands each to onFrame, until the
// socket closes or a read error occurs. Must run on its own goroutine.
func (c *Connection) readPump(onFrame func(*Frame)) {
	defer c.Close()

	c.ws.SetReadLimit(MaxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			L_debug("gateway: connection read loop ended", "conn", c.id, "error", err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			L_warn("gateway: dropping unparseable frame", "conn", c.id, "error", err)
			continue
		}
		onFrame(&f)
	}
}

// writePump drains the send channel to the socket and emits periodic pings,
// serializing every write to the underlying connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case f, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				L_error("gateway: failed to marshal outbound frame", "conn", c.id, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				L_debug("gateway: connection write loop ended", "conn", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// Close idempotently tears down the connection, releasing any pending
// server-initiated requests with a timeout frame.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
	c.ws.Close()

	c.pendingMu.Lock()
	for id, p := range c.pending {
		p.resultCh <- newErrFrame(id, NewRouterError(ErrCodeTimeout, "connection closed"))
	}
	c.pending = make(map[string]*pendingInvoke)
	c.pendingMu.Unlock()
}
