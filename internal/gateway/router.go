// Package gateway implements the Gateway Router: a bidirectional,
// JSON-framed request/response/event protocol served over WebSocket
// connections, with scope-based authorization and a node-invoke relay for
// satellite processes.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/core/internal/auth"
	"github.com/openclaw/core/internal/config"
	"github.com/openclaw/core/internal/cron"
	"github.com/openclaw/core/internal/executor"
	"github.com/openclaw/core/internal/heartbeat"
	"github.com/openclaw/core/internal/lanes"
	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/sessionstore"
	"github.com/openclaw/core/internal/sysevents"
	"github.com/openclaw/core/internal/user"
)

// TickInterval is the keep-alive event interval on every active connection.
const TickInterval = 30 * time.Second

// ShutdownGrace bounds how long Stop waits for in-flight handlers before
// forcing connections closed.
const ShutdownGrace = 10 * time.Second

// Deps bundles the Gateway Router's collaborators. Any field left nil is
// simply unavailable to method handlers that would otherwise use it.
type Deps struct {
	Config     config.GatewayConfig
	Users      *user.Registry
	DeviceKeys *user.DeviceKeystore
	Cron       *cron.Service
	Sessions   *sessionstore.Store
	Heartbeat  *heartbeat.Coordinator
	Lanes      *lanes.Dispatcher
	SysEvents  *sysevents.Queue
	Executor   executor.Facade

	ServerVersion string
	Capabilities  []string
}

// Router owns the connection registry, node registry, and method table for
// the Gateway Router, and serves WebSocket upgrades over an http.Server.
type Router struct {
	cfg           config.GatewayConfig
	serverVersion string
	capabilities  []string

	users      *user.Registry
	deviceKeys *user.DeviceKeystore
	cronSvc    *cron.Service
	sessions   *sessionstore.Store
	heartbeat  *heartbeat.Coordinator
	lanes      *lanes.Dispatcher
	sysEvents  *sysevents.Queue
	executor   executor.Facade

	implicitAuth  *auth.ImplicitAuth
	platformAuth  *auth.PlatformAuth
	deviceAuth    *auth.DeviceIdentityAuth
	challengeAuth *auth.ChallengeAuth

	upgrader websocket.Upgrader

	connsMu sync.RWMutex
	conns   map[string]*Connection

	nodesMu sync.RWMutex
	nodes   map[string]*Connection

	methodsMu sync.RWMutex
	methods   map[string]MethodDef

	pairing *pairingRegistry

	nextConnID uint64

	server   *http.Server
	stopping atomic.Bool
}

// New creates a Router wired to its collaborators and registers the
// built-in method set.
func New(deps Deps) *Router {
	r := &Router{
		cfg:           deps.Config,
		serverVersion: deps.ServerVersion,
		capabilities:  deps.Capabilities,
		users:         deps.Users,
		deviceKeys:    deps.DeviceKeys,
		cronSvc:       deps.Cron,
		sessions:      deps.Sessions,
		heartbeat:     deps.Heartbeat,
		lanes:         deps.Lanes,
		sysEvents:     deps.SysEvents,
		executor:      deps.Executor,
		conns:         make(map[string]*Connection),
		nodes:         make(map[string]*Connection),
		methods:       make(map[string]MethodDef),
		pairing:       newPairingRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // origin is validated at handshake time, not upgrade time
		},
	}

	r.implicitAuth = auth.NewImplicitAuth(deps.Users)
	r.platformAuth = auth.NewPlatformAuth("tailscale", deps.Users)
	r.deviceAuth = auth.NewDeviceIdentityAuth(deps.DeviceKeys, deps.Users)
	r.challengeAuth = auth.NewChallengeAuth(deps.Users)

	r.registerBuiltinMethods()
	return r
}

// Handler returns the http.Handler that upgrades connections and serves
// security headers for any same-port HTTP traffic.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handleHTTP)
	return securityHeaders(mux)
}

// ListenAndServe binds the configured port and scope and serves until ctx
// is cancelled or Stop is called.
func (r *Router) ListenAndServe(ctx context.Context) error {
	addr := r.bindAddr()
	r.server = &http.Server{Addr: addr, Handler: r.Handler()}

	errCh := make(chan error, 1)
	go func() {
		L_info("gateway: listening", "addr", addr, "bindScope", r.cfg.BindScope)
		errCh <- r.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		r.Stop()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (r *Router) bindAddr() string {
	host := "127.0.0.1"
	if r.cfg.BindScope == "all" {
		host = ""
	}
	port := r.cfg.Port
	if port == 0 {
		port = 18789
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Stop stops accepting new connections, signals every handler, waits up to
// ShutdownGrace, then force-closes whatever remains.
func (r *Router) Stop() {
	if !r.stopping.CompareAndSwap(false, true) {
		return
	}

	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		r.server.Shutdown(ctx)
	}

	r.connsMu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.connsMu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (r *Router) handleHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		L_debug("gateway: upgrade failed", "error", err)
		return
	}
	r.serveConn(req, ws)
}

func (r *Router) serveConn(httpReq *http.Request, ws *websocket.Conn) {
	connID := fmt.Sprintf("conn-%d", atomic.AddUint64(&r.nextConnID, 1))
	nonce := newChallengeNonce()
	conn := newConnection(connID, ws, nonce)
	ci := connInfoFromRequest(httpReq)

	r.connsMu.Lock()
	r.conns[connID] = conn
	r.connsMu.Unlock()

	go conn.writePump()

	conn.enqueue(&Frame{Type: FrameEvent, Event: "challenge", Payload: mustMarshal(map[string]string{"nonce": nonce})})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.tickLoop(ctx, conn)

	handshaked := false
	conn.readPump(func(f *Frame) {
		if f.Type != FrameReq {
			return
		}

		// A pending server-initiated request (e.g. node.invoke.request)
		// completes via a plain "req" whose id matches what was issued.
		if conn.deliverResponse(f.ID, f) {
			return
		}

		if !handshaked {
			resp := r.handleHandshake(ctx, conn, ci, f)
			conn.enqueue(resp)
			handshaked = resp.OK
			if !handshaked {
				conn.Close()
			}
			return
		}

		resp := r.dispatch(ctx, conn, f)
		conn.enqueue(resp)
	})

	r.removeConn(conn)
}

func (r *Router) removeConn(conn *Connection) {
	r.connsMu.Lock()
	delete(r.conns, conn.id)
	r.connsMu.Unlock()

	_, _, role, nodeID := conn.principal()
	if role == "node" && nodeID != "" {
		r.unregisterNode(nodeID, conn)
	}
}

func (r *Router) tickLoop(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.sendEvent("tick", map[string]int64{"atMs": time.Now().UnixMilli()})
		case <-ctx.Done():
			return
		case <-conn.closeCh:
			return
		}
	}
}

// Broadcast sends event to every currently connected socket.
func (r *Router) Broadcast(event string, payload any) {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	for _, c := range r.conns {
		c.sendEvent(event, payload)
	}
}

// BroadcastTo sends event to a subset of connections by ID.
func (r *Router) BroadcastTo(connIDs []string, event string, payload any) {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	for _, id := range connIDs {
		if c, ok := r.conns[id]; ok {
			c.sendEvent(event, payload)
		}
	}
}

// EnqueueSystemEvent records text for delivery to sessionKey's next
// heartbeat, per the Heartbeat Coordinator's queue contract.
func (r *Router) EnqueueSystemEvent(sessionKey, text string) {
	if r.sysEvents == nil {
		return
	}
	r.sysEvents.Enqueue(sessionKey, text)
}

// RequestHeartbeat asks the Heartbeat Coordinator to run at the next
// coalescing tick.
func (r *Router) RequestHeartbeat(reason string) {
	if r.heartbeat == nil {
		return
	}
	r.heartbeat.RequestHeartbeatNow(reason, 0)
}

// Cron returns the wired cron service, or nil if none was configured.
func (r *Router) Cron() *cron.Service { return r.cronSvc }

// Sessions returns the wired session store, or nil if none was configured.
func (r *Router) Sessions() *sessionstore.Store { return r.sessions }

// Executor returns the wired agent executor facade, or nil if none was
// configured.
func (r *Router) Executor() executor.Facade { return r.executor }

func newChallengeNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
