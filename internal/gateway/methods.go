package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openclaw/core/internal/lanes"
	"github.com/openclaw/core/internal/user"
)

// MethodContext is handed to every method handler: the capabilities §4.F
// names (broadcast, enqueue system event, request heartbeat, node lookup,
// store access, agent invocation) plus the invoking connection/user.
type MethodContext struct {
	context.Context
	Router *Router
	Conn   *Connection
	User   *user.User
}

// Handler implements one Gateway Router method. A nil error becomes a
// single ok response carrying the returned payload. The router sends no
// intermediate "accepted" responses: each request gets exactly one res
// frame.
type Handler func(mc *MethodContext, params json.RawMessage) (any, error)

// MethodDef registers one method's authorization requirement alongside its
// handler.
type MethodDef struct {
	// Scope is the operator scope required, e.g. user.ScopeRead. Empty means
	// no scope beyond being authenticated (rare — prefer naming one).
	Scope string
	// NodeAllowed permits role "node" connections to call this method in
	// addition to whatever scope governs operator access; node connections
	// that call a method outside this allowlist get unauthorized-role.
	NodeAllowed bool
	Handler     Handler
}

// RegisterMethod adds or replaces a method in the router's registry.
func (r *Router) RegisterMethod(name string, def MethodDef) {
	r.methodsMu.Lock()
	defer r.methodsMu.Unlock()
	r.methods[name] = def
}

// authorize applies the Gateway Router's authorization rule: operator.admin
// grants everything; config./wizard.-prefixed methods require admin
// regardless of their declared scope; role "node" may only call methods in
// its allowlist; otherwise the connection must hold the method's declared
// scope.
func (r *Router) authorize(conn *Connection, name string, def MethodDef) *RouterError {
	_, scopes, role, _ := conn.principal()

	hasAdmin := false
	for _, s := range scopes {
		if s == user.ScopeAdmin {
			hasAdmin = true
			break
		}
	}
	if hasAdmin {
		return nil
	}

	if role == "node" {
		if !def.NodeAllowed {
			return NewRouterError(ErrCodeUnauthorizedRole, "role \"node\" may not call "+name)
		}
		return nil
	}

	required := def.Scope
	if strings.HasPrefix(name, "config.") || strings.HasPrefix(name, "wizard.") {
		required = user.ScopeAdmin
	}
	if required == "" {
		return nil
	}

	for _, s := range scopes {
		if s == required {
			return nil
		}
	}
	return NewRouterError(ErrCodeMissingScope, "missing required scope "+required)
}

// laneForMethod maps a method name to the command lane its handler should
// run on, so methods that touch the same shared state (cron execution,
// node relays, everything else funneling through the main agent) serialize
// with the rest of that lane's traffic instead of running fully concurrent.
func laneForMethod(name string) string {
	switch {
	case strings.HasPrefix(name, "cron."):
		return lanes.LaneCron
	case strings.HasPrefix(name, "node."):
		return lanes.LaneSubagent
	default:
		return lanes.LaneMain
	}
}

// dispatch resolves a "req" frame to its handler, authorizes it, and
// returns the response frame to send back. The handler itself runs through
// the Router's command-lane dispatcher when one is wired, so it serializes
// with other traffic on the same lane; serveConn's per-connection read loop
// already processes frames one at a time, so blocking here doesn't change
// this connection's ordering, only adds cross-connection serialization.
func (r *Router) dispatch(ctx context.Context, conn *Connection, f *Frame) *Frame {
	r.methodsMu.RLock()
	def, ok := r.methods[f.Method]
	r.methodsMu.RUnlock()
	if !ok {
		return newErrFrame(f.ID, NewRouterError(ErrCodeUnknownMethod, "unknown method "+f.Method))
	}

	if authErr := r.authorize(conn, f.Method, def); authErr != nil {
		return newErrFrame(f.ID, authErr)
	}

	u, _, _, _ := conn.principal()
	mc := &MethodContext{Context: ctx, Router: r, Conn: conn, User: u}

	var payload any
	var err error
	if r.lanes != nil {
		outcome := <-r.lanes.Enqueue(ctx, laneForMethod(f.Method), func(ctx context.Context) (any, error) {
			mc.Context = ctx
			return def.Handler(mc, f.Params)
		})
		payload, err = outcome.Result, outcome.Err
	} else {
		payload, err = def.Handler(mc, f.Params)
	}
	if err != nil {
		if re, ok := err.(*RouterError); ok {
			return newErrFrame(f.ID, re)
		}
		return newErrFrame(f.ID, NewRouterError(ErrCodeInternal, err.Error()))
	}
	return newOKFrame(f.ID, mustMarshal(payload))
}
