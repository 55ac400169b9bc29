package gateway

import (
	"testing"

	"github.com/openclaw/core/internal/user"
)

func authorizeAs(r *Router, scopes []string, role string, name string, def MethodDef) *RouterError {
	conn := newConnection("c1", nil, "")
	conn.setPrincipal(&user.User{ID: "u"}, scopes, role, "")
	return r.authorize(conn, name, def)
}

func TestAuthorizeAdminGrantsEverything(t *testing.T) {
	r := testRouter(t)
	if err := authorizeAs(r, []string{user.ScopeAdmin}, "operator", "config.set", MethodDef{Scope: user.ScopeWrite}); err != nil {
		t.Fatalf("expected admin scope to bypass authorization, got %v", err)
	}
}

func TestAuthorizeConfigPrefixForcesAdmin(t *testing.T) {
	r := testRouter(t)
	err := authorizeAs(r, []string{user.ScopeWrite}, "operator", "config.set", MethodDef{Scope: user.ScopeWrite})
	if err == nil || err.Code != ErrCodeMissingScope {
		t.Fatalf("expected missing-scope for a config. method without admin, got %v", err)
	}
}

func TestAuthorizeWizardPrefixForcesAdmin(t *testing.T) {
	r := testRouter(t)
	err := authorizeAs(r, []string{user.ScopeWrite}, "operator", "wizard.next", MethodDef{})
	if err == nil || err.Code != ErrCodeMissingScope {
		t.Fatalf("expected missing-scope for a wizard. method without admin, got %v", err)
	}
}

func TestAuthorizeNodeRoleChecksAllowlistOnly(t *testing.T) {
	r := testRouter(t)
	if err := authorizeAs(r, nil, "node", "node.invoke.result", MethodDef{NodeAllowed: true, Scope: user.ScopeWrite}); err != nil {
		t.Fatalf("expected node-allowed method to succeed for role node, got %v", err)
	}
}

func TestAuthorizeNodeRoleRejectsDisallowedMethod(t *testing.T) {
	r := testRouter(t)
	err := authorizeAs(r, nil, "node", "cron.list", MethodDef{Scope: user.ScopeRead})
	if err == nil || err.Code != ErrCodeUnauthorizedRole {
		t.Fatalf("expected unauthorized-role for a node calling a non-allowlisted method, got %v", err)
	}
}

func TestAuthorizeMissingScopeRejected(t *testing.T) {
	r := testRouter(t)
	err := authorizeAs(r, []string{user.ScopeRead}, "operator", "cron.add", MethodDef{Scope: user.ScopeWrite})
	if err == nil || err.Code != ErrCodeMissingScope {
		t.Fatalf("expected missing-scope, got %v", err)
	}
}

func TestAuthorizeMatchingScopeAllowed(t *testing.T) {
	r := testRouter(t)
	if err := authorizeAs(r, []string{user.ScopeRead}, "operator", "cron.list", MethodDef{Scope: user.ScopeRead}); err != nil {
		t.Fatalf("expected matching scope to be authorized, got %v", err)
	}
}

func TestAuthorizeEmptyScopeAllowsAnyAuthenticated(t *testing.T) {
	r := testRouter(t)
	if err := authorizeAs(r, nil, "operator", "heartbeat.trigger", MethodDef{}); err != nil {
		t.Fatalf("expected empty-scope method to be reachable by any authenticated operator, got %v", err)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := testRouter(t)
	conn := newConnection("c1", nil, "")
	conn.setPrincipal(&user.User{ID: "u"}, []string{user.ScopeAdmin}, "operator", "")

	resp := r.dispatch(t.Context(), conn, &Frame{Type: FrameReq, ID: "1", Method: "nonexistent.method"})
	if resp.OK {
		t.Fatal("expected an error response for an unregistered method")
	}
	if resp.Error.Code != ErrCodeUnknownMethod {
		t.Fatalf("expected unknown-method, got %s", resp.Error.Code)
	}
}

func TestDispatchSuccessReturnsOKFrame(t *testing.T) {
	r := testRouter(t)
	conn := newConnection("c1", nil, "")
	conn.setPrincipal(&user.User{ID: "u"}, []string{user.ScopeAdmin}, "operator", "")

	resp := r.dispatch(t.Context(), conn, &Frame{Type: FrameReq, ID: "1", Method: "heartbeat.trigger"})
	if !resp.OK {
		t.Fatalf("expected heartbeat.trigger to succeed, got %+v", resp.Error)
	}
	if resp.ID != "1" {
		t.Fatalf("expected response id to echo the request id, got %s", resp.ID)
	}
}
