package gateway

import (
	"testing"

	"github.com/openclaw/core/internal/user"
)

func TestConnectionSetPrincipalAndHasScope(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	c.setPrincipal(&user.User{ID: "alice"}, []string{user.ScopeRead}, "operator", "")

	if !c.hasScope(user.ScopeRead) {
		t.Fatal("expected the granted scope to be present")
	}
	if c.hasScope(user.ScopeWrite) {
		t.Fatal("expected an ungranted scope to be absent")
	}
}

func TestConnectionHasScopeAdminGrantsAll(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	c.setPrincipal(&user.User{ID: "owner"}, []string{user.ScopeAdmin}, "operator", "")

	if !c.hasScope(user.ScopeApprovals) {
		t.Fatal("expected operator.admin to imply every other scope")
	}
}

func TestConnectionNextSeqIncreasesMonotonically(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	first := c.nextSeq()
	second := c.nextSeq()
	if first != 1 || second != 2 {
		t.Fatalf("expected sequence 1, 2; got %d, %d", first, second)
	}
}

func TestConnectionEnqueueDeliversToSendChannel(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	f := newOKFrame("req-1", nil)
	if !c.enqueue(f) {
		t.Fatal("expected enqueue to succeed on an open connection")
	}

	select {
	case got := <-c.send:
		if got != f {
			t.Fatal("expected the exact frame to be delivered")
		}
	default:
		t.Fatal("expected the frame to be queued on the send channel")
	}
}

func TestConnectionSendEventIncrementsSeq(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	c.sendEvent("tick", map[string]int{"n": 1})

	f := <-c.send
	if f.Type != FrameEvent || f.Event != "tick" || f.Seq != 1 {
		t.Fatalf("unexpected event frame: %+v", f)
	}
}

func TestConnectionAwaitAndDeliverResponse(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	ch := c.awaitResponse("id-1")

	want := &Frame{Type: FrameReq, ID: "id-1"}
	if !c.deliverResponse("id-1", want) {
		t.Fatal("expected deliverResponse to claim the pending request")
	}
	got := <-ch
	if got != want {
		t.Fatal("expected the delivered frame to match")
	}
}

func TestConnectionDeliverResponseUnknownIDReturnsFalse(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	if c.deliverResponse("nope", &Frame{}) {
		t.Fatal("expected deliverResponse to report no match for an unknown id")
	}
}

func TestConnectionCancelAwaitRemovesPending(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	c.awaitResponse("id-1")
	c.cancelAwait("id-1")
	if c.deliverResponse("id-1", &Frame{}) {
		t.Fatal("expected a cancelled await to no longer be deliverable")
	}
}

func TestConnectionPrincipalDefaultsEmpty(t *testing.T) {
	c := newConnection("c1", nil, "nonce")
	u, scopes, role, nodeID := c.principal()
	if u != nil || len(scopes) != 0 || role != "" || nodeID != "" {
		t.Fatalf("expected a fresh connection to have no principal, got user=%v scopes=%v role=%q nodeID=%q", u, scopes, role, nodeID)
	}
}
