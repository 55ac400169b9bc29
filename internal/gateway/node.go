package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	. "github.com/openclaw/core/internal/logging"
)

// DefaultNodeInvokeTimeout is the node-invoke relay's timeout when the
// caller does not specify one.
const DefaultNodeInvokeTimeout = 30 * time.Second

// MaxNodeInvokeTimeout caps whatever timeout a caller requests.
const MaxNodeInvokeTimeout = 30 * time.Second

// nodeInvokeParams is node.invoke's request shape.
type nodeInvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int             `json:"timeoutMs"`
}

// nodeInvokeRequestEvent is the event relayed to the node connection.
type nodeInvokeRequestEvent struct {
	RequestID string          `json:"requestId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
}

// nodeInvokeResultParams is the node.invoke.result request the node sends
// back once it has completed the command.
type nodeInvokeResultParams struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error,omitempty"`
}

func (r *Router) registerNode(nodeID string, conn *Connection) {
	r.nodesMu.Lock()
	r.nodes[nodeID] = conn
	r.nodesMu.Unlock()
	L_info("gateway: node registered", "nodeId", nodeID, "conn", conn.id)
}

func (r *Router) unregisterNode(nodeID string, conn *Connection) {
	r.nodesMu.Lock()
	if r.nodes[nodeID] == conn {
		delete(r.nodes, nodeID)
	}
	r.nodesMu.Unlock()
}

// LookupNode returns the connection registered for nodeID, or nil.
func (r *Router) LookupNode(nodeID string) *Connection {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()
	return r.nodes[nodeID]
}

// handleNodeInvoke implements the node.invoke method: relay a command to a
// node connection as a node.invoke.request event, and await its
// node.invoke.result within the requested (capped) timeout.
func (r *Router) handleNodeInvoke(mc *MethodContext, params json.RawMessage) (any, error) {
	var p nodeInvokeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed node.invoke params")
	}

	nodeConn := r.LookupNode(p.NodeID)
	if nodeConn == nil {
		return nil, NewRouterError(ErrCodeNotFound, "no node registered for "+p.NodeID)
	}

	timeout := DefaultNodeInvokeTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		if timeout > MaxNodeInvokeTimeout {
			timeout = MaxNodeInvokeTimeout
		}
	}

	requestID := uuid.NewString()
	resultCh := nodeConn.awaitResponse(requestID)

	nodeConn.sendEvent("node.invoke.request", nodeInvokeRequestEvent{
		RequestID: requestID,
		Command:   p.Command,
		Params:    p.Params,
	})

	select {
	case f := <-resultCh:
		var result nodeInvokeResultParams
		if err := json.Unmarshal(f.Params, &result); err != nil {
			return nil, NewRouterError(ErrCodeInternal, "malformed node.invoke.result")
		}
		if !result.OK {
			return nil, NewRouterError(ErrCodeInternal, result.Error)
		}
		return json.RawMessage(result.Payload), nil
	case <-time.After(timeout):
		nodeConn.cancelAwait(requestID)
		return nil, NewRouterError(ErrCodeTimeout, fmt.Sprintf("node %s did not respond within %s", p.NodeID, timeout))
	case <-mc.Context.Done():
		nodeConn.cancelAwait(requestID)
		return nil, NewRouterError(ErrCodeTimeout, "request cancelled")
	}
}

// handleNodeInvokeResult implements the node side's node.invoke.result
// method: it hands the frame to the node connection's pending-request table
// so the blocked node.invoke call above can return.
func (r *Router) handleNodeInvokeResult(mc *MethodContext, params json.RawMessage) (any, error) {
	var result nodeInvokeResultParams
	if err := json.Unmarshal(params, &result); err != nil {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed node.invoke.result")
	}
	if !mc.Conn.deliverResponse(result.RequestID, &Frame{Params: params}) {
		return nil, NewRouterError(ErrCodeNotFound, "no pending node.invoke for "+result.RequestID)
	}
	return map[string]bool{"accepted": true}, nil
}
