package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/internal/cron"
	"github.com/openclaw/core/internal/user"
)

// registerBuiltinMethods wires up the method registry's fixed set of
// collaborator-backed methods: cron management, session listing, heartbeat
// triggering, node invocation, and device pairing.
func (r *Router) registerBuiltinMethods() {
	r.RegisterMethod("cron.list", MethodDef{Scope: user.ScopeRead, Handler: r.handleCronList})
	r.RegisterMethod("cron.add", MethodDef{Scope: user.ScopeWrite, Handler: r.handleCronAdd})
	r.RegisterMethod("cron.remove", MethodDef{Scope: user.ScopeWrite, Handler: r.handleCronRemove})
	r.RegisterMethod("cron.runNow", MethodDef{Scope: user.ScopeWrite, Handler: r.handleCronRunNow})
	r.RegisterMethod("cron.status", MethodDef{Scope: user.ScopeRead, Handler: r.handleCronStatus})

	r.RegisterMethod("session.list", MethodDef{Scope: user.ScopeRead, Handler: r.handleSessionList})

	r.RegisterMethod("heartbeat.trigger", MethodDef{Scope: user.ScopeWrite, Handler: r.handleHeartbeatTrigger})

	r.RegisterMethod("node.invoke", MethodDef{Scope: user.ScopeWrite, Handler: r.handleNodeInvoke})
	r.RegisterMethod("node.invoke.result", MethodDef{NodeAllowed: true, Handler: r.handleNodeInvokeResult})

	r.RegisterMethod("pairing.begin", MethodDef{Scope: user.ScopePairing, Handler: r.handlePairingBegin})
	r.RegisterMethod("pairing.complete", MethodDef{Scope: user.ScopePairing, Handler: r.handlePairingComplete})
}

func (r *Router) handleCronList(mc *MethodContext, params json.RawMessage) (any, error) {
	if r.cronSvc == nil {
		return nil, NewRouterError(ErrCodeInternal, "cron service not configured")
	}
	return r.cronSvc.Store().GetAllJobs(), nil
}

type cronAddParams struct {
	Name           string         `json:"name"`
	Schedule       cron.Schedule  `json:"schedule"`
	Payload        cron.Payload   `json:"payload"`
	SessionTarget  string         `json:"sessionTarget"`
	WakeMode       string         `json:"wakeMode"`
	Delivery       *cron.Delivery `json:"delivery"`
	DeleteAfterRun bool           `json:"deleteAfterRun"`
}

func (r *Router) handleCronAdd(mc *MethodContext, params json.RawMessage) (any, error) {
	if r.cronSvc == nil {
		return nil, NewRouterError(ErrCodeInternal, "cron service not configured")
	}
	var p cronAddParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed cron.add params")
	}
	if p.Name == "" {
		return nil, NewRouterError(ErrCodeInvalidRequest, "name is required")
	}

	now := time.Now().UnixMilli()
	job := &cron.CronJob{
		ID:             uuid.NewString(),
		Name:           p.Name,
		Enabled:        true,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       p.Schedule,
		SessionTarget:  p.SessionTarget,
		WakeMode:       p.WakeMode,
		Payload:        p.Payload,
		Delivery:       p.Delivery,
		DeleteAfterRun: p.DeleteAfterRun,
	}
	if err := r.cronSvc.AddJob(job); err != nil {
		return nil, NewRouterError(ErrCodeInternal, err.Error())
	}
	return job, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (r *Router) handleCronRemove(mc *MethodContext, params json.RawMessage) (any, error) {
	if r.cronSvc == nil {
		return nil, NewRouterError(ErrCodeInternal, "cron service not configured")
	}
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed cron.remove params")
	}
	if err := r.cronSvc.RemoveJob(p.ID); err != nil {
		return nil, NewRouterError(ErrCodeNotFound, err.Error())
	}
	return map[string]bool{"removed": true}, nil
}

func (r *Router) handleCronRunNow(mc *MethodContext, params json.RawMessage) (any, error) {
	if r.cronSvc == nil {
		return nil, NewRouterError(ErrCodeInternal, "cron service not configured")
	}
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewRouterError(ErrCodeInvalidRequest, "malformed cron.runNow params")
	}
	if err := r.cronSvc.RunNow(mc.Context, p.ID); err != nil {
		return nil, NewRouterError(ErrCodeNotFound, err.Error())
	}
	return map[string]bool{"started": true}, nil
}

func (r *Router) handleCronStatus(mc *MethodContext, params json.RawMessage) (any, error) {
	if r.cronSvc == nil {
		return nil, NewRouterError(ErrCodeInternal, "cron service not configured")
	}
	return r.cronSvc.GetStatus(), nil
}

func (r *Router) handleSessionList(mc *MethodContext, params json.RawMessage) (any, error) {
	if r.sessions == nil {
		return nil, NewRouterError(ErrCodeInternal, "session store not configured")
	}
	snap, err := r.sessions.Load()
	if err != nil {
		return nil, NewRouterError(ErrCodeCorruptStore, err.Error())
	}
	return snap.Entries, nil
}

func (r *Router) handleHeartbeatTrigger(mc *MethodContext, params json.RawMessage) (any, error) {
	r.RequestHeartbeat("operator")
	return map[string]bool{"triggered": true}, nil
}
