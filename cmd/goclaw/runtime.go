package main

import (
	"context"
	"fmt"

	"github.com/openclaw/core/internal/bus"
	"github.com/openclaw/core/internal/config"
	"github.com/openclaw/core/internal/cron"
	"github.com/openclaw/core/internal/executor"
	"github.com/openclaw/core/internal/gateway"
	"github.com/openclaw/core/internal/heartbeat"
	"github.com/openclaw/core/internal/lanes"
	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/paths"
	"github.com/openclaw/core/internal/sessionstore"
	"github.com/openclaw/core/internal/sysevents"
	"github.com/openclaw/core/internal/user"
)

// busTopics are the process-wide bus topics the gateway rebroadcasts to
// connected operators as "bus.<topic>" events.
var busTopics = []string{"cron.run.completed", "cron.run.failed", "heartbeat.delivered"}

// runtime bundles every collaborator the gateway composition root wires
// together, so start/stop share one construction path.
type runtime struct {
	cfg      *config.Config
	router   *gateway.Router
	cronSvc  *cron.Service
	sessions *sessionstore.Store
}

// cronGatewayAdapter satisfies cron.GatewayRunner on top of an
// executor.Facade. The cron service only ever needs the final text (or
// error) of a run, so it collapses executor.Result into the AgentEndEvent /
// AgentErrorEvent pair the service expects from a streaming runner.
type cronGatewayAdapter struct {
	ownerUserID string
	exec        executor.Facade
	events      *sysevents.Queue
}

func (a *cronGatewayAdapter) RunAgentForCron(ctx context.Context, req cron.AgentRequest, events chan<- cron.AgentEvent) {
	defer close(events)

	result, err := a.exec.Run(ctx, executor.Request{
		SessionKey:   req.SessionID,
		Prompt:       req.UserMsg,
		FreshContext: req.FreshContext,
		Ephemeral:    req.IsHeartbeat,
		Source:       req.Source,
	})
	if err != nil {
		bus.PublishEventWithSource("cron.run.failed", map[string]string{"error": err.Error()}, "cron")
		events <- cron.AgentErrorEvent{Error: err.Error()}
		return
	}
	if result.Err != nil {
		bus.PublishEventWithSource("cron.run.failed", map[string]string{"error": result.Err.Error()}, "cron")
		events <- cron.AgentErrorEvent{Error: result.Err.Error()}
		return
	}
	bus.PublishEventWithSource("cron.run.completed", map[string]string{"sessionId": req.SessionID}, "cron")
	events <- cron.AgentEndEvent{FinalText: result.FinalText}
}

func (a *cronGatewayAdapter) GetOwnerUserID() string {
	return a.ownerUserID
}

func (a *cronGatewayAdapter) InjectSystemEvent(ctx context.Context, text string) error {
	a.events.Enqueue("main", text)
	return nil
}

// buildRuntime loads configuration and wires every collaborator package
// into a Gateway Router, ready to serve.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	users := user.NewRegistry(cfg)

	deviceKeysPath, err := paths.DeviceKeysPath()
	if err != nil {
		return nil, fmt.Errorf("resolve device keys path: %w", err)
	}
	if err := paths.EnsureParentDir(deviceKeysPath); err != nil {
		return nil, fmt.Errorf("prepare device keys dir: %w", err)
	}
	deviceKeys, err := user.OpenDeviceKeystore(deviceKeysPath)
	if err != nil {
		return nil, fmt.Errorf("open device keystore: %w", err)
	}

	sessionsPath, err := paths.SessionsPath()
	if err != nil {
		return nil, fmt.Errorf("resolve sessions path: %w", err)
	}
	if err := paths.EnsureParentDir(sessionsPath); err != nil {
		return nil, fmt.Errorf("prepare sessions dir: %w", err)
	}
	sessions := sessionstore.Open(sessionsPath)

	jobsPath, err := paths.CronJobsPath()
	if err != nil {
		return nil, fmt.Errorf("resolve cron jobs path: %w", err)
	}
	runsDir, err := paths.CronRunsDir()
	if err != nil {
		return nil, fmt.Errorf("resolve cron runs dir: %w", err)
	}
	cronStore := cron.NewStore(jobsPath, runsDir)
	if err := cronStore.Load(); err != nil {
		return nil, fmt.Errorf("load cron store: %w", err)
	}

	exec := executor.Facade(executor.NoopFacade{})
	events := sysevents.New()
	adapter := &cronGatewayAdapter{
		ownerUserID: cfg.OwnerUserID,
		exec:        exec,
		events:      events,
	}
	cronSvc := cron.NewService(cronStore, adapter)
	cronSvc.SetJobTimeout(cfg.Cron.JobTimeoutMinutes)
	cronSvc.SetSessionStore(sessions)

	laneDispatcher := lanes.New(lanes.DefaultConcurrency)
	cronSvc.SetLaneDispatcher(laneDispatcher)

	hb := heartbeat.New(heartbeat.Options{
		QueueSize: laneDispatcher.QueueSize,
		Events:    events,
		ResolveTarget: func(agentKey string) (string, bool) {
			return "main", true
		},
		InvokeAgent: func(ctx context.Context, agentKey, prompt string) (string, error) {
			outcome := <-laneDispatcher.Enqueue(ctx, lanes.LaneMain, func(ctx context.Context) (any, error) {
				result, err := exec.Run(ctx, executor.Request{
					SessionKey: agentKey,
					Prompt:     prompt,
					Ephemeral:  true,
					Source:     "heartbeat",
				})
				if err != nil {
					return "", err
				}
				return result.FinalText, result.Err
			})
			text, _ := outcome.Result.(string)
			return text, outcome.Err
		},
		Deliver: func(ctx context.Context, agentKey, target, content string) error {
			L_info("heartbeat: delivery skipped, no channel collaborator wired", "agent", agentKey, "target", target)
			bus.PublishEventWithSource("heartbeat.delivered", map[string]string{"agent": agentKey, "target": target}, "heartbeat")
			return nil
		},
		GloballyEnabled: func() bool { return cfg.Heartbeat.Enabled },
	})
	cronSvc.SetHeartbeatRequester(hb)

	router := gateway.New(gateway.Deps{
		Config:        cfg.Gateway,
		Users:         users,
		DeviceKeys:    deviceKeys,
		Cron:          cronSvc,
		Sessions:      sessions,
		Heartbeat:     hb,
		Lanes:         laneDispatcher,
		SysEvents:     events,
		Executor:      exec,
		ServerVersion: version,
		Capabilities:  []string{"node.invoke", "pairing", "heartbeat", "cron"},
	})

	for _, topic := range busTopics {
		bus.SubscribeEvent(topic, func(e bus.Event) {
			router.Broadcast("bus."+e.Topic, e.Data)
		})
	}

	return &runtime{cfg: cfg, router: router, cronSvc: cronSvc, sessions: sessions}, nil
}

// serve runs the Gateway Router and cron service until ctx is cancelled.
func (rt *runtime) serve(ctx context.Context) error {
	if rt.cfg.Cron.Enabled {
		if err := rt.cronSvc.Start(ctx); err != nil {
			return fmt.Errorf("start cron service: %w", err)
		}
		defer rt.cronSvc.Stop()
	}
	return rt.router.ListenAndServe(ctx)
}
