package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/core/internal/sessionstore"
)

// fakeGateway is a minimal GatewayRunner test double: it succeeds or fails
// on command, and records every request it was asked to run.
type fakeGateway struct {
	mu           sync.Mutex
	fail         bool
	requests     []AgentRequest
	systemEvents []string
}

func (g *fakeGateway) RunAgentForCron(ctx context.Context, req AgentRequest, events chan<- AgentEvent) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	fail := g.fail
	g.mu.Unlock()

	if fail {
		events <- AgentErrorEvent{Error: "induced failure"}
	} else {
		events <- AgentEndEvent{FinalText: "ok"}
	}
	close(events)
}

func (g *fakeGateway) GetOwnerUserID() string { return "owner-1" }

func (g *fakeGateway) InjectSystemEvent(ctx context.Context, text string) error {
	g.mu.Lock()
	g.systemEvents = append(g.systemEvents, text)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) runCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) systemEventCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.systemEvents)
}

// fakeHeartbeatRequester records every RequestHeartbeatNow call.
type fakeHeartbeatRequester struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeHeartbeatRequester) RequestHeartbeatNow(reason string, coalesceMs time.Duration) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func (f *fakeHeartbeatRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func newTestService(t *testing.T) (*Service, *fakeGateway) {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "jobs.json"), filepath.Join(dir, "runs"))
	gw := &fakeGateway{}
	return NewService(store, gw), gw
}

func TestComputeNextWakeClampsTo60Seconds(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	farFutureMs := time.Now().Add(24 * time.Hour).UnixMilli()
	job := &CronJob{Name: "far-future", Enabled: true, Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60000}}
	job.State.NextRunAtMs = &farFutureMs
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if wait := s.computeNextWake(); wait > MaxWakeInterval {
		t.Fatalf("computeNextWake = %s, want <= %s", wait, MaxWakeInterval)
	}
}

func TestComputeNextWakeReturnsZeroForOverdueJob(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	overdueMs := time.Now().Add(-time.Minute).UnixMilli()
	job := &CronJob{Name: "overdue", Enabled: true, Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60000}}
	job.State.NextRunAtMs = &overdueMs
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if wait := s.computeNextWake(); wait != 0 {
		t.Fatalf("computeNextWake = %s, want 0 for an overdue job", wait)
	}
}

func TestClearStaleRunningStateDelegatesToStore(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	stale := &CronJob{Name: "stuck", Enabled: true}
	startedMs := time.Now().Add(-StaleRunningAge - time.Minute).UnixMilli()
	stale.State.RunningAtMs = &startedMs
	if err := s.store.AddJob(stale); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.clearStaleRunningState()

	if s.store.GetJob(stale.ID).IsRunning() {
		t.Fatal("expected stale running state to be cleared")
	}
}

func TestExecuteJobDeletesOneShotWhenDeleteAfterRunSet(t *testing.T) {
	s, gw := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job := &CronJob{
		Name:           "fire-once",
		Enabled:        true,
		DeleteAfterRun: true,
		Schedule:       Schedule{Kind: ScheduleKindAt, AtMs: time.Now().UnixMilli()},
		Payload:        Payload{Kind: PayloadKindAgentTurn, Text: "do it"},
	}
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job.SetRunning()

	s.executeJob(context.Background(), job)

	if gw.runCount() != 1 {
		t.Fatalf("expected exactly one agent invocation, got %d", gw.runCount())
	}
	if s.store.GetJob(job.ID) != nil {
		t.Fatal("expected the one-shot job to be deleted after running")
	}
}

func TestExecuteJobDisablesOneShotWithoutDeleteAfterRun(t *testing.T) {
	s, _ := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job := &CronJob{
		Name:     "fire-once-kept",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindAt, AtMs: time.Now().UnixMilli()},
		Payload:  Payload{Kind: PayloadKindAgentTurn, Text: "do it"},
	}
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job.SetRunning()

	s.executeJob(context.Background(), job)

	kept := s.store.GetJob(job.ID)
	if kept == nil {
		t.Fatal("expected job record to survive without deleteAfterRun")
	}
	if kept.Enabled {
		t.Fatal("expected one-shot job to be disabled after running")
	}
}

func TestExecuteJobAppliesBackoffOnRecurringFailure(t *testing.T) {
	s, gw := newTestService(t)
	gw.fail = true
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job := &CronJob{
		Name:     "flaky",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 1000},
		Payload:  Payload{Kind: PayloadKindAgentTurn, Text: "do it"},
	}
	job.State.ConsecutiveErrors = 5 // becomes 6 after this failing run
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job.SetRunning()

	before := time.Now()
	s.executeJob(context.Background(), job)
	after := time.Now()

	updated := s.store.GetJob(job.ID)
	if updated.State.ConsecutiveErrors != 6 {
		t.Fatalf("expected ConsecutiveErrors=6, got %d", updated.State.ConsecutiveErrors)
	}
	if updated.State.NextRunAtMs == nil {
		t.Fatal("expected a next run time to be scheduled")
	}
	next := time.UnixMilli(*updated.State.NextRunAtMs)
	// endedAt is somewhere between before/after; the 60-minute backoff floor
	// must push next run at least 59 minutes past "before".
	if next.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("next run %s not pushed out by backoff relative to %s", next, before)
	}
	_ = after
}

func TestReplayMissedJobsRunsEachOnceInOrder(t *testing.T) {
	s, gw := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	now := time.Now()
	earlierMs := now.Add(-time.Hour).UnixMilli()
	earlier := &CronJob{Name: "earlier", Enabled: true, Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60000}, Payload: Payload{Kind: PayloadKindAgentTurn, Text: "x"}}
	earlier.State.NextRunAtMs = &earlierMs

	laterMs := now.Add(-time.Minute).UnixMilli()
	later := &CronJob{Name: "later", Enabled: true, Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 60000}, Payload: Payload{Kind: PayloadKindAgentTurn, Text: "x"}}
	later.State.NextRunAtMs = &laterMs

	if err := s.store.AddJob(earlier); err != nil {
		t.Fatalf("AddJob(earlier): %v", err)
	}
	if err := s.store.AddJob(later); err != nil {
		t.Fatalf("AddJob(later): %v", err)
	}

	s.replayMissedJobs(context.Background())

	if gw.runCount() != 2 {
		t.Fatalf("expected exactly 2 replayed runs (one per job), got %d", gw.runCount())
	}
	if gw.requests[0].JobName != "earlier" || gw.requests[1].JobName != "later" {
		t.Fatalf("expected replay in ascending next-run order, got %q then %q", gw.requests[0].JobName, gw.requests[1].JobName)
	}
}

func TestExecuteJobMainSystemEventWakeNowInjectsAndRequestsHeartbeat(t *testing.T) {
	s, gw := newTestService(t)
	hb := &fakeHeartbeatRequester{}
	s.SetHeartbeatRequester(hb)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job := &CronJob{
		Name:          "ping",
		Enabled:       true,
		Schedule:      Schedule{Kind: ScheduleKindEvery, EveryMs: 60000},
		SessionTarget: SessionTargetMain,
		WakeMode:      WakeModeNow,
		Payload:       Payload{Kind: PayloadKindSystemEvent, Text: "ping"},
	}
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job.SetRunning()

	s.executeJob(context.Background(), job)

	if gw.runCount() != 0 {
		t.Fatalf("expected a main systemEvent job never to run as an agent turn, got %d agent runs", gw.runCount())
	}
	if gw.systemEventCount() != 1 {
		t.Fatalf("expected exactly one system event injected, got %d", gw.systemEventCount())
	}
	if gw.systemEvents[0] != "ping" {
		t.Fatalf("expected system event text %q, got %q", "ping", gw.systemEvents[0])
	}
	if hb.count() != 1 {
		t.Fatalf("expected wakeMode=now to request exactly one immediate heartbeat, got %d", hb.count())
	}

	updated := s.store.GetJob(job.ID)
	if updated.State.LastStatus != StatusOK {
		t.Fatalf("expected job to record success, got %q", updated.State.LastStatus)
	}
}

func TestExecuteJobMainSystemEventWakeNextHeartbeatDoesNotRequestHeartbeat(t *testing.T) {
	s, gw := newTestService(t)
	hb := &fakeHeartbeatRequester{}
	s.SetHeartbeatRequester(hb)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job := &CronJob{
		Name:          "reminder",
		Enabled:       true,
		Schedule:      Schedule{Kind: ScheduleKindEvery, EveryMs: 60000},
		SessionTarget: SessionTargetMain,
		WakeMode:      WakeModeNextHeartbeat,
		Payload:       Payload{Kind: PayloadKindSystemEvent, Text: "take out the trash"},
	}
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job.SetRunning()

	s.executeJob(context.Background(), job)

	if gw.runCount() != 0 {
		t.Fatalf("expected no agent turn for a systemEvent job, got %d", gw.runCount())
	}
	if gw.systemEventCount() != 1 {
		t.Fatalf("expected the system event to still be injected, got %d", gw.systemEventCount())
	}
	if hb.count() != 0 {
		t.Fatalf("expected wakeMode=next-heartbeat not to request an immediate heartbeat, got %d", hb.count())
	}
}

func TestExecuteJobIsolatedRunsMintFreshSessionKeys(t *testing.T) {
	s, gw := newTestService(t)
	if err := s.store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job := &CronJob{
		Name:          "isolated-digest",
		Enabled:       true,
		Schedule:      Schedule{Kind: ScheduleKindEvery, EveryMs: 60000},
		SessionTarget: SessionTargetIsolated,
		Payload:       Payload{Kind: PayloadKindAgentTurn, Text: "summarize"},
	}
	if err := s.store.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	job.SetRunning()
	s.executeJob(context.Background(), job)

	job.SetRunning()
	s.executeJob(context.Background(), job)

	if gw.runCount() != 2 {
		t.Fatalf("expected 2 agent runs, got %d", gw.runCount())
	}
	first, second := gw.requests[0].SessionID, gw.requests[1].SessionID
	prefix := fmt.Sprintf("cron:%s:run:", job.ID)
	if !strings.HasPrefix(first, prefix) || !strings.HasPrefix(second, prefix) {
		t.Fatalf("expected isolated session keys to have prefix %q, got %q and %q", prefix, first, second)
	}
	if first == second {
		t.Fatalf("expected each isolated run to mint a distinct session key, got the same key twice: %q", first)
	}
}

func TestDeliverJobOutputResolvesLastFromSessionStore(t *testing.T) {
	s, _ := newTestService(t)

	dir := t.TempDir()
	sessions := sessionstore.Open(filepath.Join(dir, "sessions.json"))
	if err := sessions.Update(func(snap *sessionstore.Snapshot) error {
		e := sessionstore.EntryFor(snap, SessionTargetMain)
		e.RecordDelivery(sessionstore.LastDelivery{Channel: "slack", Recipient: "C123"})
		return nil
	}); err != nil {
		t.Fatalf("seed session store: %v", err)
	}
	s.SetSessionStore(sessions)

	job := &CronJob{
		ID:   "job-1",
		Name: "digest",
		Delivery: &Delivery{
			Mode:    DeliveryModeAnnounce,
			Channel: DeliveryChannelLast,
		},
	}

	target, ok := s.resolveDeliveryTarget(job)
	if !ok {
		t.Fatal("expected delivery target to resolve from the session store")
	}
	if target.Channel != "slack" || target.Recipient != "C123" {
		t.Fatalf("expected resolved target to match last delivery, got %+v", target)
	}
}
