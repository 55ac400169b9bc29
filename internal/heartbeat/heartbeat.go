// Package heartbeat implements the coalescing wake handler and interval
// scheduler that periodically hand control to an agent so it can act on
// accumulated system events or simply check in.
//
// Any number of callers can request an immediate heartbeat; requests made
// while one is already pending or running are coalesced into a single run
// rather than queued individually, the same debounce shape the rest of the
// runtime uses for session activity.
package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/sysevents"
)

// DefaultCoalesceWindow is the debounce window requestHeartbeatNow arms by
// default.
const DefaultCoalesceWindow = 250 * time.Millisecond

// MaxIntervalWake is the drift-defense ceiling on the interval scheduler's
// single timer, regardless of how far out the furthest agent's next run is.
const MaxIntervalWake = 60 * time.Second

// backoffOnBusy is how long the coordinator waits before retrying a run
// that was skipped with "requests-in-flight" (main lane busy) or whose
// handler panicked.
const backoffOnBusy = 1 * time.Second

// DuplicateSuppressionWindow bounds how long an identical outbound message
// to the same (agent, target) pair is suppressed.
const DuplicateSuppressionWindow = 24 * time.Hour

// ActiveHours bounds when a heartbeat is allowed to fire, in local minutes
// of day within a named IANA zone. Wraps around midnight when End <= Start.
type ActiveHours struct {
	StartMinuteLocal int
	EndMinuteLocal   int
	Timezone         string
}

// Visibility controls whether a heartbeat result is ever delivered.
type Visibility struct {
	ShowAlerts   bool
	ShowOk       bool
	UseIndicator bool
}

func (v Visibility) permitsDelivery() bool {
	return v.ShowAlerts || v.ShowOk || v.UseIndicator
}

// AgentConfig describes one agent registered with the interval scheduler
// and the prompts/workspace it heartbeats against.
type AgentConfig struct {
	Key             string
	Enabled         bool
	IntervalMinutes int
	ActiveHours     *ActiveHours
	Visibility      Visibility
	WorkspaceDir    string // holds HEARTBEAT.md, if any

	StandardPrompt string
	CronPrompt     string
	ExecPrompt     string
}

type agentState struct {
	cfg       AgentConfig
	lastRunMs int64
}

// Result is what a run of the handler produced.
type Result struct {
	Status string // "ok" or "skipped"
	Reason string // populated when Status == "skipped"
}

func skip(reason string) Result { return Result{Status: "skipped", Reason: reason} }

// QueueSizer reports how many tasks are pending on a named lane; the gate
// sequence uses it to avoid heartbeating over a busy main lane.
type QueueSizer func(lane string) int

// TargetResolver returns the delivery target for an agent (a channel name,
// session key, or similar), and whether one currently exists.
type TargetResolver func(agentKey string) (target string, ok bool)

// AgentInvoker runs the agent with the given prompt and returns its final
// response text.
type AgentInvoker func(ctx context.Context, agentKey, prompt string) (string, error)

// Deliverer sends content to a resolved target.
type Deliverer func(ctx context.Context, agentKey, target, content string) error

// Coordinator is the single-wake heartbeat loop plus interval scheduler.
// The zero value is not usable; use New.
type Coordinator struct {
	queueSize QueueSizer
	events    *sysevents.Queue
	resolve   TargetResolver
	invoke    AgentInvoker
	deliver   Deliverer
	globally  func() bool // global heartbeat-enabled gate

	mu             sync.Mutex
	pendingReason  string
	scheduledTimer *time.Timer
	running        bool

	agentsMu sync.Mutex
	agents   map[string]*agentState

	intervalMu    sync.Mutex
	intervalTimer *time.Timer

	digestMu sync.Mutex
	digests  map[string]digestEntry
}

type digestEntry struct {
	hash string
	at   time.Time
}

// Options bundles a Coordinator's collaborators.
type Options struct {
	QueueSize       QueueSizer
	Events          *sysevents.Queue
	ResolveTarget   TargetResolver
	InvokeAgent     AgentInvoker
	Deliver         Deliverer
	GloballyEnabled func() bool
}

// New creates a Coordinator. A nil GloballyEnabled always permits heartbeats.
func New(opts Options) *Coordinator {
	globally := opts.GloballyEnabled
	if globally == nil {
		globally = func() bool { return true }
	}
	return &Coordinator{
		queueSize: opts.QueueSize,
		events:    opts.Events,
		resolve:   opts.ResolveTarget,
		invoke:    opts.InvokeAgent,
		deliver:   opts.Deliver,
		globally:  globally,
		agents:    make(map[string]*agentState),
		digests:   make(map[string]digestEntry),
	}
}

// RegisterAgent adds or updates an agent's heartbeat configuration and
// (re)arms the interval scheduler.
func (c *Coordinator) RegisterAgent(cfg AgentConfig) {
	c.agentsMu.Lock()
	st, exists := c.agents[cfg.Key]
	if !exists {
		st = &agentState{lastRunMs: time.Now().UnixMilli()}
		c.agents[cfg.Key] = st
	}
	st.cfg = cfg
	c.agentsMu.Unlock()

	c.rearmIntervalTimer()
}

// UnregisterAgent removes an agent from the interval scheduler.
func (c *Coordinator) UnregisterAgent(agentKey string) {
	c.agentsMu.Lock()
	delete(c.agents, agentKey)
	c.agentsMu.Unlock()
	c.rearmIntervalTimer()
}

// nextWakeDelay returns the delay until the earliest interval-scheduler due
// time across all enabled agents, clamped to MaxIntervalWake; ok is false
// when no enabled agent has a positive interval.
func (c *Coordinator) nextWakeDelay() (time.Duration, bool) {
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()

	if len(c.agents) == 0 {
		return 0, false
	}

	nowMs := time.Now().UnixMilli()
	var minDue int64 = -1
	for _, st := range c.agents {
		if !st.cfg.Enabled || st.cfg.IntervalMinutes <= 0 {
			continue
		}
		intervalMs := int64(st.cfg.IntervalMinutes) * 60 * 1000
		due := st.lastRunMs + intervalMs
		if minDue == -1 || due < minDue {
			minDue = due
		}
	}
	if minDue == -1 {
		return 0, false
	}

	delay := time.Duration(minDue-nowMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > MaxIntervalWake {
		delay = MaxIntervalWake
	}
	return delay, true
}

func (c *Coordinator) rearmIntervalTimer() {
	delay, ok := c.nextWakeDelay()

	c.intervalMu.Lock()
	defer c.intervalMu.Unlock()

	if c.intervalTimer != nil {
		c.intervalTimer.Stop()
		c.intervalTimer = nil
	}
	if !ok {
		return
	}
	c.intervalTimer = time.AfterFunc(delay, func() {
		c.RequestHeartbeatNow("interval", 0)
		c.rearmIntervalTimer()
	})
}

// Stop halts the interval scheduler's timer. In-flight or coalesced wakes
// already armed on the debounce timer are left to complete.
func (c *Coordinator) Stop() {
	c.intervalMu.Lock()
	if c.intervalTimer != nil {
		c.intervalTimer.Stop()
		c.intervalTimer = nil
	}
	c.intervalMu.Unlock()
}

// RequestHeartbeatNow records reason (keeping whatever reason is already
// pending, if one is) and arms or re-arms the coalescing timer for
// coalesceMs (DefaultCoalesceWindow when zero).
func (c *Coordinator) RequestHeartbeatNow(reason string, coalesceMs time.Duration) {
	if coalesceMs <= 0 {
		coalesceMs = DefaultCoalesceWindow
	}

	c.mu.Lock()
	if c.pendingReason == "" {
		c.pendingReason = reason
	}
	if c.scheduledTimer != nil {
		c.scheduledTimer.Stop()
	}
	c.scheduledTimer = time.AfterFunc(coalesceMs, c.onTimerFire)
	c.mu.Unlock()
}

func (c *Coordinator) onTimerFire() {
	c.mu.Lock()
	if c.running {
		c.scheduledTimer = time.AfterFunc(DefaultCoalesceWindow, c.onTimerFire)
		c.mu.Unlock()
		return
	}

	reason := c.pendingReason
	c.pendingReason = ""
	c.running = true
	c.scheduledTimer = nil
	c.mu.Unlock()

	result := c.runHandlerSafely(reason)

	c.mu.Lock()
	c.running = false
	needsRearm := c.pendingReason != ""
	backoff := time.Duration(0)
	if !needsRearm && result.Status == "skipped" && result.Reason == "requests-in-flight" {
		needsRearm = true
		backoff = backoffOnBusy
	}
	if needsRearm {
		if backoff == 0 {
			backoff = DefaultCoalesceWindow
		}
		c.scheduledTimer = time.AfterFunc(backoff, c.onTimerFire)
	}
	c.mu.Unlock()
}

func (c *Coordinator) runHandlerSafely(reason string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			L_error("heartbeat: handler panicked", "panic", r)
			c.mu.Lock()
			if c.pendingReason == "" {
				c.pendingReason = "retry"
			}
			c.scheduledTimer = time.AfterFunc(backoffOnBusy, c.onTimerFire)
			c.mu.Unlock()
			result = skip("panic")
		}
	}()
	return c.handle(reason)
}

// handle runs the gate sequence and, if every gate advances, invokes the
// agent for each due agent under reason. On an "interval" wake an agent is
// due once its interval has elapsed since its last run; any other reason
// treats every registered agent as due.
func (c *Coordinator) handle(reason string) Result {
	if !c.globally() {
		return skip("heartbeats-disabled")
	}

	nowMs := time.Now().UnixMilli()
	c.agentsMu.Lock()
	due := make([]*agentState, 0, len(c.agents))
	for _, st := range c.agents {
		if reason == "interval" && st.cfg.IntervalMinutes > 0 &&
			st.lastRunMs+int64(st.cfg.IntervalMinutes)*60*1000 > nowMs {
			continue
		}
		due = append(due, st)
	}
	c.agentsMu.Unlock()

	anyRan := false
	for _, st := range due {
		result := c.runOneAgent(context.Background(), st, reason)
		if result.Status == "ok" {
			anyRan = true
		} else if result.Reason == "requests-in-flight" {
			return result
		}
	}
	if anyRan {
		return Result{Status: "ok"}
	}
	return skip("no-agent-due")
}

// runOneAgent applies the gate sequence to a single agent and, if all gates
// pass, invokes the agent and delivers the response.
func (c *Coordinator) runOneAgent(ctx context.Context, st *agentState, reason string) Result {
	cfg := st.cfg

	if !cfg.Enabled {
		return skip("agent-disabled")
	}
	if cfg.IntervalMinutes <= 0 && reason == "interval" {
		return skip("interval-invalid")
	}
	if !withinActiveHours(cfg.ActiveHours, time.Now()) {
		return skip("outside-active-hours")
	}
	if c.queueSize != nil && c.queueSize("main") > 0 {
		return skip("requests-in-flight")
	}

	hasFileContent, err := hasWorkspaceContent(cfg.WorkspaceDir)
	if err != nil {
		L_warn("heartbeat: failed to read HEARTBEAT.md", "agent", cfg.Key, "error", err)
	}
	hasEvents := c.events != nil && c.events.QueueSize(cfg.Key) > 0
	if !hasFileContent && !hasEvents {
		return skip("no-content")
	}

	target, ok := "", false
	if c.resolve != nil {
		target, ok = c.resolve(cfg.Key)
	}
	if !ok {
		return skip("no-target")
	}
	if !cfg.Visibility.permitsDelivery() {
		return skip("visibility-suppressed")
	}

	// Events are drained only once every gate has passed, so a skipped
	// heartbeat leaves them queued.
	events := c.drainEvents(cfg.Key)
	prompt := selectPrompt(cfg, events)

	st.lastRunMs = time.Now().UnixMilli()

	if c.invoke == nil {
		return skip("no-invoker")
	}
	response, err := c.invoke(ctx, cfg.Key, prompt)
	if err != nil {
		L_error("heartbeat: agent invocation failed", "agent", cfg.Key, "error", err)
		return skip("invocation-error")
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return Result{Status: "ok"}
	}

	if c.isDuplicate(cfg.Key, target, response) {
		L_debug("heartbeat: suppressing duplicate response", "agent", cfg.Key, "target", target)
		return Result{Status: "ok"}
	}

	if c.deliver != nil {
		if err := c.deliver(ctx, cfg.Key, target, response); err != nil {
			L_error("heartbeat: delivery failed", "agent", cfg.Key, "target", target, "error", err)
			return skip("delivery-error")
		}
	}
	c.rememberDigest(cfg.Key, target, response)

	return Result{Status: "ok"}
}

func (c *Coordinator) drainEvents(agentKey string) []sysevents.SystemEvent {
	if c.events == nil {
		return nil
	}
	return c.events.Drain(agentKey)
}

func selectPrompt(cfg AgentConfig, events []sysevents.SystemEvent) string {
	var hasCron, hasExec bool
	for _, e := range events {
		lower := strings.ToLower(e.Text)
		if strings.Contains(lower, "cron") {
			hasCron = true
		}
		if strings.Contains(lower, "exec") {
			hasExec = true
		}
	}

	base := cfg.StandardPrompt
	switch {
	case hasCron && cfg.CronPrompt != "":
		base = cfg.CronPrompt
	case hasExec && cfg.ExecPrompt != "":
		base = cfg.ExecPrompt
	}

	lines := sysevents.FormatForPrompt(events)
	if len(lines) == 0 {
		return base
	}
	return strings.Join(lines, "\n") + "\n\n" + base
}

func hasWorkspaceContent(workspaceDir string) (bool, error) {
	if workspaceDir == "" {
		return false, nil
	}
	path := filepath.Join(workspaceDir, "HEARTBEAT.md")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return true, nil
		}
	}
	return false, nil
}

// withinActiveHours reports whether now (in the agent's configured zone)
// falls within [StartMinuteLocal, EndMinuteLocal), wrapping past midnight
// when End <= Start. A nil hours config means always active.
func withinActiveHours(hours *ActiveHours, now time.Time) bool {
	if hours == nil {
		return true
	}

	loc, err := time.LoadLocation(hours.Timezone)
	if err != nil {
		L_warn("heartbeat: unknown timezone, treating as always active", "timezone", hours.Timezone, "error", err)
		return true
	}
	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()

	start, end := hours.StartMinuteLocal, hours.EndMinuteLocal
	if end > start {
		return minuteOfDay >= start && minuteOfDay < end
	}
	// Wraps past midnight.
	return minuteOfDay >= start || minuteOfDay < end
}

func digestKey(agentKey, target string) string {
	return agentKey + "\x00" + target
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (c *Coordinator) isDuplicate(agentKey, target, content string) bool {
	c.digestMu.Lock()
	defer c.digestMu.Unlock()

	entry, ok := c.digests[digestKey(agentKey, target)]
	if !ok {
		return false
	}
	if time.Since(entry.at) > DuplicateSuppressionWindow {
		return false
	}
	return entry.hash == hashContent(content)
}

func (c *Coordinator) rememberDigest(agentKey, target, content string) {
	c.digestMu.Lock()
	defer c.digestMu.Unlock()
	c.digests[digestKey(agentKey, target)] = digestEntry{hash: hashContent(content), at: time.Now()}
}

// IsRunning reports whether a heartbeat is currently executing.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
