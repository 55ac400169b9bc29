package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/openclaw/core/internal/bus"
	"github.com/openclaw/core/internal/heartbeat"
	"github.com/openclaw/core/internal/lanes"
	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/sessionstore"
)

// BackupTickInterval is how often we poll even if no file changes or timers fire.
const BackupTickInterval = 5 * time.Minute

// MaxWakeInterval caps how long the scheduler will sleep between checks,
// so a freshly registered job (or a clock change) is never more than this
// far from being noticed.
const MaxWakeInterval = 60 * time.Second

// AgentRequest is the request to run an agent (mirrors gateway.AgentRequest).
type AgentRequest struct {
	Source         string
	UserMsg        string
	SessionID      string
	FreshContext   bool
	UserID         string // User ID to run as (typically owner for cron jobs)
	IsHeartbeat    bool   // If true, run is ephemeral - don't persist to session
	EnableThinking bool   // If true, enable extended thinking for models that support it
	SkipMirror     bool   // If true, don't mirror to other channels (caller handles delivery)
	JobName        string // Name of the cron job (for status messages)
}

// AgentEvent is a marker interface for agent events.
type AgentEvent interface {
	IsAgentEvent()
}

// AgentEndEvent indicates the agent run completed successfully.
type AgentEndEvent struct {
	FinalText string
}

func (AgentEndEvent) IsAgentEvent() {}

// AgentErrorEvent indicates the agent run failed.
type AgentErrorEvent struct {
	Error string
}

func (AgentErrorEvent) IsAgentEvent() {}

// GatewayRunner is the interface the cron service uses to run agents.
// The gateway must implement this and convert between its types and cron types.
type GatewayRunner interface {
	RunAgentForCron(ctx context.Context, req AgentRequest, events chan<- AgentEvent)
	GetOwnerUserID() string                                   // Returns the owner user ID for cron jobs
	InjectSystemEvent(ctx context.Context, text string) error // Inject system event into primary session
}

// HeartbeatRequester lets the scheduler ask the heartbeat coordinator for an
// out-of-cycle wake after a main-session systemEvent job with wakeMode
// "now" finishes injecting its event.
type HeartbeatRequester interface {
	RequestHeartbeatNow(reason string, coalesceMs time.Duration)
}

// Service manages cron job scheduling and execution.
type Service struct {
	store     *Store
	gateway   GatewayRunner
	history   *HistoryManager
	heartbeat HeartbeatRequester
	sessions  *sessionstore.Store
	lanes     *lanes.Dispatcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	timer            *time.Timer       // Timer for next scheduled job
	backupTicker     *time.Ticker      // Backup tick every BackupTickInterval
	watcher          *fsnotify.Watcher // File watcher for jobs.json
	ignoreWatchUntil time.Time         // Ignore watcher events until this time (debounce our own writes)
	rescheduleCh     chan struct{}     // Signal to recalculate wake time (for in-process job adds)

	// Job execution
	jobTimeoutMinutes int // Service-wide job timeout (0 = none unless the payload sets one)
}

// NewService creates a new cron service.
func NewService(store *Store, gw GatewayRunner) *Service {
	return &Service{
		store:   store,
		gateway: gw,
		history: NewHistoryManager(""),
	}
}

// SetJobTimeout sets the job execution timeout in minutes (0 = no
// service-wide timeout; a job's payload timeoutSeconds still applies).
func (s *Service) SetJobTimeout(minutes int) {
	s.jobTimeoutMinutes = minutes
}

// SetHeartbeatRequester wires the heartbeat coordinator a "main" job with
// wakeMode "now" asks for an immediate wake.
func (s *Service) SetHeartbeatRequester(hr HeartbeatRequester) {
	s.heartbeat = hr
}

// SetSessionStore wires the session store used to resolve a "last" delivery
// channel for isolated jobs.
func (s *Service) SetSessionStore(store *sessionstore.Store) {
	s.sessions = store
}

// SetLaneDispatcher routes job execution through the cron lane instead of a
// bare goroutine per run, bounding concurrent cron execution the same way
// the rest of the runtime bounds concurrent agent turns.
func (s *Service) SetLaneDispatcher(d *lanes.Dispatcher) {
	s.lanes = d
}

// Wake injects a system event into the primary session and, for mode "now",
// asks the heartbeat coordinator for an immediate out-of-cycle wake. Mode
// "next-heartbeat" leaves it for the regular interval/coalesce cycle.
func (s *Service) Wake(ctx context.Context, text string, mode string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("wake text is required")
	}

	if s.gateway != nil {
		if err := s.gateway.InjectSystemEvent(ctx, text); err != nil {
			return fmt.Errorf("failed to inject system event: %w", err)
		}
		L_info("cron: wake event injected", "mode", mode, "textLen", len(text))
	}

	if mode == WakeModeNow {
		if s.heartbeat != nil {
			s.heartbeat.RequestHeartbeatNow("cron", heartbeat.DefaultCoalesceWindow)
			L_debug("cron: wake requested immediate heartbeat")
		} else {
			L_debug("cron: wake mode=now but no heartbeat coordinator wired")
		}
	}

	return nil
}

// Start begins the cron scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.rescheduleCh = make(chan struct{}, 1) // Buffered so sends don't block
	s.mu.Unlock()

	// Load jobs from store
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}

	// Crash recovery: a RunningAtMs older than the stale threshold means
	// the process that set it died before clearing it.
	s.clearStaleRunningState()

	// Replay jobs that were due while nothing was running, collapsing any
	// backlog into a single execution per job.
	s.replayMissedJobs(ctx)

	// Set up file watcher on jobs.json
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("cron: failed to create file watcher, external changes won't be detected", "error", err)
	} else {
		s.watcher = watcher
		// Watch the directory containing jobs.json (fsnotify watches dirs better than files)
		jobsDir := filepath.Dir(s.store.Path())
		if err := watcher.Add(jobsDir); err != nil {
			L_warn("cron: failed to watch jobs directory", "dir", jobsDir, "error", err)
		} else {
			L_debug("cron: watching for job file changes", "dir", jobsDir)
		}
	}

	// Set up backup ticker
	s.backupTicker = time.NewTicker(BackupTickInterval)

	// Initialize next run times for all jobs
	s.initializeNextRuns()

	L_info("cron: service started", "jobs", s.store.EnabledCount(), "backupInterval", BackupTickInterval)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for run loop to finish
	<-s.doneCh

	// Clean up watcher and ticker
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.backupTicker != nil {
		s.backupTicker.Stop()
		s.backupTicker = nil
	}

	L_info("cron: service stopped")
}

// IsRunning returns true if the service is running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// clearStaleRunningState clears running state from jobs whose RunningAtMs is
// old enough that the process which set it almost certainly crashed before
// clearing it. Jobs within the staleness window are left alone: a second
// instance of the service racing against this one (or a genuinely
// long-running job) must not have its in-flight state stomped on.
func (s *Service) clearStaleRunningState() {
	cleared := s.store.ClearStaleRunning(time.Now())
	for _, job := range cleared {
		L_warn("cron: clearing stale running state", "job", job.Name, "id", job.ID)
	}
	if len(cleared) > 0 {
		L_info("cron: cleared stale running state", "count", len(cleared))
	}
}

// replayMissedJobs runs, synchronously and in schedule order, every job that
// was due while the service was not running. A backlog of missed runs
// collapses into a single execution per job rather than one per missed tick.
func (s *Service) replayMissedJobs(ctx context.Context) {
	missed := s.store.GetMissedJobs(time.Now())
	if len(missed) == 0 {
		return
	}

	L_info("cron: replaying missed jobs", "count", len(missed))
	for _, job := range missed {
		if job.IsRunning() {
			continue
		}
		job.SetNextRun(nil)
		job.SetRunning()
		if err := s.store.UpdateJob(job); err != nil {
			L_error("cron: failed to mark missed job starting", "job", job.Name, "error", err)
			continue
		}
		L_info("cron: running missed job", "job", job.Name, "id", job.ID)
		s.executeJob(ctx, job)
	}
}

// initializeNextRuns calculates initial next run times for all enabled jobs.
func (s *Service) initializeNextRuns() {
	now := time.Now()
	jobs := s.store.GetEnabledJobs()

	L_info("cron: initializing job schedules", "enabledJobs", len(jobs), "totalJobs", s.store.Count())

	// Suppress file watcher during bulk update
	s.ignoreWatchUntil = time.Now().Add(500 * time.Millisecond)

	for _, job := range jobs {
		// Skip jobs that are currently running - don't reset their NextRunAtMs
		// Otherwise we'd create a tight loop (job overdue but running)
		if job.IsRunning() {
			L_debug("cron: skipping running job during init", "job", job.Name)
			continue
		}

		next, err := NextRunTime(job, now)
		if err != nil {
			L_error("cron: failed to calculate next run", "job", job.Name, "id", job.ID, "error", err)
			continue
		}
		job.SetNextRun(next)
		if err := s.store.UpdateJob(job); err != nil {
			L_error("cron: failed to update job", "job", job.Name, "id", job.ID, "error", err)
		}
		if next != nil {
			L_info("cron: job scheduled",
				"job", job.Name,
				"schedule", formatScheduleLog(&job.Schedule),
				"nextRun", next.Format(time.RFC3339),
				"session", job.SessionTarget)
		}
	}

	// Extend ignore window after all writes complete
	s.ignoreWatchUntil = time.Now().Add(200 * time.Millisecond)
}

func formatScheduleLog(s *Schedule) string {
	switch s.Kind {
	case ScheduleKindAt:
		return fmt.Sprintf("at %s", time.UnixMilli(s.AtMs).Format(time.RFC3339))
	case ScheduleKindEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case ScheduleKindCron:
		if s.Tz != "" {
			return fmt.Sprintf("cron '%s' (%s)", s.Expr, s.Tz)
		}
		return fmt.Sprintf("cron '%s'", s.Expr)
	default:
		return "unknown"
	}
}

// FileChangeDebounce is how long to wait after a file change before reloading.
// This allows multiple rapid writes (e.g., from another process) to settle.
const FileChangeDebounce = 150 * time.Millisecond

// runLoop is the main scheduler loop.
func (s *Service) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	// Get watcher channels (may be nil if watcher failed to create)
	var watcherEvents <-chan fsnotify.Event
	var watcherErrors <-chan error
	if s.watcher != nil {
		watcherEvents = s.watcher.Events
		watcherErrors = s.watcher.Errors
	}

	jobsFile := filepath.Base(s.store.Path())

	// Debounce timer for file changes
	var fileDebounce *time.Timer
	var fileDebounceC <-chan time.Time

	for {
		// Calculate when to wake up next
		sleepDuration := s.computeNextWake()
		L_trace("cron: scheduler sleeping", "duration", sleepDuration)

		if s.timer == nil {
			s.timer = time.NewTimer(sleepDuration)
		} else {
			s.timer.Reset(sleepDuration)
		}

		select {
		case <-ctx.Done():
			s.timer.Stop()
			if fileDebounce != nil {
				fileDebounce.Stop()
			}
			return
		case <-s.stopCh:
			s.timer.Stop()
			if fileDebounce != nil {
				fileDebounce.Stop()
			}
			return

		case <-s.rescheduleCh:
			// In-process job add, just recalculate wake time
			s.timer.Stop()
			L_trace("cron: rescheduling due to job add")
			continue

		case event := <-watcherEvents:
			// Only react to writes on the jobs file
			if filepath.Base(event.Name) == jobsFile && (event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Create != 0) {
				// Ignore events caused by our own writes
				if time.Now().Before(s.ignoreWatchUntil) {
					L_trace("cron: ignoring own file write")
					continue
				}
				// Start/reset debounce timer - wait for writes to settle
				if fileDebounce == nil {
					fileDebounce = time.NewTimer(FileChangeDebounce)
					fileDebounceC = fileDebounce.C
					L_debug("cron: file change detected, debouncing")
				} else {
					fileDebounce.Reset(FileChangeDebounce)
					L_debug("cron: file change detected, extending debounce")
				}
			}

		case <-fileDebounceC:
			// Debounce period elapsed, now reload
			s.timer.Stop()
			fileDebounce = nil
			fileDebounceC = nil
			L_info("cron: reloading jobs after file change")
			if err := s.store.Load(); err != nil {
				L_error("cron: failed to reload jobs after file change", "error", err)
			} else {
				s.initializeNextRuns()
			}

		case err := <-watcherErrors:
			L_warn("cron: file watcher error", "error", err)

		case <-s.backupTicker.C:
			// Backup tick - run due jobs
			s.timer.Stop()
			L_debug("cron: backup tick fired")
			s.runDueJobs(ctx)

		case <-s.timer.C:
			s.runDueJobs(ctx)
		}
	}
}

// computeNextWake returns how long to sleep until the next job is due.
func (s *Service) computeNextWake() time.Duration {
	now := time.Now()
	minWait := MaxWakeInterval // Max sleep time

	for _, job := range s.store.GetEnabledJobs() {
		if job.State.NextRunAtMs == nil {
			continue
		}
		nextRun := time.UnixMilli(*job.State.NextRunAtMs)
		wait := nextRun.Sub(now)
		if wait < 0 {
			// Job is overdue, run immediately
			return 0
		}
		if wait < minWait {
			minWait = wait
		}
	}

	// Add a small buffer to avoid timing edge cases
	if minWait > 100*time.Millisecond {
		return minWait
	}
	return 100 * time.Millisecond
}

// runDueJobs executes all jobs that are due.
func (s *Service) runDueJobs(ctx context.Context) {
	now := time.Now()
	dueJobs := s.store.GetDueJobs(now)

	if len(dueJobs) == 0 {
		return
	}

	L_debug("cron: checking due jobs", "count", len(dueJobs))

	for _, job := range dueJobs {
		if job.IsRunning() {
			L_debug("cron: job already running, skipping", "job", job.Name)
			continue
		}

		// IMPORTANT: Clear nextRunAtMs immediately to prevent re-triggering
		// before the goroutine can mark it as running
		job.SetNextRun(nil)
		job.SetRunning()
		if err := s.store.UpdateJob(job); err != nil {
			L_error("cron: failed to mark job starting", "job", job.Name, "error", err)
			continue
		}

		L_info("cron: starting job execution", "job", job.Name, "id", job.ID, "prompt", truncateLog(job.Payload.GetPrompt(), 100))
		s.spawnExecuteJob(ctx, job)
	}
}

func truncateLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// spawnExecuteJob runs a job's execution on the cron lane when a lane
// dispatcher is wired, bounding how many cron jobs run concurrently the
// same way lanes bound concurrent agent turns elsewhere. Falls back to a
// bare goroutine when no dispatcher has been set (e.g. service_test.go's
// Service instances). Fire-and-forget: callers needing the run to finish
// before returning use executeJob directly.
func (s *Service) spawnExecuteJob(ctx context.Context, job *CronJob) {
	if s.lanes == nil {
		go s.executeJob(ctx, job)
		return
	}
	s.lanes.Enqueue(ctx, lanes.LaneCron, func(ctx context.Context) (any, error) {
		s.executeJob(ctx, job)
		return nil, nil
	})
}

// executeJob runs a single cron job, dispatching on payload kind and
// session target. A "main" job carrying a "systemEvent" payload never
// touches the agent executor: it injects a system event into the primary
// session and, depending on wakeMode, optionally asks for an immediate
// heartbeat. Everything else - an isolated job, or a "main" job whose
// payload is an "agentTurn" - runs a full agent turn.
// Note: job is already marked as running by runDueJobs before this is called.
func (s *Service) executeJob(ctx context.Context, job *CronJob) {
	startTime := time.Now()

	// Apply job timeout: the payload's timeoutSeconds when set, otherwise
	// the service-wide jobTimeoutMinutes (if configured)
	timeout := time.Duration(s.jobTimeoutMinutes) * time.Minute
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	L_info("cron: === JOB START ===",
		"job", job.Name,
		"id", job.ID,
		"session", job.SessionTarget,
		"payloadKind", job.Payload.Kind,
		"isolated", job.IsIsolated(),
		"timeoutMinutes", s.jobTimeoutMinutes,
		"prompt", truncateLog(job.Payload.GetPrompt(), 200))

	if job.SessionTarget == SessionTargetMain && job.Payload.Kind == PayloadKindSystemEvent {
		s.executeMainSystemEvent(ctx, job, startTime)
		return
	}

	s.executeAgentTurn(ctx, job, startTime)
}

// executeMainSystemEvent implements the "main" + "systemEvent" path: the
// job never runs as an agent turn, it only injects a system event (and,
// depending on wakeMode, requests an immediate heartbeat).
func (s *Service) executeMainSystemEvent(ctx context.Context, job *CronJob, startTime time.Time) {
	text := job.Payload.GetPrompt()
	if text == "" {
		text = "scheduled reminder"
	}

	mode := job.WakeMode
	if mode == "" {
		mode = WakeModeNextHeartbeat
	}

	err := s.Wake(ctx, text, mode)
	duration := time.Since(startTime)

	status := StatusOK
	errStr := ""
	if err != nil {
		status = StatusError
		errStr = err.Error()
		L_error("cron: === JOB FAILED ===", "job", job.Name, "id", job.ID, "error", err, "duration", duration)
	} else {
		L_info("cron: === JOB COMPLETED ===", "job", job.Name, "id", job.ID, "duration", duration, "wakeMode", mode)
	}

	job.SetLastRun(startTime, duration, status, errStr)

	entry := CreateRunEntry(startTime, duration, status, text, errStr)
	if err := s.history.LogRun(job.ID, entry); err != nil {
		L_error("cron: failed to log run", "job", job.Name, "error", err)
	}

	s.scheduleNextRun(job, status)
}

// executeAgentTurn runs the job through the Agent Executor Facade: the
// path for every isolated job, and for a "main" job whose payload is an
// "agentTurn" rather than a "systemEvent".
func (s *Service) executeAgentTurn(ctx context.Context, job *CronJob, startTime time.Time) {
	// Isolated runs get a fresh per-run session key so concurrent or
	// repeated executions of the same job never share transcript state.
	sessionID := ""
	if job.IsIsolated() {
		sessionID = fmt.Sprintf("cron:%s:run:%s", job.ID, uuid.NewString())
	}

	// Get owner user for cron jobs
	userID := s.gateway.GetOwnerUserID()
	if userID == "" {
		L_error("cron: no owner user configured, cannot run job", "job", job.Name)
		job.SetLastRun(startTime, 0, StatusError, "no owner user configured")
		job.ClearRunning()
		s.store.UpdateJob(job)
		return
	}

	req := AgentRequest{
		Source:       "cron",
		UserMsg:      job.Payload.GetPrompt(),
		FreshContext: job.IsIsolated(),
		SessionID:    sessionID,
		UserID:       userID,
		SkipMirror:   true, // We handle delivery via deliverJobOutput
		JobName:      job.Name,
	}

	L_debug("cron: invoking agent",
		"job", job.Name,
		"sessionID", sessionID,
		"freshContext", req.FreshContext,
		"userID", userID)

	// Create events channel
	events := make(chan AgentEvent, 100)

	// Run the agent
	go s.gateway.RunAgentForCron(ctx, req, events)

	// Collect results
	var finalContent string
	var execErr error
	eventCount := 0

	for event := range events {
		eventCount++
		switch e := event.(type) {
		case AgentEndEvent:
			finalContent = e.FinalText
			L_debug("cron: received agent end event", "job", job.Name, "contentLen", len(finalContent))
		case AgentErrorEvent:
			execErr = fmt.Errorf("%s", e.Error)
			L_error("cron: received agent error event", "job", job.Name, "error", e.Error)
		}
	}

	duration := time.Since(startTime)

	// Update job state
	status := StatusOK
	errStr := ""
	if execErr != nil {
		status = StatusError
		errStr = execErr.Error()
		L_error("cron: === JOB FAILED ===",
			"job", job.Name,
			"id", job.ID,
			"error", execErr,
			"duration", duration,
			"events", eventCount)
	} else {
		L_info("cron: === JOB COMPLETED ===",
			"job", job.Name,
			"id", job.ID,
			"duration", duration,
			"responseLen", len(finalContent),
			"events", eventCount)
	}

	job.SetLastRun(startTime, duration, status, errStr)

	// Log run to history
	entry := CreateRunEntry(startTime, duration, status, finalContent, errStr)
	if err := s.history.LogRun(job.ID, entry); err != nil {
		L_error("cron: failed to log run", "job", job.Name, "error", err)
	}

	s.scheduleNextRun(job, status)

	if job.Delivery != nil && job.Delivery.Mode == DeliveryModeAnnounce && finalContent != "" {
		s.deliverJobOutput(ctx, job, finalContent)
	}
}

// scheduleNextRun disables (and optionally deletes) a one-shot job, or
// computes the next run time for a recurring one, pushed out by backoff on
// failure, then persists the result.
func (s *Service) scheduleNextRun(job *CronJob, status string) {
	deleted := false
	if job.IsOneShot() {
		// One-shot job: no retry loop on error, disable (or delete) after run
		job.Enabled = false
		job.SetNextRun(nil)
		if job.DeleteAfterRun {
			if err := s.store.DeleteJob(job.ID); err != nil {
				L_error("cron: failed to delete one-shot job", "job", job.Name, "error", err)
			} else {
				L_info("cron: one-shot job completed and deleted", "job", job.Name, "id", job.ID)
				deleted = true
			}
		} else {
			L_info("cron: one-shot job completed and disabled", "job", job.Name, "id", job.ID)
		}
	} else {
		// Recurring job: calculate next run, pushed out by backoff on failure
		next, err := NextRunTime(job, time.Now())
		if err != nil {
			L_error("cron: failed to calculate next run", "job", job.Name, "error", err)
		}
		if status == StatusError {
			next = ApplyBackoff(next, time.Now(), job.State.ConsecutiveErrors)
		}
		job.SetNextRun(next)
		if next != nil {
			L_info("cron: next run scheduled", "job", job.Name, "nextRun", next.Format(time.RFC3339))
		}
	}

	if !deleted {
		if err := s.store.UpdateJob(job); err != nil {
			L_error("cron: failed to save job state", "job", job.Name, "error", err)
		}
	}
}

// resolveDeliveryTarget determines the concrete destination for an isolated
// job's delivery. A channel of "last" defers to the main session's most
// recent delivery record in the session store; anything else is used as
// configured on the job.
func (s *Service) resolveDeliveryTarget(job *CronJob) (sessionstore.LastDelivery, bool) {
	d := job.Delivery
	if d.Channel != DeliveryChannelLast {
		return sessionstore.LastDelivery{Channel: d.Channel, Recipient: d.To}, true
	}

	if s.sessions == nil {
		return sessionstore.LastDelivery{}, false
	}
	snap, err := s.sessions.Load()
	if err != nil {
		L_warn("cron: failed to load session store for delivery resolution", "job", job.Name, "error", err)
		return sessionstore.LastDelivery{}, false
	}
	entry, ok := snap.Entries[SessionTargetMain]
	if !ok || entry.LastDelivery.Channel == "" {
		return sessionstore.LastDelivery{}, false
	}
	return entry.LastDelivery, true
}

// deliverJobOutput announces an isolated job's final output on its
// resolved delivery target. No channel-adapter collaborator is wired
// anywhere in this tree, so resolution is published on the bus for
// whatever transport layer is listening, mirroring how the heartbeat
// coordinator's own Deliver stub is wired in cmd/goclaw.
func (s *Service) deliverJobOutput(ctx context.Context, job *CronJob, content string) {
	target, ok := s.resolveDeliveryTarget(job)
	if !ok {
		if !job.Delivery.BestEffort {
			L_warn("cron: could not resolve delivery target", "job", job.Name, "channel", job.Delivery.Channel)
		}
		return
	}

	bus.PublishEventWithSource("cron.delivery.resolved", map[string]string{
		"job":       job.ID,
		"channel":   target.Channel,
		"recipient": target.Recipient,
		"content":   content,
	}, "cron")
	L_debug("cron: delivery resolved", "job", job.Name, "channel", target.Channel)
}

// Store returns the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

// History returns the history manager.
func (s *Service) History() *HistoryManager {
	return s.history
}

// AddJob adds a new job and schedules it.
func (s *Service) AddJob(job *CronJob) error {
	// Calculate initial next run
	next, err := NextRunTime(job, time.Now())
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	job.SetNextRun(next)

	// Suppress file watcher for our own write
	s.ignoreWatchUntil = time.Now().Add(200 * time.Millisecond)

	if err := s.store.AddJob(job); err != nil {
		return err
	}

	L_info("cron: job added", "job", job.Name, "id", job.ID, "nextRun", next)

	// Wake scheduler to recalculate
	s.triggerReschedule()
	return nil
}

// triggerReschedule signals the scheduler to recalculate its next wake time.
func (s *Service) triggerReschedule() {
	select {
	case s.rescheduleCh <- struct{}{}:
	default:
		// Already has pending signal
	}
}

// RemoveJob removes a job.
func (s *Service) RemoveJob(id string) error {
	return s.store.DeleteJob(id)
}

// RunNow triggers immediate execution of a job.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job := s.store.GetJob(id)
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	s.spawnExecuteJob(ctx, job)
	return nil
}

// GetStatus returns a summary of the cron service status.
func (s *Service) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"running":      s.IsRunning(),
		"totalJobs":    s.store.Count(),
		"enabledJobs":  s.store.EnabledCount(),
		"jobsFilePath": s.store.Path(),
	}
}
