// Package lanes implements the command-lane dispatcher: an in-process
// scheduler keyed by lane name that serializes work per logical key while
// allowing parallelism across keys.
//
// Built-in lanes are main, cron, subagent and nested; arbitrary named lanes
// are accepted, with "session:{sessionKey}" the convention for per-session
// serialization. Each lane drains its own FIFO queue up to its configured
// concurrency; tasks on different lanes run independently of one another.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/openclaw/core/internal/logging"
)

// ErrCleared is delivered to a task's outcome channel when ClearLane drops
// it from the queue before it started.
var ErrCleared = errors.New("lanes: task cleared from queue")

// Default per-lane concurrency ceilings.
const (
	DefaultMainConcurrency     = 1
	DefaultCronConcurrency     = 1
	DefaultSubagentConcurrency = 2
	DefaultSessionConcurrency  = 1
)

const (
	LaneMain     = "main"
	LaneCron     = "cron"
	LaneSubagent = "subagent"
	LaneNested   = "nested"
)

// Task is an opaque unit of work submitted to a lane.
type Task func(ctx context.Context) (any, error)

// Outcome is the result delivered to a task's future.
type Outcome struct {
	Result any
	Err    error
}

// EnqueueOptions customizes a single enqueue call.
type EnqueueOptions struct {
	// WarnAfter triggers OnWait when the task has waited longer than this
	// threshold before starting. Zero disables the callback.
	WarnAfter time.Duration
	// OnWait is invoked (from the pump goroutine) once a queued task crosses
	// WarnAfter without having started.
	OnWait func(waitMs int64, queuedAhead int)
}

// ConcurrencyResolver returns the concurrency ceiling for a lane name,
// invoked once at lane creation. A zero or negative result is treated as 1.
type ConcurrencyResolver func(lane string) int

// DefaultConcurrency is the out-of-the-box ConcurrencyResolver implementing
// the defaults named in the lane's design: main=1, cron=1, subagent=2,
// session:*=1, anything else=1.
func DefaultConcurrency(lane string) int {
	switch lane {
	case LaneMain:
		return DefaultMainConcurrency
	case LaneCron:
		return DefaultCronConcurrency
	case LaneSubagent:
		return DefaultSubagentConcurrency
	default:
		return DefaultSessionConcurrency
	}
}

type pendingTask struct {
	task       Task
	opts       EnqueueOptions
	resultCh   chan Outcome
	enqueuedAt time.Time
}

// lane holds one named lane's queue and in-flight count.
type lane struct {
	name          string
	maxConcurrent int

	mu       sync.Mutex
	queue    []*pendingTask
	active   int
	draining bool
}

// Dispatcher owns the lane registry. The zero value is not usable; use New.
type Dispatcher struct {
	resolver ConcurrencyResolver

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a Dispatcher. A nil resolver uses DefaultConcurrency.
func New(resolver ConcurrencyResolver) *Dispatcher {
	if resolver == nil {
		resolver = DefaultConcurrency
	}
	return &Dispatcher{
		resolver: resolver,
		lanes:    make(map[string]*lane),
	}
}

// SessionLane returns the conventional lane name for per-session
// serialization: "session:{sessionKey}".
func SessionLane(sessionKey string) string {
	return fmt.Sprintf("session:%s", sessionKey)
}

func (d *Dispatcher) getOrCreateLane(name string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lanes[name]; ok {
		return l
	}
	l := &lane{name: name, maxConcurrent: d.resolver(name)}
	if l.maxConcurrent <= 0 {
		l.maxConcurrent = 1
	}
	d.lanes[name] = l
	return l
}

// Enqueue adds a task to the named lane and returns a channel that receives
// its outcome exactly once, when it completes. Lanes are created lazily on
// first use.
func (d *Dispatcher) Enqueue(ctx context.Context, laneName string, task Task) <-chan Outcome {
	return d.EnqueueWithOptions(ctx, laneName, task, EnqueueOptions{})
}

// EnqueueWithOptions is Enqueue with per-call options (wait-warning callback).
func (d *Dispatcher) EnqueueWithOptions(ctx context.Context, laneName string, task Task, opts EnqueueOptions) <-chan Outcome {
	l := d.getOrCreateLane(laneName)

	resultCh := make(chan Outcome, 1)
	pt := &pendingTask{task: task, opts: opts, resultCh: resultCh, enqueuedAt: time.Now()}

	l.mu.Lock()
	l.queue = append(l.queue, pt)
	if !l.draining {
		l.draining = true
		go d.pump(ctx, l)
	}
	l.mu.Unlock()

	return resultCh
}

// pump drains the lane's queue up to its concurrency ceiling. Only one pump
// goroutine runs per lane at a time; the draining flag enforces this.
func (d *Dispatcher) pump(ctx context.Context, l *lane) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 || l.active >= l.maxConcurrent {
			if len(l.queue) == 0 {
				l.draining = false
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			return
		}

		pt := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		queuedAhead := len(l.queue)
		l.mu.Unlock()

		if pt.opts.OnWait != nil && pt.opts.WarnAfter > 0 {
			waited := time.Since(pt.enqueuedAt)
			if waited > pt.opts.WarnAfter {
				pt.opts.OnWait(waited.Milliseconds(), queuedAhead)
			}
		}

		go d.run(ctx, l, pt)
	}
}

// run executes a single task, recovering panics so the lane is never
// wedged, then re-enters the pump to start the next eligible task.
func (d *Dispatcher) run(ctx context.Context, l *lane, pt *pendingTask) {
	outcome := d.execute(ctx, pt.task)
	pt.resultCh <- outcome
	close(pt.resultCh)

	l.mu.Lock()
	l.active--
	needsPump := !l.draining && len(l.queue) > 0
	if needsPump {
		l.draining = true
	}
	l.mu.Unlock()

	if needsPump {
		d.pump(ctx, l)
	} else {
		// Another goroutine may already be pumping (draining stayed true);
		// re-check so a lane with active<max and a non-empty queue always
		// makes progress.
		l.mu.Lock()
		shouldResume := l.draining && l.active < l.maxConcurrent && len(l.queue) > 0
		l.mu.Unlock()
		if shouldResume {
			d.pump(ctx, l)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, task Task) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			L_error("lanes: task panicked", "panic", r)
			outcome = Outcome{Err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	result, err := task(ctx)
	return Outcome{Result: result, Err: err}
}

// ClearLane drops all pending (not yet started) tasks on a lane, delivering
// ErrCleared to each, and returns how many were dropped. In-flight tasks are
// not cancelled.
func (d *Dispatcher) ClearLane(laneName string) int {
	d.mu.Lock()
	l, ok := d.lanes[laneName]
	d.mu.Unlock()
	if !ok {
		return 0
	}

	l.mu.Lock()
	dropped := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, pt := range dropped {
		pt.resultCh <- Outcome{Err: ErrCleared}
		close(pt.resultCh)
	}
	return len(dropped)
}

// QueueSize returns the pending depth of a single lane, or the sum across
// all known lanes when laneName is empty.
func (d *Dispatcher) QueueSize(laneName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if laneName != "" {
		l, ok := d.lanes[laneName]
		if !ok {
			return 0
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.queue)
	}

	total := 0
	for _, l := range d.lanes {
		l.mu.Lock()
		total += len(l.queue)
		l.mu.Unlock()
	}
	return total
}

// ActiveCount returns the number of tasks currently executing on a lane.
func (d *Dispatcher) ActiveCount(laneName string) int {
	d.mu.Lock()
	l, ok := d.lanes[laneName]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
