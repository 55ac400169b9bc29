// Package sysevents holds a small, in-memory, per-session queue of
// system-originated notices (cron completions, exec completions, and the
// like) awaiting delivery to an agent. The queue is consumed only by the
// heartbeat coordinator immediately before it hands control to the agent,
// which is why it stays in-process rather than on disk: a restart simply
// drops whatever had not yet been delivered.
package sysevents

import (
	"strings"
	"sync"
	"time"
)

// MaxQueueDepth bounds how many pending events a single session can
// accumulate before the oldest is evicted.
const MaxQueueDepth = 20

// SystemEvent is a single queued notice.
type SystemEvent struct {
	Text string
	At   time.Time
}

type sessionQueue struct {
	events []SystemEvent
	last   string
}

// Queue is the process-wide per-session event queue. The zero value is not
// usable; use New.
type Queue struct {
	mu       sync.Mutex
	sessions map[string]*sessionQueue
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{sessions: make(map[string]*sessionQueue)}
}

// Enqueue records text for sessionKey. Empty (after trimming) text is
// dropped. Text identical to the most recently enqueued text for this
// session is dropped as a duplicate. When the per-session depth exceeds
// MaxQueueDepth, the oldest entry is evicted to make room.
func (q *Queue) Enqueue(sessionKey, text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionKey]
	if !ok {
		sq = &sessionQueue{}
		q.sessions[sessionKey] = sq
	}

	if sq.last == trimmed {
		return
	}

	sq.events = append(sq.events, SystemEvent{Text: trimmed, At: time.Now()})
	if len(sq.events) > MaxQueueDepth {
		sq.events = sq.events[len(sq.events)-MaxQueueDepth:]
	}
	sq.last = trimmed
}

// Drain returns and removes all queued events for sessionKey, in enqueue
// order, and clears the duplicate-suppression memory for the session.
func (q *Queue) Drain(sessionKey string) []SystemEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionKey]
	if !ok || len(sq.events) == 0 {
		if ok {
			sq.last = ""
		}
		return nil
	}

	drained := sq.events
	sq.events = nil
	sq.last = ""
	return drained
}

// Peek returns the queued event text for sessionKey without removing it.
func (q *Queue) Peek(sessionKey string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionKey]
	if !ok || len(sq.events) == 0 {
		return nil
	}

	texts := make([]string, len(sq.events))
	for i, e := range sq.events {
		texts[i] = e.Text
	}
	return texts
}

// QueueSize reports how many events are currently pending for sessionKey.
func (q *Queue) QueueSize(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionKey]
	if !ok {
		return 0
	}
	return len(sq.events)
}

// FormatForPrompt renders drained events as "System: [hh:mm:ss] <text>"
// lines, one per event, in the convention used to prepend them to agent
// input.
func FormatForPrompt(events []SystemEvent) []string {
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = "System: [" + e.At.Format("15:04:05") + "] " + e.Text
	}
	return lines
}
