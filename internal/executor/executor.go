// Package executor declares the narrow contract the rest of the runtime
// uses to hand a turn to whatever actually drives the agent (model calls,
// tool execution, conversation history). That machinery lives outside this
// tree; everything here talks to it only through the Facade interface so
// the scheduling, session, and delivery layers never depend on how a turn
// is actually produced.
package executor

import "context"

// Request is one turn handed to the facade.
type Request struct {
	// SessionKey identifies which session's history and routing state this
	// turn belongs to. Empty means the main session.
	SessionKey string
	// Prompt is the user- or system-originated input for this turn.
	Prompt string
	// FreshContext starts the turn without prior history when true.
	FreshContext bool
	// Ephemeral marks a turn whose result should not be persisted to the
	// session's durable history (heartbeats and isolated cron runs).
	Ephemeral bool
	// Source names who originated the turn: "gateway", "cron", "heartbeat".
	Source string
}

// Result is what a completed turn produced.
type Result struct {
	FinalText string
	Err       error
}

// Facade is the contract the Command-Lane Dispatcher, Cron Scheduler, and
// Heartbeat Coordinator drive turns through. Implementations live outside
// this tree.
type Facade interface {
	// Run executes one turn to completion and returns its final text.
	Run(ctx context.Context, req Request) (Result, error)

	// Compact asks the facade to summarize/trim a session's history,
	// typically invoked when a session's context grows too large.
	Compact(ctx context.Context, sessionKey string) error

	// IsBusy reports whether the facade currently has a turn in flight for
	// sessionKey.
	IsBusy(sessionKey string) bool

	// EnqueueFollowUp appends a follow-up prompt to a session that already
	// has a turn in flight, to be processed once the current turn
	// completes rather than starting a second concurrent turn.
	EnqueueFollowUp(ctx context.Context, sessionKey, prompt string) error

	// WaitForIdle blocks until sessionKey has no turn in flight, or ctx is
	// done.
	WaitForIdle(ctx context.Context, sessionKey string) error
}
