package executor

import (
	"context"
	"errors"
)

// ErrNoExecutor is returned by NoopFacade for any turn-producing call. It
// stands in for the real agent runtime until one is wired in its place.
var ErrNoExecutor = errors.New("executor: no agent runtime configured")

// NoopFacade satisfies Facade without ever producing a turn. It is the
// default the CLI collaborator wires the Gateway Router against when no
// real agent runtime (outside this tree, per the Facade contract above) has
// been configured, so the rest of the runtime still boots and every other
// component can be exercised end to end.
type NoopFacade struct{}

func (NoopFacade) Run(ctx context.Context, req Request) (Result, error) {
	return Result{}, ErrNoExecutor
}

func (NoopFacade) Compact(ctx context.Context, sessionKey string) error {
	return ErrNoExecutor
}

func (NoopFacade) IsBusy(sessionKey string) bool {
	return false
}

func (NoopFacade) EnqueueFollowUp(ctx context.Context, sessionKey, prompt string) error {
	return ErrNoExecutor
}

func (NoopFacade) WaitForIdle(ctx context.Context, sessionKey string) error {
	return nil
}
