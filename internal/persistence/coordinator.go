// Package persistence provides the load-call-store bracket around
// user-supplied hooks (spec §4.9) and a bbolt-backed store for phase,
// branch, and graph run records.
//
// The coordinator is grounded on the orchestrator's defensive
// error-wrapping and slog-on-failure-path style throughout
// persistence.go: persistence failures are always logged, never
// propagated as a hard failure of the run they wrap.
package persistence

import (
	"context"
	"log/slog"

	"github.com/swarmguard/flowctl/internal/buffer"
)

// HookInput is passed to the wrapped hook.
type HookInput struct {
	ExecutionContext map[string]any
	CommonBuffer     *buffer.Buffer
	TransactionLogs  []buffer.TransactionLog
}

// Hook is a user-supplied callable the coordinator brackets with
// optional load/store.
type Hook func(ctx context.Context, in HookInput) (any, error)

// Coordinator wraps a hook invocation with optional state load before
// the call and state store after it.
type Coordinator struct {
	// Load, if set, fetches prior state merged into ExecutionContext["state"]
	// before the hook runs. A Load error is logged and the hook still runs.
	Load func(ctx context.Context) (any, error)
	// Store, if set, persists the hook's returned state. A Store error is
	// logged and does not fail the overall Invoke call.
	Store func(ctx context.Context, state any) error
	// IncludeTransactionLogs, when true and CommonBuffer is non-nil, loads
	// the buffer's transaction log into HookInput.
	IncludeTransactionLogs bool

	Logger *slog.Logger
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Invoke runs the load→hook→store bracket (spec §4.9).
func (c *Coordinator) Invoke(ctx context.Context, execCtx map[string]any, commonBuffer *buffer.Buffer, hook Hook) (any, error) {
	if execCtx == nil {
		execCtx = map[string]any{}
	}

	if c.Load != nil {
		state, err := c.Load(ctx)
		if err != nil {
			c.logger().Error("persistence load failed", "error", err)
		} else {
			execCtx["state"] = state
		}
	}

	var logs []buffer.TransactionLog
	if c.IncludeTransactionLogs && commonBuffer != nil {
		logs = commonBuffer.LoadTransactionLogs(ctx)
	}

	result, err := hook(ctx, HookInput{ExecutionContext: execCtx, CommonBuffer: commonBuffer, TransactionLogs: logs})
	if err != nil {
		return result, err
	}

	if c.Store != nil {
		if serr := c.Store(ctx, result); serr != nil {
			c.logger().Error("persistence store failed", "error", serr)
		}
	}

	return result, nil
}
