package causalchain

import (
	"context"
	"fmt"
)

// Bracket logs a CapabilityCall, runs fn, then records its CapabilityResult
// parented on the call. The result is recorded whether fn succeeds or fails.
// A nil chain runs fn unaudited, and so does a chain that cannot record the
// call, after marking itself degraded.
func Bracket[T any](ctx context.Context, c *Chain, call Action, fn func(ctx context.Context) (T, error), render func(T) any) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	call.Type = ActionCapabilityCall
	before, err := c.Append(ctx, call)
	if err != nil {
		c.MarkDegraded(ctx, fmt.Errorf("log capability call %s: %w", call.FunctionName, err))
		return fn(ctx)
	}

	out, runErr := fn(ctx)

	outcome := Outcome{Success: runErr == nil}
	if runErr != nil {
		outcome.Error = runErr.Error()
	} else if render != nil {
		outcome.Value = render(out)
	}
	if _, err := c.RecordResult(ctx, before, outcome); err != nil {
		c.MarkDegraded(ctx, fmt.Errorf("record result of %s: %w", before.ID, err))
	}
	return out, runErr
}
