package agent

import (
	"context"
	"maps"

	"github.com/msageha/phasegate/internal/dispatch"
)

// Noop succeeds immediately and echoes the item input as its output.
type Noop struct{}

func (Noop) Run(_ context.Context, req dispatch.Request) dispatch.Result {
	out := map[string]any{"attempt": req.Attempt}
	if len(req.Item.Input) > 0 {
		out["input"] = maps.Clone(req.Item.Input)
	}
	return dispatch.Result{Output: out}
}

func (Noop) Cancel(context.Context, string) error { return nil }
