package dispatch

import (
	"context"
	"errors"

	"github.com/msageha/phasegate/internal/model"
)

// Executor performs the work of one item. Run must honour ctx cancellation
// at safe points; Cancel is an advisory out-of-band request for the same.
type Executor interface {
	Run(ctx context.Context, req Request) Result
	Cancel(ctx context.Context, workItemID string) error
}

type Request struct {
	RunID   string
	Item    model.WorkItem
	Attempt int
}

type Result struct {
	Output      map[string]any
	SideEffects []model.SideEffect
	Err         error
}

// ExecutorFunc adapts a function to Executor with a no-op Cancel.
type ExecutorFunc func(ctx context.Context, req Request) Result

func (f ExecutorFunc) Run(ctx context.Context, req Request) Result { return f(ctx, req) }
func (f ExecutorFunc) Cancel(context.Context, string) error        { return nil }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the item is abandoned after the
// attempt regardless of its remaining retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
