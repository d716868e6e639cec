package page

import (
	"context"
	"time"
)

// CombineContext creates a context derived from ctx1 that is canceled when
// either ctx1 or ctx2 is canceled. It inherits values and deadline from
// ctx1 only. Used to bound session operations by both the session lifetime
// and the caller's per-operation deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext inherits values from its parent but drops the parent's
// deadline and cancellation signal.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that inherits values from ctx but is not
// canceled when ctx is. Cleanup work that must outlive a canceled load
// uses this.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
