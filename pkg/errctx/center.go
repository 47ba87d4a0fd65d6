package errctx

import (
	"context"
)

// ErrCenter records the first fatal error of a component and cancels
// every context derived from it with that error as the cause.
type ErrCenter struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewErrCenter creates an ErrCenter with no error.
func NewErrCenter() *ErrCenter {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &ErrCenter{ctx: ctx, cancel: cancel}
}

// OnError records err. Only the first non-nil error is kept.
func (c *ErrCenter) OnError(err error) {
	if err == nil {
		return
	}
	c.cancel(err)
}

// CheckError returns the recorded error, if any.
func (c *ErrCenter) CheckError() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// Done is closed once an error has been recorded.
func (c *ErrCenter) Done() <-chan struct{} {
	return c.ctx.Done()
}

// DeriveContext returns a context that is canceled when either parent is
// done or an error is recorded; context.Cause reports which. The returned
// release func must be called once the context is no longer used.
func (c *ErrCenter) DeriveContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(c.ctx, func() {
		cancel(context.Cause(c.ctx))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
