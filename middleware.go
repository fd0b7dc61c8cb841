package xcqrs

import (
	"context"
	"runtime/debug"
	"time"
)

// Invoker runs one handler for one message. It is the unit middlewares wrap.
type Invoker func(ctx context.Context, ec *ExecContext, msg *Message) (any, error)

// Middleware composes processing concerns around an Invoker.
type Middleware func(next Invoker) Invoker

// TimeoutMiddleware bounds a single handler invocation. The handler runs on
// the dispatching goroutine and must observe ctx; a handler that returns
// after the deadline fails with context.DeadlineExceeded.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Invoker) Invoker { return next }
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ec *ExecContext, msg *Message) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			res, err := next(tctx, ec, msg)
			if err == nil && tctx.Err() != nil {
				return nil, tctx.Err()
			}
			return res, err
		}
	}
}

// RecoveryMiddleware converts handler panics into *PanicError.
func RecoveryMiddleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ec *ExecContext, msg *Message) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					res = nil
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, ec, msg)
		}
	}
}

// Chain composes middlewares around an invoker in order.
func Chain(h Invoker, mws ...Middleware) Invoker {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
