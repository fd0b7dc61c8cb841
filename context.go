package xcqrs

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ExecContext is the per-dispatch carrier handed to every handler of one
// Unit of Work. The same instance is shared by the command handler and all
// event handlers of the cascade; Message and Depth reflect the handler
// currently running.
type ExecContext struct {
	bus     *Bus
	uow     *UnitOfWork
	corrID  string
	current *Message
	depth   int
	handler string
	fn      Invoker
	deps    map[TypeID]any
}

func newExecContext(b *Bus, uow *UnitOfWork, cmd *Message) *ExecContext {
	return &ExecContext{
		bus:     b,
		uow:     uow,
		corrID:  cmd.CorrelationID(),
		current: cmd,
	}
}

func (ec *ExecContext) CorrelationID() string   { return ec.corrID }
func (ec *ExecContext) UnitOfWorkID() string    { return ec.uow.ID() }
func (ec *ExecContext) UnitOfWork() *UnitOfWork { return ec.uow }
func (ec *ExecContext) Message() *Message       { return ec.current }

// Depth is the cascade generation of the current message: 0 for the
// command, 1 for events it raised, and so on.
func (ec *ExecContext) Depth() int { return ec.depth }

// HandlerName names the handler currently running.
func (ec *ExecContext) HandlerName() string { return ec.handler }

func (ec *ExecContext) Logger() *xlog.Logger { return ec.bus.logger }
func (ec *ExecContext) Clock() xclock.Clock  { return ec.bus.clock }

// Tx returns the Unit of Work transaction, beginning it on first use.
func (ec *ExecContext) Tx(ctx context.Context) (Tx, error) {
	return ec.uow.Transaction(ctx)
}

// Raise enqueues payload as an event caused by the current message. It
// inherits the dispatch correlation id and is processed after every event
// already queued.
func (ec *ExecContext) Raise(payload any, opts ...MessageOption) error {
	return ec.raise(payload, ec.current, ec.depth+1, opts...)
}

func (ec *ExecContext) raise(payload any, cause *Message, depth int, opts ...MessageOption) error {
	msg, err := newMessage(KindEvent, payload, ec.bus.clock.Now(), opts...)
	if err != nil {
		return err
	}
	msg.correlationID = ec.corrID
	if cause != nil {
		msg.causationID = cause.ID()
	}
	return ec.uow.enqueue(msg, depth)
}

type provider func(ctx context.Context, ec *ExecContext) (any, error)

// Provide registers a factory for a dependency of type T. The factory runs
// at most once per Unit of Work, on first Use.
func Provide[T any](bb *BusBuilder, factory func(ctx context.Context, ec *ExecContext) (T, error)) *BusBuilder {
	if factory == nil {
		return bb
	}
	if bb.providers == nil {
		bb.providers = make(map[TypeID]provider)
	}
	bb.providers[TypeOf[T]()] = func(ctx context.Context, ec *ExecContext) (any, error) {
		return factory(ctx, ec)
	}
	return bb
}

// Use returns the dependency of type T for the current Unit of Work.
func Use[T any](ctx context.Context, ec *ExecContext) (T, error) {
	var zero T
	id := TypeOf[T]()
	if v, ok := ec.deps[id]; ok {
		t, _ := v.(T)
		return t, nil
	}
	p, ok := ec.bus.providers[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrDependencyNotProvided, id)
	}
	v, err := p(ctx, ec)
	if err != nil {
		return zero, err
	}
	if ec.deps == nil {
		ec.deps = make(map[TypeID]any)
	}
	ec.deps[id] = v
	t, _ := v.(T)
	return t, nil
}

// ctxKey is the base for all context keys in xcqrs (prevents collisions).
type ctxKey string

const (
	codecCtxKey  ctxKey = "xcqrs:codec"
	loggerCtxKey ctxKey = "xcqrs:logger"
	clockCtxKey  ctxKey = "xcqrs:clock"
)

// injectCodec attaches the active Codec into context for downstream handlers.
func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
