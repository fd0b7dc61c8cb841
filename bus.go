package xcqrs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus resolves a command and the events it transitively raises inside one
// Unit of Work, and commits or rolls back the whole cascade.
type Bus struct {
	registry     *Registry
	beginner     TxBeginner
	outbox       Outbox
	outboxFilter OutboxFilter
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	pipeline     Invoker
	providers    map[TypeID]provider
	maxDepth     int
	maxEvents    int
	backtrace    bool
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	dispatched   atomic.Uint64
	committed    atomic.Uint64
	rolledBack   atomic.Uint64
	events       atomic.Uint64
	invocations  atomic.Uint64
	txErrors     atomic.Uint64
	dispatchTime atomic.Int64
}

// Codec returns the codec used for outbox payloads.
func (b *Bus) Codec() Codec { return b.codec }

// Registry returns the sealed handler registry.
func (b *Bus) Registry() *Registry { return b.registry }

// Submit wraps payload as a command and dispatches it.
func (b *Bus) Submit(ctx context.Context, payload any, opts ...MessageOption) (*Outcome, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	cmd, err := newMessage(KindCommand, payload, b.clock.Now(), opts...)
	if err != nil {
		return nil, err
	}
	return b.Dispatch(ctx, cmd)
}

// Dispatch runs cmd and its full event cascade in a new Unit of Work on the
// caller's goroutine. It returns exactly one of a committed Outcome or a
// *DispatchError after rollback.
func (b *Bus) Dispatch(ctx context.Context, cmd *Message) (*Outcome, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if cmd == nil || cmd.kind != KindCommand || cmd.payload == nil {
		return nil, ErrInvalidPayload
	}

	start := b.clock.Now()
	b.metrics.dispatched.Add(1)

	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)
	uow := newUnitOfWork(hctx, b.beginner)
	ec := newExecContext(b, uow, cmd)

	b.notify(Record{
		Type:          RecordDispatchStart,
		At:            start,
		Ctx:           hctx,
		UnitOfWorkID:  uow.ID(),
		CorrelationID: ec.CorrelationID(),
		MessageID:     cmd.ID(),
		MessageKind:   KindCommand,
		MessageType:   cmd.Type(),
		State:         uow.State(),
	})

	h, err := b.registry.ResolveCommand(cmd.Type())
	if err != nil {
		return nil, b.fail(hctx, ec, cmd, err, start)
	}

	uow.state = StateCommandRunning
	result, err := b.invoke(hctx, ec, h, cmd, 0)
	if err != nil {
		return nil, b.fail(hctx, ec, cmd, b.classify(err, h, cmd, ec), start)
	}

	uow.state = StateDrainingEvents
	if err := b.drain(hctx, ec); err != nil {
		return nil, b.fail(hctx, ec, cmd, err, start)
	}
	if err := hctx.Err(); err != nil {
		return nil, b.fail(hctx, ec, cmd, cancelError(ec, cmd, err), start)
	}

	entries, err := b.outboxEntries(hctx, uow.processed)
	if err != nil {
		return nil, b.fail(hctx, ec, cmd, err, start)
	}
	if err := uow.commit(hctx, b.outbox, entries); err != nil {
		// A commit that lost its context failed because of the caller.
		if cerr := hctx.Err(); cerr != nil {
			err = cancelError(ec, cmd, errors.Join(cerr, err))
		}
		return nil, b.fail(hctx, ec, cmd, err, start)
	}

	duration := b.clock.Since(start)
	b.recordDispatchTime(duration.Nanoseconds())
	b.metrics.committed.Add(1)
	b.metrics.events.Add(uint64(len(uow.processed)))

	b.notify(Record{
		Type:          RecordCommitted,
		At:            b.clock.Now(),
		Ctx:           hctx,
		UnitOfWorkID:  uow.ID(),
		CorrelationID: ec.CorrelationID(),
		MessageID:     cmd.ID(),
		MessageKind:   KindCommand,
		MessageType:   cmd.Type(),
		Duration:      duration,
		State:         StateCommitted,
		Events:        len(uow.processed),
	})

	return &Outcome{
		Result:        result,
		CommandID:     cmd.ID(),
		CorrelationID: ec.CorrelationID(),
		UnitOfWorkID:  uow.ID(),
		State:         StateCommitted,
		Events:        uow.Processed(),
		OutboxEntries: len(entries),
		Duration:      duration,
	}, nil
}

// drain processes queued events breadth-first until the queue is empty.
func (b *Bus) drain(ctx context.Context, ec *ExecContext) error {
	uow := ec.uow
	for {
		p, ok := uow.next()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return cancelError(ec, p.msg, err)
		}
		if p.depth > b.maxDepth {
			return b.limitError(ec, p.msg, fmt.Errorf("cascade depth %d exceeds maximum %d", p.depth, b.maxDepth))
		}
		if b.maxEvents > 0 && len(uow.processed) >= b.maxEvents {
			return b.limitError(ec, p.msg, fmt.Errorf("cascade exceeds %d events", b.maxEvents))
		}
		uow.processed = append(uow.processed, p.msg)

		for _, h := range b.registry.ResolveEvents(p.msg.Type()) {
			_, err := b.invoke(ctx, ec, h, p.msg, p.depth)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrStopPropagation) {
				if repl, ok := stopReplacement(err); ok {
					if err := ec.raise(repl, p.msg, p.depth+1); err != nil {
						return b.classify(err, h, p.msg, ec)
					}
				}
				break
			}
			return b.classify(err, h, p.msg, ec)
		}
	}
}

// invoke runs one handler through the middleware pipeline. Cancellation of
// ctx fails the handler before it starts.
func (b *Bus) invoke(ctx context.Context, ec *ExecContext, h Handler, msg *Message, depth int) (any, error) {
	ec.current = msg
	ec.depth = depth
	ec.handler = h.Name
	ec.fn = h.invoke
	b.metrics.invocations.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := b.clock.Now()
	b.notify(Record{
		Type:          RecordHandlerStart,
		At:            start,
		Ctx:           ctx,
		UnitOfWorkID:  ec.UnitOfWorkID(),
		CorrelationID: ec.CorrelationID(),
		MessageID:     msg.ID(),
		MessageKind:   msg.Kind(),
		MessageType:   msg.Type(),
		Handler:       h.Name,
		Depth:         depth,
		State:         ec.uow.State(),
	})

	res, err := b.pipeline(ctx, ec, msg)

	rerr := err
	if msg.Kind() == KindEvent && errors.Is(err, ErrStopPropagation) {
		rerr = nil
	}
	b.notify(Record{
		Type:          RecordHandlerDone,
		At:            b.clock.Now(),
		Ctx:           ctx,
		UnitOfWorkID:  ec.UnitOfWorkID(),
		CorrelationID: ec.CorrelationID(),
		MessageID:     msg.ID(),
		MessageKind:   msg.Kind(),
		MessageType:   msg.Type(),
		Handler:       h.Name,
		Depth:         depth,
		Duration:      b.clock.Since(start),
		State:         ec.uow.State(),
		Err:           rerr,
	})
	return res, err
}

// runHandler is the innermost invoker of the pipeline.
func runHandler(ctx context.Context, ec *ExecContext, msg *Message) (any, error) {
	return ec.fn(ctx, ec, msg)
}

// classify turns a handler error into the dispatch error surfaced to the
// caller, tagged with the handled message type.
func (b *Bus) classify(err error, h Handler, msg *Message, ec *ExecContext) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		out := *de
		if out.MessageType.IsZero() {
			out.MessageType = msg.Type()
			out.MessageKind = msg.Kind()
		}
		if out.Handler == "" {
			out.Handler = h.Name
		}
		if out.CorrelationID == "" {
			out.CorrelationID = ec.CorrelationID()
		}
		return &out
	}
	de = &DispatchError{
		Kind:          KindHandlerExecution,
		MessageType:   msg.Type(),
		MessageKind:   msg.Kind(),
		Handler:       h.Name,
		CorrelationID: ec.CorrelationID(),
		Err:           err,
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		de.Stack = pe.Stack
	} else if b.backtrace {
		de.Stack = debug.Stack()
	}
	return de
}

// cancelError reports a cancelled or expired dispatch context as a
// handler failure on msg.
func cancelError(ec *ExecContext, msg *Message, cause error) *DispatchError {
	return &DispatchError{
		Kind:          KindHandlerExecution,
		MessageType:   msg.Type(),
		MessageKind:   msg.Kind(),
		CorrelationID: ec.CorrelationID(),
		Err:           cause,
	}
}

func (b *Bus) limitError(ec *ExecContext, msg *Message, cause error) *DispatchError {
	return &DispatchError{
		Kind:          KindRecursionLimitExceeded,
		MessageType:   msg.Type(),
		MessageKind:   msg.Kind(),
		CorrelationID: ec.CorrelationID(),
		Err:           cause,
	}
}

// fail rolls the Unit of Work back and produces its single terminal error.
// A rollback failure escalates the error to a TransactionError.
func (b *Bus) fail(ctx context.Context, ec *ExecContext, cmd *Message, err error, start time.Time) error {
	var de *DispatchError
	if !errors.As(err, &de) {
		de = &DispatchError{Kind: KindHandlerExecution, Err: err}
	}
	if de.MessageType.IsZero() {
		de.MessageType = cmd.Type()
		de.MessageKind = cmd.Kind()
	}
	if de.CorrelationID == "" {
		de.CorrelationID = ec.CorrelationID()
	}

	if rbErr := ec.uow.rollback(ctx); rbErr != nil {
		de = &DispatchError{
			Kind:          KindTransaction,
			MessageType:   de.MessageType,
			MessageKind:   de.MessageKind,
			Handler:       de.Handler,
			CorrelationID: de.CorrelationID,
			Err:           errors.Join(de, rbErr),
			Stack:         de.Stack,
		}
	}

	duration := b.clock.Since(start)
	b.recordDispatchTime(duration.Nanoseconds())
	b.metrics.rolledBack.Add(1)
	if de.Kind == KindTransaction {
		b.metrics.txErrors.Add(1)
		b.logger.Error().
			Err(de).
			Str("uow_id", ec.UnitOfWorkID()).
			Str("correlation_id", de.CorrelationID).
			Msg("xcqrs: transaction failure")
	}

	b.notify(Record{
		Type:          RecordRolledBack,
		At:            b.clock.Now(),
		Ctx:           ctx,
		UnitOfWorkID:  ec.UnitOfWorkID(),
		CorrelationID: de.CorrelationID,
		MessageID:     cmd.ID(),
		MessageKind:   KindCommand,
		MessageType:   cmd.Type(),
		Handler:       de.Handler,
		Duration:      duration,
		State:         StateRolledBack,
		Err:           de,
		Events:        len(ec.uow.processed),
	})
	return de
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Dispatched:         b.metrics.dispatched.Load(),
		Committed:          b.metrics.committed.Load(),
		RolledBack:         b.metrics.rolledBack.Load(),
		EventsProcessed:    b.metrics.events.Load(),
		HandlerInvocations: b.metrics.invocations.Load(),
		TransactionErrors:  b.metrics.txErrors.Load(),
		AvgDispatchTimeMs:  float64(b.metrics.dispatchTime.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.RecordsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded if more than 5% of dispatches hit a transaction error.
	if metrics.TransactionErrors > 0 && metrics.Dispatched > 0 {
		rate := float64(metrics.TransactionErrors) / float64(metrics.Dispatched)
		if rate > 0.05 {
			status = "degraded"
			msg = "transaction error rate above 5%"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
		Message:   msg,
	}
}

// Close stops accepting dispatches and drains the observer pool. It is
// idempotent. Persistence collaborators are owned by the caller.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			timeout := 5 * time.Second
			if dl, ok := ctx.Deadline(); ok {
				timeout = time.Until(dl)
			}
			if err := b.observerPool.Close(timeout); err != nil {
				b.logger.Warn().Err(err).Msg("xcqrs: observer pool shutdown timeout")
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of non-comparable types,
// such as ObserverFunc, cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify delivers a record through the observer pool when one is
// configured, otherwise synchronously on the dispatching goroutine.
func (b *Bus) notify(r Record) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(r, observers)
		return
	}
	for _, o := range observers {
		b.deliver(o, r)
	}
}

func (b *Bus) deliver(o Observer, r Record) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Warn().Str("record", string(r.Type)).Msg("xcqrs: observer panic (recovered)")
		}
	}()
	o.OnRecord(r)
}

// recordDispatchTime records dispatch time using exponential moving average.
func (b *Bus) recordDispatchTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.dispatchTime.Load()
	if current == 0 {
		b.metrics.dispatchTime.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.dispatchTime.Store(newAvg)
}
