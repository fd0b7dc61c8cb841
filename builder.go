package xcqrs

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DefaultMaxCascadeDepth bounds event generations when no limit is set.
const DefaultMaxCascadeDepth = 64

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	registry     *Registry
	beginner     TxBeginner
	outbox       Outbox
	outboxFilter OutboxFilter

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	providers   map[TypeID]provider

	maxDepth       int
	maxEvents      int
	handlerTimeout time.Duration
	backtrace      bool

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName: "json",
		maxDepth:  DefaultMaxCascadeDepth,
	}
}

func (bb *BusBuilder) WithRegistry(r *Registry) *BusBuilder {
	bb.registry = r
	return bb
}

// WithPersistence sets a collaborator that both opens transactions and owns
// the outbox.
func (bb *BusBuilder) WithPersistence(p Persistence) *BusBuilder {
	bb.beginner = p
	bb.outbox = p
	return bb
}

func (bb *BusBuilder) WithTxBeginner(t TxBeginner) *BusBuilder {
	bb.beginner = t
	return bb
}

func (bb *BusBuilder) WithOutbox(o Outbox) *BusBuilder {
	bb.outbox = o
	return bb
}

// WithOutboxFilter replaces ExternalOnly as the outbox selection rule.
func (bb *BusBuilder) WithOutboxFilter(f OutboxFilter) *BusBuilder {
	bb.outboxFilter = f
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool delivers records asynchronously on workers goroutines.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithMaxCascadeDepth sets the deepest event generation processed. The
// command is generation 0.
func (bb *BusBuilder) WithMaxCascadeDepth(n int) *BusBuilder {
	if n > 0 {
		bb.maxDepth = n
	}
	return bb
}

// WithMaxCascadeEvents caps the events one Unit of Work may process.
// Zero disables the cap.
func (bb *BusBuilder) WithMaxCascadeEvents(n int) *BusBuilder {
	if n >= 0 {
		bb.maxEvents = n
	}
	return bb
}

func (bb *BusBuilder) WithHandlerTimeout(d time.Duration) *BusBuilder {
	if d >= 0 {
		bb.handlerTimeout = d
	}
	return bb
}

// WithBacktrace captures a stack trace on every handler failure.
func (bb *BusBuilder) WithBacktrace(enabled bool) *BusBuilder {
	bb.backtrace = enabled
	return bb
}

// Build validates the configuration, seals the registry and returns the Bus.
func (bb *BusBuilder) Build() (*Bus, error) {
	if bb.registry == nil {
		return nil, ErrNoRegistry
	}
	if bb.outbox != nil && bb.beginner == nil {
		return nil, ErrNoTransaction
	}

	var cd Codec
	var err error
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	var clk xclock.Clock
	if bb.clock != nil {
		clk = bb.clock
	} else {
		clk = xclock.Default()
	}
	var lg *xlog.Logger
	if bb.logger != nil {
		lg = bb.logger
	} else {
		lg = xlog.Default()
	}
	filter := bb.outboxFilter
	if filter == nil {
		filter = ExternalOnly
	}

	// Recovery always wraps the handler itself; the timeout, when set,
	// is the outermost concern.
	mws := make([]Middleware, 0, len(bb.middlewares)+1)
	if bb.handlerTimeout > 0 {
		mws = append(mws, TimeoutMiddleware(bb.handlerTimeout))
	}
	mws = append(mws, bb.middlewares...)
	pipeline := Chain(RecoveryMiddleware()(runHandler), mws...)

	bb.registry.Seal()

	b := &Bus{
		registry:     bb.registry,
		beginner:     bb.beginner,
		outbox:       bb.outbox,
		outboxFilter: filter,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		pipeline:     pipeline,
		providers:    bb.providers,
		maxDepth:     bb.maxDepth,
		maxEvents:    bb.maxEvents,
		backtrace:    bb.backtrace,
		metrics:      &busMetrics{},
	}
	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && lg != nil {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
