package xcqrs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers records to observers on background workers so slow
// observers never block a dispatch. Records are dropped when the buffer is
// full.
type ObserverPool struct {
	recordCh  chan *Record
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification.
// workers: number of concurrent dispatch goroutines (4-16 for typical use)
// bufferSize: capacity of the record channel (1000-5000 for burst resilience)
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		recordCh: make(chan *Record, bufferSize),
		workers:  workers,
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues a record for asynchronous delivery. Never blocks.
func (op *ObserverPool) Notify(r Record, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	r.observers = make([]Observer, len(observers))
	copy(r.observers, observers)

	select {
	case op.recordCh <- &r:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case r := <-op.recordCh:
					if r != nil {
						op.deliver(r)
					}
				default:
					return
				}
			}
		case r := <-op.recordCh:
			if r != nil {
				op.deliver(r)
			}
		}
	}
}

func (op *ObserverPool) deliver(r *Record) {
	for _, obs := range r.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					op.panics.Add(1)
				}
			}()
			obs.OnRecord(*r)
		}()
	}
	op.processed.Add(1)
}

// Close stops the workers after draining queued records, waiting at most
// timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.recordCh),
		Workers:      op.workers,
		BufferSize:   cap(op.recordCh),
	}
}
