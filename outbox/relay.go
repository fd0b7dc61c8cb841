// Package outbox delivers committed outbox entries to an external
// publisher. A Relay polls its Source for pending entries, publishes them
// in batches and marks them processed, giving at-least-once delivery.
package outbox

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcqrs"
)

// Source is the committed side of an outbox.
type Source interface {
	Pending(ctx context.Context, limit int) ([]xcqrs.OutboxEntry, error)
	MarkProcessed(ctx context.Context, ids ...string) error
}

// Publisher sends entries out of the process.
type Publisher interface {
	Publish(ctx context.Context, entries ...xcqrs.OutboxEntry) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, entries ...xcqrs.OutboxEntry) error

func (f PublisherFunc) Publish(ctx context.Context, entries ...xcqrs.OutboxEntry) error {
	return f(ctx, entries...)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	Logger    *xlog.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Logger == nil {
		c.Logger = xlog.Default()
	}
	return c
}

// Relay moves entries from a Source to a Publisher.
type Relay struct {
	src     Source
	pub     Publisher
	cfg     Config
	running atomic.Bool

	published atomic.Uint64
	failures  atomic.Uint64
}

// Stats is relay telemetry.
type Stats struct {
	Published uint64
	Failures  uint64
}

var ErrRelayRunning = errors.New("outbox: relay already running")

func NewRelay(src Source, pub Publisher, cfg Config) *Relay {
	return &Relay{src: src, pub: pub, cfg: cfg.withDefaults()}
}

// Flush publishes pending entries batch by batch until none remain and
// returns how many were delivered. A publish failure stops the flush; the
// failed batch stays pending.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := r.src.Pending(ctx, r.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := r.pub.Publish(ctx, batch...); err != nil {
			r.failures.Add(1)
			return total, err
		}
		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		if err := r.src.MarkProcessed(ctx, ids...); err != nil {
			r.failures.Add(1)
			return total, err
		}
		total += len(batch)
		r.published.Add(uint64(len(batch)))
		if len(batch) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// Run flushes on every interval until ctx is done. Flush errors are
// logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrRelayRunning
	}
	defer r.running.Store(false)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.cfg.Logger.Warn().Err(err).Msg("xcqrs: outbox relay flush failed")
		} else if n > 0 {
			r.cfg.Logger.Debug().Str("published", strconv.Itoa(n)).Msg("xcqrs: outbox relay flushed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Failures:  r.failures.Load(),
	}
}
