package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xcqrs"
)

var ErrPublisherClosed = errors.New("redisstream: publisher is closed")

// Publisher writes outbox entries to Redis Streams.
type Publisher struct {
	cfg        Config
	client     *redis.Client
	ownsClient bool

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *publisherMetrics
}

type publisherMetrics struct {
	published     atomic.Uint64
	publishErrors atomic.Uint64
}

// Stats is publisher telemetry.
type Stats struct {
	Published     uint64
	PublishErrors uint64
}

// NewPublisher dials Redis and verifies the connection with PING.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client, cfg); err != nil {
		_ = client.Close()
		return nil, err
	}

	p := NewPublisherWithClient(client, cfg)
	p.ownsClient = true
	return p, nil
}

// NewPublisherWithClient wraps an existing client. The caller keeps
// ownership of client.
func NewPublisherWithClient(client *redis.Client, cfg Config) *Publisher {
	return &Publisher{
		cfg:     cfg.withDefaults(),
		client:  client,
		metrics: &publisherMetrics{},
	}
}

// Publish appends entries using XADD (pipelined for batch efficiency).
func (p *Publisher) Publish(ctx context.Context, entries ...xcqrs.OutboxEntry) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if len(entries) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()

	for i := range entries {
		e := &entries[i]
		vals := make(map[string]any, 10+len(e.Metadata))

		vals[fieldID] = e.ID
		vals[fieldMessageID] = e.MessageID
		vals[fieldName] = e.Topic
		// raw payload bytes (binary-safe, no base64 encoding overhead)
		vals[fieldPayload] = e.Payload
		vals[fieldProducedAt] = e.CreatedAt.UnixNano()
		vals[fieldCodec] = e.Codec
		vals[fieldCorrelationID] = e.CorrelationID
		if e.CausationID != "" {
			vals[fieldCausationID] = e.CausationID
		}
		if e.AggregateID != "" {
			vals[fieldAggregateID] = e.AggregateID
			vals[fieldAggregateName] = e.AggregateName
		}
		if e.TraceID != "" {
			vals[fieldTraceID] = e.TraceID
		}
		for k, v := range e.Metadata {
			vals[fieldMetaPrefix+k] = v
		}

		args := &redis.XAddArgs{
			Stream: p.cfg.StreamFor(e.Topic),
			ID:     "*",
			Values: vals,
		}

		// Approximate trimming to keep stream bounded
		if p.cfg.MaxLenApprox > 0 {
			args.MaxLen = p.cfg.MaxLenApprox
			args.Approx = true
		}

		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		p.metrics.publishErrors.Add(uint64(len(entries)))
		return fmt.Errorf("redisstream: xadd: %w", err)
	}

	p.metrics.published.Add(uint64(len(entries)))
	return nil
}

// Read returns up to count entries from stream, oldest first.
func (p *Publisher) Read(ctx context.Context, stream string, count int64) ([]xcqrs.OutboxEntry, error) {
	msgs, err := p.client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]xcqrs.OutboxEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeEntry(m.Values))
	}
	return out, nil
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Published:     p.metrics.published.Load(),
		PublishErrors: p.metrics.publishErrors.Load(),
	}
}

// Close releases the client when the publisher created it.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.ownsClient {
			err = p.client.Close()
		}
	})
	return err
}

func ping(c *redis.Client, cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
