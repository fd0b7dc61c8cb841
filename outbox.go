package xcqrs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// OutboxEntry is the persisted form of a processed event.
type OutboxEntry struct {
	ID            string // time-ordered (UUIDv7)
	MessageID     string
	CorrelationID string
	CausationID   string
	Topic         string
	AggregateID   string
	AggregateName string
	Codec         string
	Payload       []byte
	Metadata      map[string]string
	TraceID       string
	CreatedAt     time.Time
}

// OutboxFilter decides whether a processed event is written to the outbox.
type OutboxFilter func(msg *Message) bool

// AggregateRef is implemented by event payloads that belong to an aggregate.
type AggregateRef interface {
	AggregateID() string
	AggregateName() string
}

// internalEvent is implemented by payloads that never leave the process.
type internalEvent interface {
	Internal() bool
}

// ExternalOnly is the default filter: it drops payloads whose Internal
// method reports true.
func ExternalOnly(msg *Message) bool {
	if ie, ok := msg.Payload().(internalEvent); ok && ie.Internal() {
		return false
	}
	return true
}

// AllEvents keeps every processed event.
func AllEvents(*Message) bool { return true }

func (b *Bus) outboxEntries(ctx context.Context, events []*Message) ([]OutboxEntry, error) {
	if b.outbox == nil || len(events) == 0 {
		return nil, nil
	}
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	now := b.clock.Now()
	entries := make([]OutboxEntry, 0, len(events))
	for _, msg := range events {
		if !b.outboxFilter(msg) {
			continue
		}
		data, err := b.codec.Marshal(msg.Payload())
		if err != nil {
			return nil, entryError(msg, fmt.Errorf("encode outbox payload with %s codec: %w", b.codec.Name(), err))
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, entryError(msg, fmt.Errorf("outbox entry id: %w", err))
		}
		e := OutboxEntry{
			ID:            id.String(),
			MessageID:     msg.ID(),
			CorrelationID: msg.CorrelationID(),
			CausationID:   msg.CausationID(),
			Topic:         msg.Type().Name(),
			Codec:         b.codec.Name(),
			Payload:       data,
			Metadata:      msg.Metadata(),
			TraceID:       traceID,
			CreatedAt:     now,
		}
		if ar, ok := msg.Payload().(AggregateRef); ok {
			e.AggregateID = ar.AggregateID()
			e.AggregateName = ar.AggregateName()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// entryError reports a processed event that cannot be turned into an
// outbox entry. Nothing has been written yet, so it is not a transaction
// failure.
func entryError(msg *Message, cause error) *DispatchError {
	return &DispatchError{
		Kind:          KindHandlerExecution,
		MessageType:   msg.Type(),
		MessageKind:   msg.Kind(),
		CorrelationID: msg.CorrelationID(),
		Err:           cause,
	}
}
