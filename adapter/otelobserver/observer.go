// Package otelobserver turns xcqrs dispatch records into OpenTelemetry
// spans: one root span per unit of work and a child span per handler.
package otelobserver

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trickstertwo/xcqrs"
)

const instrumentationName = "github.com/trickstertwo/xcqrs"

// Observer implements xcqrs.Observer. Span start and end times come from
// the records, so it works behind an asynchronous observer pool.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	units map[string]*unit
}

type unit struct {
	ctx     context.Context
	root    trace.Span
	handler trace.Span
}

var _ xcqrs.Observer = (*Observer)(nil)

// New uses tp, or the global provider when tp is nil.
func New(tp trace.TracerProvider) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{
		tracer: tp.Tracer(instrumentationName),
		units:  make(map[string]*unit),
	}
}

func (o *Observer) OnRecord(r xcqrs.Record) {
	switch r.Type {
	case xcqrs.RecordDispatchStart:
		parent := r.Ctx
		if parent == nil {
			parent = context.Background()
		}
		ctx, span := o.tracer.Start(parent, "xcqrs.dispatch "+r.MessageType.Name(),
			trace.WithTimestamp(r.At),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("xcqrs.uow_id", r.UnitOfWorkID),
				attribute.String("xcqrs.correlation_id", r.CorrelationID),
				attribute.String("xcqrs.command", r.MessageType.String()),
				attribute.String("xcqrs.message_id", r.MessageID),
			))
		o.mu.Lock()
		o.units[r.UnitOfWorkID] = &unit{ctx: ctx, root: span}
		o.mu.Unlock()

	case xcqrs.RecordHandlerStart:
		u := o.lookup(r.UnitOfWorkID)
		if u == nil {
			return
		}
		_, span := o.tracer.Start(u.ctx, "xcqrs.handle "+r.MessageType.Name(),
			trace.WithTimestamp(r.At),
			trace.WithAttributes(
				attribute.String("xcqrs.handler", r.Handler),
				attribute.String("xcqrs.message_kind", r.MessageKind.String()),
				attribute.String("xcqrs.message_type", r.MessageType.String()),
				attribute.String("xcqrs.message_id", r.MessageID),
				attribute.Int("xcqrs.depth", r.Depth),
			))
		o.mu.Lock()
		u.handler = span
		o.mu.Unlock()

	case xcqrs.RecordHandlerDone:
		u := o.lookup(r.UnitOfWorkID)
		if u == nil {
			return
		}
		o.mu.Lock()
		span := u.handler
		u.handler = nil
		o.mu.Unlock()
		if span == nil {
			return
		}
		if r.Err != nil {
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, r.Err.Error())
		}
		span.End(trace.WithTimestamp(r.At))

	case xcqrs.RecordCommitted, xcqrs.RecordRolledBack:
		o.mu.Lock()
		u := o.units[r.UnitOfWorkID]
		delete(o.units, r.UnitOfWorkID)
		o.mu.Unlock()
		if u == nil {
			return
		}
		u.root.SetAttributes(
			attribute.String("xcqrs.state", r.State.String()),
			attribute.Int("xcqrs.events", r.Events),
		)
		if r.Err != nil {
			u.root.RecordError(r.Err)
			u.root.SetAttributes(attribute.String("xcqrs.error_kind", xcqrs.KindOf(r.Err).String()))
			u.root.SetStatus(codes.Error, r.Err.Error())
		} else {
			u.root.SetStatus(codes.Ok, "")
		}
		u.root.End(trace.WithTimestamp(r.At))
	}
}

// Active reports the number of units of work with an open root span.
func (o *Observer) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.units)
}

func (o *Observer) lookup(id string) *unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.units[id]
}
