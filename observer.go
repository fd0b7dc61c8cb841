package xcqrs

import (
	"context"
	"time"

	"github.com/trickstertwo/xlog"
)

// RecordType enumerates dispatch lifecycle records for the Observer pattern.
type RecordType string

const (
	RecordDispatchStart RecordType = "dispatch_start"
	RecordHandlerStart  RecordType = "handler_start"
	RecordHandlerDone   RecordType = "handler_done"
	RecordCommitted     RecordType = "committed"
	RecordRolledBack    RecordType = "rolled_back"
)

// Record carries telemetry for observers.
type Record struct {
	Type          RecordType
	At            time.Time
	Ctx           context.Context
	UnitOfWorkID  string
	CorrelationID string
	MessageID     string
	MessageKind   Kind
	MessageType   TypeID
	Handler       string
	Depth         int
	Duration      time.Duration
	State         State
	Err           error
	// Events is the number of processed events on terminal records.
	Events int

	// Internal: attached for async dispatch
	observers []Observer
}

// Terminal reports whether the record closes a Unit of Work.
func (r Record) Terminal() bool {
	return r.Type == RecordCommitted || r.Type == RecordRolledBack
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(r Record)

func (f ObserverFunc) OnRecord(r Record) { f(r) }

// LoggingObserver is an Adapter that emits dispatch records via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnRecord(r Record) {
	if o.Logger == nil {
		return
	}
	switch r.Type {
	case RecordRolledBack:
		o.Logger.Warn().
			Err(r.Err).
			Str("uow_id", r.UnitOfWorkID).
			Str("correlation_id", r.CorrelationID).
			Str("message_type", r.MessageType.String()).
			Dur("duration", r.Duration).
			Msg("xcqrs: unit of work rolled back")
	case RecordHandlerDone:
		if r.Err != nil {
			o.Logger.Warn().
				Err(r.Err).
				Str("correlation_id", r.CorrelationID).
				Str("message_type", r.MessageType.String()).
				Str("handler", r.Handler).
				Dur("duration", r.Duration).
				Msg("xcqrs: handler failed")
			return
		}
		o.Logger.Debug().
			Str("correlation_id", r.CorrelationID).
			Str("message_type", r.MessageType.String()).
			Str("handler", r.Handler).
			Dur("duration", r.Duration).
			Msg("xcqrs: handler done")
	case RecordCommitted:
		o.Logger.Debug().
			Str("uow_id", r.UnitOfWorkID).
			Str("correlation_id", r.CorrelationID).
			Str("message_type", r.MessageType.String()).
			Dur("duration", r.Duration).
			Msg("xcqrs: unit of work committed")
	default:
		o.Logger.Debug().
			Str("type", string(r.Type)).
			Str("correlation_id", r.CorrelationID).
			Str("message_type", r.MessageType.String()).
			Msg("xcqrs: record")
	}
}
