package xcqrs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a dispatch can surface.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindHandlerNotFound
	KindDuplicateCommandHandler
	KindTypeMismatch
	KindHandlerExecution
	KindRecursionLimitExceeded
	KindTransaction
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandlerNotFound:
		return "HandlerNotFound"
	case KindDuplicateCommandHandler:
		return "DuplicateCommandHandler"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindHandlerExecution:
		return "HandlerExecutionError"
	case KindRecursionLimitExceeded:
		return "RecursionLimitExceeded"
	case KindTransaction:
		return "TransactionError"
	default:
		return "Unknown"
	}
}

// Severity orders error kinds for alerting.
type Severity uint8

const (
	SeverityError Severity = iota + 1
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "error"
}

// Kind sentinels. A *DispatchError matches its kind sentinel via errors.Is.
var (
	ErrHandlerNotFound         = errors.New("xcqrs: handler not found")
	ErrDuplicateCommandHandler = errors.New("xcqrs: duplicate command handler")
	ErrTypeMismatch            = errors.New("xcqrs: payload type mismatch")
	ErrHandlerExecution        = errors.New("xcqrs: handler execution failed")
	ErrRecursionLimitExceeded  = errors.New("xcqrs: cascade recursion limit exceeded")
	ErrTransaction             = errors.New("xcqrs: transaction failed")
)

var (
	ErrBusClosed                   = errors.New("xcqrs: bus is closed")
	ErrInvalidPayload              = errors.New("xcqrs: payload must not be nil")
	ErrRegistrySealed              = errors.New("xcqrs: registry is sealed")
	ErrUnitOfWorkClosed            = errors.New("xcqrs: unit of work does not accept events in its current state")
	ErrInterfaceType               = errors.New("xcqrs: handlers must be registered for concrete types")
	ErrNilHandler                  = errors.New("xcqrs: handler must not be nil")
	ErrNoRegistry                  = errors.New("xcqrs: no registry configured")
	ErrNoTransaction               = errors.New("xcqrs: no transaction beginner configured")
	ErrDependencyNotProvided       = errors.New("xcqrs: dependency not provided")
	ErrObserverPoolShutdownTimeout = errors.New("xcqrs: observer pool shutdown timeout")
)

// ErrStopPropagation, returned by an event handler, skips the remaining
// handlers of the current event. It is not a failure.
var ErrStopPropagation = errors.New("xcqrs: stop propagation")

func (k ErrorKind) sentinel() error {
	switch k {
	case KindHandlerNotFound:
		return ErrHandlerNotFound
	case KindDuplicateCommandHandler:
		return ErrDuplicateCommandHandler
	case KindTypeMismatch:
		return ErrTypeMismatch
	case KindHandlerExecution:
		return ErrHandlerExecution
	case KindRecursionLimitExceeded:
		return ErrRecursionLimitExceeded
	case KindTransaction:
		return ErrTransaction
	default:
		return nil
	}
}

// DispatchError is the single error value surfaced by a failed dispatch.
type DispatchError struct {
	Kind          ErrorKind
	MessageType   TypeID
	MessageKind   Kind
	Handler       string
	CorrelationID string
	Err           error
	// Stack is populated for handler failures when backtrace capture is
	// enabled, and always for recovered panics.
	Stack []byte
}

func (e *DispatchError) Error() string {
	msg := "xcqrs: " + e.Kind.String()
	if !e.MessageType.IsZero() {
		msg += " [" + e.MessageKind.String() + " " + e.MessageType.String() + "]"
	}
	if e.Handler != "" {
		msg += " handler=" + e.Handler
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *DispatchError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *DispatchError) Severity() Severity {
	if e.Kind == KindTransaction {
		return SeverityCritical
	}
	return SeverityError
}

// KindOf returns the dispatch error kind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// PanicError is the cause recorded when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", p.Value) }

// stopSignal carries an optional replacement event for StopWith.
type stopSignal struct {
	replacement any
}

func (s *stopSignal) Error() string        { return ErrStopPropagation.Error() }
func (s *stopSignal) Is(target error) bool { return target == ErrStopPropagation }

// StopWith stops propagation of the current event and enqueues payload as a
// new event in its place.
func StopWith(payload any) error {
	return &stopSignal{replacement: payload}
}

func stopReplacement(err error) (any, bool) {
	var s *stopSignal
	if errors.As(err, &s) && s.replacement != nil {
		return s.replacement, true
	}
	return nil, false
}
