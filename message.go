package xcqrs

import (
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// TypeID is the stable identity of a concrete payload type. It keys the
// registry and validates payload downcasts at the dispatch boundary.
type TypeID struct {
	rt reflect.Type
}

// TypeOf returns the identity of T.
func TypeOf[T any]() TypeID {
	return TypeID{rt: reflect.TypeFor[T]()}
}

// TypeIDOf returns the identity of the dynamic type of v.
func TypeIDOf(v any) TypeID {
	if v == nil {
		return TypeID{}
	}
	return TypeID{rt: reflect.TypeOf(v)}
}

func (id TypeID) IsZero() bool { return id.rt == nil }

// String returns the package-qualified type name, e.g. "orders.PlaceOrder".
func (id TypeID) String() string {
	if id.rt == nil {
		return "<nil>"
	}
	return id.rt.String()
}

// Name returns the bare type name without package or pointer prefix.
// It is used as the outbox topic.
func (id TypeID) Name() string {
	if id.rt == nil {
		return ""
	}
	rt := id.rt
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if n := rt.Name(); n != "" {
		return n
	}
	s := rt.String()
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Kind distinguishes commands from events.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Metadata keys set by the bus.
const (
	MetaOrigin = "origin"
)

// Message is the immutable envelope for a command or event payload.
// Commands are built by callers; events are only built by the bus when a
// handler raises them.
type Message struct {
	id            string
	kind          Kind
	typ           TypeID
	payload       any
	correlationID string
	causationID   string
	createdAt     time.Time
	metadata      map[string]string
}

// MessageOption customizes a message at construction time.
type MessageOption func(*Message)

// WithCorrelationID sets the correlation id of a command. Ignored for events,
// which always inherit the correlation id of their dispatch.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		if id != "" {
			m.correlationID = id
		}
	}
}

// WithMetadata attaches a header to the message.
func WithMetadata(key, value string) MessageOption {
	return func(m *Message) {
		if key == "" {
			return
		}
		if m.metadata == nil {
			m.metadata = make(map[string]string, 2)
		}
		m.metadata[key] = value
	}
}

// WithOrigin records who produced the message.
func WithOrigin(origin string) MessageOption {
	return WithMetadata(MetaOrigin, origin)
}

// NewCommand wraps payload as a command stamped with the default clock.
func NewCommand(payload any, opts ...MessageOption) (*Message, error) {
	return newMessage(KindCommand, payload, xclock.Default().Now(), opts...)
}

func newMessage(kind Kind, payload any, now time.Time, opts ...MessageOption) (*Message, error) {
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	m := &Message{
		id:        uuid.NewString(),
		kind:      kind,
		typ:       TypeIDOf(payload),
		payload:   payload,
		createdAt: now,
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.correlationID == "" {
		m.correlationID = uuid.NewString()
	}
	return m, nil
}

func (m *Message) ID() string            { return m.id }
func (m *Message) Kind() Kind            { return m.kind }
func (m *Message) Type() TypeID          { return m.typ }
func (m *Message) Payload() any          { return m.payload }
func (m *Message) CorrelationID() string { return m.correlationID }

// CausationID is the id of the message whose handler raised this event.
// Empty for commands.
func (m *Message) CausationID() string { return m.causationID }
func (m *Message) CreatedAt() time.Time { return m.createdAt }

// Meta returns a single header value.
func (m *Message) Meta(key string) string { return m.metadata[key] }

// Metadata returns a copy of the headers.
func (m *Message) Metadata() map[string]string {
	if len(m.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

func (m *Message) String() string {
	return m.kind.String() + " " + m.typ.String() + " (" + m.id + ")"
}
