package xcqrs

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// CommandHandlerFunc handles a command of concrete type C and returns the
// command result.
type CommandHandlerFunc[C any] func(ctx context.Context, ec *ExecContext, cmd C) (any, error)

// EventHandlerFunc handles an event of concrete type E.
type EventHandlerFunc[E any] func(ctx context.Context, ec *ExecContext, evt E) error

// Handler is a registered, type-erased handler.
type Handler struct {
	Name   string
	Type   TypeID
	Kind   Kind
	invoke Invoker
}

// Registry maps payload type identities to handlers. Exactly one handler per
// command type; zero or more ordered handlers per event type. Registration
// happens during initialisation; once sealed the registry is read-only.
type Registry struct {
	mu       sync.RWMutex
	commands map[TypeID]Handler
	events   map[TypeID][]Handler
	sealed   atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[TypeID]Handler),
		events:   make(map[TypeID][]Handler),
	}
}

// RegisterCommand binds h as the single handler for command type C.
func RegisterCommand[C any](r *Registry, h CommandHandlerFunc[C]) error {
	return RegisterCommandNamed(r, funcName(h), h)
}

// RegisterCommandNamed is RegisterCommand with an explicit handler name.
func RegisterCommandNamed[C any](r *Registry, name string, h CommandHandlerFunc[C]) error {
	if h == nil {
		return ErrNilHandler
	}
	id := TypeOf[C]()
	if id.rt.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %s", ErrInterfaceType, id)
	}
	return r.addCommand(Handler{
		Name: name,
		Type: id,
		Kind: KindCommand,
		invoke: func(ctx context.Context, ec *ExecContext, msg *Message) (any, error) {
			cmd, ok := msg.Payload().(C)
			if !ok {
				return nil, mismatch(id, msg)
			}
			return h(ctx, ec, cmd)
		},
	})
}

// RegisterEvent appends h to the handlers of event type E.
func RegisterEvent[E any](r *Registry, h EventHandlerFunc[E]) error {
	return RegisterEventNamed(r, funcName(h), h)
}

// RegisterEventNamed is RegisterEvent with an explicit handler name.
func RegisterEventNamed[E any](r *Registry, name string, h EventHandlerFunc[E]) error {
	if h == nil {
		return ErrNilHandler
	}
	id := TypeOf[E]()
	if id.rt.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %s", ErrInterfaceType, id)
	}
	return r.addEvent(Handler{
		Name: name,
		Type: id,
		Kind: KindEvent,
		invoke: func(ctx context.Context, ec *ExecContext, msg *Message) (any, error) {
			evt, ok := msg.Payload().(E)
			if !ok {
				return nil, mismatch(id, msg)
			}
			return nil, h(ctx, ec, evt)
		},
	})
}

// MustRegisterCommand panics on registration errors. Intended for wiring
// code that runs at start-up.
func MustRegisterCommand[C any](r *Registry, h CommandHandlerFunc[C]) {
	if err := RegisterCommand(r, h); err != nil {
		panic(err)
	}
}

func MustRegisterEvent[E any](r *Registry, h EventHandlerFunc[E]) {
	if err := RegisterEvent(r, h); err != nil {
		panic(err)
	}
}

func (r *Registry) addCommand(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if prev, ok := r.commands[h.Type]; ok {
		return &DispatchError{
			Kind:        KindDuplicateCommandHandler,
			MessageType: h.Type,
			MessageKind: KindCommand,
			Handler:     h.Name,
			Err:         fmt.Errorf("already handled by %s", prev.Name),
		}
	}
	r.commands[h.Type] = h
	return nil
}

func (r *Registry) addEvent(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	r.events[h.Type] = append(r.events[h.Type], h)
	return nil
}

// ResolveCommand returns the handler for a command type.
func (r *Registry) ResolveCommand(id TypeID) (Handler, error) {
	r.mu.RLock()
	h, ok := r.commands[id]
	r.mu.RUnlock()
	if !ok {
		return Handler{}, &DispatchError{
			Kind:        KindHandlerNotFound,
			MessageType: id,
			MessageKind: KindCommand,
		}
	}
	return h, nil
}

// ResolveEvents returns the handlers of an event type in registration order.
// An empty result is a valid leaf.
func (r *Registry) ResolveEvents(id TypeID) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.events[id]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// Seal makes the registry read-only. Called by the bus builder. It waits
// for in-flight registrations; none is accepted afterwards.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Len reports the number of command types and event handlers registered.
func (r *Registry) Len() (commands, eventHandlers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hs := range r.events {
		eventHandlers += len(hs)
	}
	return len(r.commands), eventHandlers
}

func mismatch(want TypeID, msg *Message) error {
	return &DispatchError{
		Kind:          KindTypeMismatch,
		MessageType:   msg.Type(),
		MessageKind:   msg.Kind(),
		CorrelationID: msg.CorrelationID(),
		Err:           fmt.Errorf("handler expects %s, got %s", want, msg.Type()),
	}
}

func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "anonymous"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
