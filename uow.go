package xcqrs

import (
	"context"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Unit of Work.
type State uint8

const (
	StateIdle State = iota
	StateCommandRunning
	StateDrainingEvents
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCommandRunning:
		return "command_running"
	case StateDrainingEvents:
		return "draining_events"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Committed or RolledBack.
func (s State) Terminal() bool { return s == StateCommitted || s == StateRolledBack }

type pending struct {
	msg   *Message
	depth int
}

// UnitOfWork is the atomic scope of one top-level dispatch. It owns the
// pending event queue and the lazily acquired transaction. It is confined
// to the dispatching goroutine.
type UnitOfWork struct {
	id        string
	ctx       context.Context
	beginner  TxBeginner
	state     State
	tx        Tx
	txDone    bool
	queue     []pending
	head      int
	processed []*Message
}

func newUnitOfWork(ctx context.Context, beginner TxBeginner) *UnitOfWork {
	return &UnitOfWork{
		id:       uuid.NewString(),
		ctx:      ctx,
		beginner: beginner,
		state:    StateIdle,
	}
}

func (u *UnitOfWork) ID() string   { return u.id }
func (u *UnitOfWork) State() State { return u.state }

// Pending returns the number of queued, not yet processed events.
func (u *UnitOfWork) Pending() int { return len(u.queue) - u.head }

// Processed returns the events drained so far, in drain order.
func (u *UnitOfWork) Processed() []*Message {
	out := make([]*Message, len(u.processed))
	copy(out, u.processed)
	return out
}

// Transaction returns the active transaction, beginning it on first use.
// Every later call within the same Unit of Work returns the same handle.
// The transaction is bound to the dispatch context, not to ctx, so it
// outlives the handler that happened to open it.
func (u *UnitOfWork) Transaction(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if u.tx != nil {
		return u.tx, nil
	}
	if u.state.Terminal() || u.state == StateIdle {
		return nil, ErrUnitOfWorkClosed
	}
	if u.beginner == nil {
		return nil, ErrNoTransaction
	}
	if err := u.ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := u.beginner.Begin(u.ctx)
	if err != nil {
		return nil, &DispatchError{Kind: KindTransaction, Err: err}
	}
	u.tx = tx
	return tx, nil
}

func (u *UnitOfWork) enqueue(msg *Message, depth int) error {
	if u.state != StateCommandRunning && u.state != StateDrainingEvents {
		return ErrUnitOfWorkClosed
	}
	u.queue = append(u.queue, pending{msg: msg, depth: depth})
	return nil
}

func (u *UnitOfWork) next() (pending, bool) {
	if u.head >= len(u.queue) {
		return pending{}, false
	}
	p := u.queue[u.head]
	u.queue[u.head] = pending{}
	u.head++
	return p, true
}

// commit appends outbox entries and commits in the same transaction. A
// Unit of Work that never touched persistence and has nothing to append
// commits without a transaction.
func (u *UnitOfWork) commit(ctx context.Context, outbox Outbox, entries []OutboxEntry) error {
	u.state = StateCommitting
	if outbox != nil && len(entries) > 0 {
		tx, err := u.Transaction(ctx)
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, tx, entries...); err != nil {
			return &DispatchError{Kind: KindTransaction, Err: err}
		}
	}
	if u.tx != nil {
		u.txDone = true
		if err := u.tx.Commit(ctx); err != nil {
			return &DispatchError{Kind: KindTransaction, Err: err}
		}
	}
	u.state = StateCommitted
	return nil
}

// rollback discards queued events and aborts the transaction if one is
// still open. It runs even when ctx is already cancelled.
func (u *UnitOfWork) rollback(ctx context.Context) error {
	u.state = StateRolledBack
	u.queue = nil
	u.head = 0
	if u.tx == nil || u.txDone {
		return nil
	}
	u.txDone = true
	return u.tx.Rollback(context.WithoutCancel(ctx))
}
