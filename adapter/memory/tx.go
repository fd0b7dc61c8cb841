package memory

import (
	"context"
	"sync"

	"github.com/trickstertwo/xcqrs"
)

type write struct {
	value   any
	deleted bool
}

// Tx stages writes until Commit. Reads see the transaction's own writes
// first, then committed state.
type Tx struct {
	store  *Store
	mu     sync.Mutex
	writes map[string]write
	order  []string
	outbox []xcqrs.OutboxEntry
	done   bool
}

var _ xcqrs.Tx = (*Tx)(nil)

// TxFrom unwraps the memory transaction behind a handle returned by
// xcqrs.ExecContext.Tx.
func TxFrom(tx xcqrs.Tx) (*Tx, bool) {
	t, ok := tx.(*Tx)
	return t, ok
}

func (t *Tx) Put(key string, value any) error {
	return t.stage(key, write{value: value})
}

func (t *Tx) Delete(key string) error {
	return t.stage(key, write{deleted: true})
}

func (t *Tx) Get(key string) (any, bool) {
	t.mu.Lock()
	w, ok := t.writes[key]
	t.mu.Unlock()
	if ok {
		if w.deleted {
			return nil, false
		}
		return w.value, true
	}
	return t.store.Get(key)
}

func (t *Tx) stage(key string, w write) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	if _, seen := t.writes[key]; !seen {
		t.order = append(t.order, key)
	}
	t.writes[key] = w
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		t.store.metrics.rolledBack.Add(1)
		return err
	}
	if err := t.store.takeFailure(); err != nil {
		t.store.metrics.rolledBack.Add(1)
		return err
	}
	t.store.apply(t)
	t.store.metrics.committed.Add(1)
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.writes = nil
	t.outbox = nil
	t.store.metrics.rolledBack.Add(1)
	return nil
}
