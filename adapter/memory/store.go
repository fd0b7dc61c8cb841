// Package memory is an in-process transactional store for development and
// tests. Writes and outbox entries are staged on a Tx and become visible
// only when it commits.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xcqrs"
)

var (
	ErrTxDone    = errors.New("memory: transaction already committed or rolled back")
	ErrForeignTx = errors.New("memory: transaction does not belong to this store")
	ErrClosed    = errors.New("memory: store is closed")
)

var _ xcqrs.Persistence = (*Store)(nil)

// Store implements xcqrs.Persistence and the outbox relay source.
type Store struct {
	mu     sync.RWMutex
	data   map[string]any
	outbox []outboxRecord

	failMu   sync.Mutex
	failNext error

	closed  atomic.Bool
	metrics *storeMetrics
}

type outboxRecord struct {
	entry     xcqrs.OutboxEntry
	processed bool
}

type storeMetrics struct {
	begun      atomic.Uint64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
	appended   atomic.Uint64
}

// Stats is store telemetry.
type Stats struct {
	Begun      uint64
	Committed  uint64
	RolledBack uint64
	Appended   uint64
}

func New() *Store {
	return &Store{
		data:    make(map[string]any),
		metrics: &storeMetrics{},
	}
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (xcqrs.Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.metrics.begun.Add(1)
	return &Tx{store: s, writes: make(map[string]write)}, nil
}

// Append stages entries on tx; they are stored when tx commits.
func (s *Store) Append(_ context.Context, tx xcqrs.Tx, entries ...xcqrs.OutboxEntry) error {
	t, err := s.own(tx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.outbox = append(t.outbox, entries...)
	return nil
}

// Get reads committed state.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Keys returns the committed keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// OutboxEntries returns every committed outbox entry in append order.
func (s *Store) OutboxEntries() []xcqrs.OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]xcqrs.OutboxEntry, len(s.outbox))
	for i, r := range s.outbox {
		out[i] = r.entry
	}
	return out
}

// Pending returns up to limit unprocessed entries, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]xcqrs.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []xcqrs.OutboxEntry
	for _, r := range s.outbox {
		if r.processed {
			continue
		}
		out = append(out, r.entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkProcessed flags entries as delivered.
func (s *Store) MarkProcessed(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if _, ok := set[s.outbox[i].entry.ID]; ok {
			s.outbox[i].processed = true
		}
	}
	return nil
}

// FailNextCommit makes the next commit return err without applying.
func (s *Store) FailNextCommit(err error) {
	s.failMu.Lock()
	s.failNext = err
	s.failMu.Unlock()
}

func (s *Store) Stats() Stats {
	return Stats{
		Begun:      s.metrics.begun.Load(),
		Committed:  s.metrics.committed.Load(),
		RolledBack: s.metrics.rolledBack.Load(),
		Appended:   s.metrics.appended.Load(),
	}
}

// Close rejects new transactions. Open ones may still finish.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) own(tx xcqrs.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t.store != s {
		return nil, ErrForeignTx
	}
	return t, nil
}

func (s *Store) takeFailure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Store) apply(t *Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range t.order {
		w := t.writes[k]
		if w.deleted {
			delete(s.data, k)
			continue
		}
		s.data[k] = w.value
	}
	for _, e := range t.outbox {
		s.outbox = append(s.outbox, outboxRecord{entry: e})
	}
	s.metrics.appended.Add(uint64(len(t.outbox)))
}
