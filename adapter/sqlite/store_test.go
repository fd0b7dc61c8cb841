package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xcqrs"
	"github.com/trickstertwo/xcqrs/adapter/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.OpenStore(ctx, filepath.Join(t.TempDir(), "xcqrs.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DB().ExecContext(ctx, `CREATE TABLE orders (id TEXT PRIMARY KEY, status TEXT NOT NULL)`)
	require.NoError(t, err)
	return s
}

func countOrders(t *testing.T, s *sqlite.Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	return n
}

func entry(id string) xcqrs.OutboxEntry {
	return xcqrs.OutboxEntry{
		ID:            id,
		MessageID:     "m-" + id,
		CorrelationID: "corr",
		Topic:         "OrderPlaced",
		Codec:         "json",
		Payload:       []byte(`{"id":"` + id + `"}`),
		Metadata:      map[string]string{"origin": "test"},
		CreatedAt:     time.Unix(1700000000, 5),
	}
}

func TestStore_AppendCommitsWithDomainRows(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx)
	require.NoError(t, err)
	tx, ok := sqlite.TxFrom(h)
	require.True(t, ok)

	_, err = tx.ExecContext(ctx, `INSERT INTO orders (id, status) VALUES (?, ?)`, "o-1", "placed")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, h, entry("a"), entry("b")))
	require.NoError(t, h.Commit(ctx))

	assert.Equal(t, 1, countOrders(t, s))
	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
	assert.Equal(t, "test", pending[0].Metadata["origin"])
	assert.True(t, pending[0].CreatedAt.Equal(time.Unix(1700000000, 5)))
}

func TestStore_RollbackDiscardsEverything(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx)
	require.NoError(t, err)
	tx, _ := sqlite.TxFrom(h)
	_, err = tx.ExecContext(ctx, `INSERT INTO orders (id, status) VALUES (?, ?)`, "o-1", "placed")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, h, entry("a")))
	require.NoError(t, h.Rollback(ctx))

	assert.Equal(t, 0, countOrders(t, s))
	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_MarkProcessed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, h, entry("a"), entry("b"), entry("c")))
	require.NoError(t, h.Commit(ctx))

	require.NoError(t, s.MarkProcessed(ctx, "a", "c"))
	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	all, err := s.Entries(ctx, "corr")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_RejectsForeignTx(t *testing.T) {
	s := openStore(t)
	err := s.Append(context.Background(), fakeTx{}, entry("a"))
	assert.ErrorIs(t, err, sqlite.ErrForeignTx)
}

type fakeTx struct{}

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type PlaceOrder struct{ ID string }

type OrderPlaced struct{ ID string }

type OrderAudited struct{ ID string }

func (OrderAudited) Internal() bool { return true }

func (e OrderPlaced) AggregateID() string { return e.ID }
func (OrderPlaced) AggregateName() string { return "Order" }

func TestBus_SqliteAllOrNothing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	failAudit := false

	reg := xcqrs.NewRegistry()
	require.NoError(t, xcqrs.RegisterCommand(reg, func(ctx context.Context, ec *xcqrs.ExecContext, cmd PlaceOrder) (any, error) {
		h, err := ec.Tx(ctx)
		if err != nil {
			return nil, err
		}
		tx, _ := sqlite.TxFrom(h)
		if _, err := tx.ExecContext(ctx, `INSERT INTO orders (id, status) VALUES (?, 'placed')`, cmd.ID); err != nil {
			return nil, err
		}
		return cmd.ID, ec.Raise(OrderPlaced{ID: cmd.ID})
	}))
	require.NoError(t, xcqrs.RegisterEvent(reg, func(ctx context.Context, ec *xcqrs.ExecContext, evt OrderPlaced) error {
		return ec.Raise(OrderAudited{ID: evt.ID})
	}))
	require.NoError(t, xcqrs.RegisterEvent(reg, func(ctx context.Context, ec *xcqrs.ExecContext, evt OrderAudited) error {
		if failAudit {
			return errors.New("audit unavailable")
		}
		return nil
	}))

	bus, closeFn, err := xcqrs.New(func(b *xcqrs.BusBuilder) {
		b.WithRegistry(reg).WithPersistence(s)
	})
	require.NoError(t, err)
	defer closeFn()

	out, err := bus.Submit(ctx, PlaceOrder{ID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", out.Result)
	assert.Equal(t, 1, out.OutboxEntries, "internal events stay out of the outbox")

	entries, err := s.Entries(ctx, out.CorrelationID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "OrderPlaced", entries[0].Topic)
	assert.Equal(t, "o-1", entries[0].AggregateID)
	assert.Equal(t, "Order", entries[0].AggregateName)
	assert.Equal(t, out.CommandID, entries[0].CausationID)

	failAudit = true
	_, err = bus.Submit(ctx, PlaceOrder{ID: "o-2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, xcqrs.ErrHandlerExecution)
	assert.Equal(t, 1, countOrders(t, s))

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// orderCascade registers PlaceOrder -> OrderPlaced -> OrderAudited. The
// command inserts the order; onPlaced and onAudited run inside the event
// handlers after OrderPlaced confirms it.
func orderCascade(t *testing.T, onPlaced, onAudited func(ctx context.Context) error) *xcqrs.Registry {
	t.Helper()
	reg := xcqrs.NewRegistry()
	require.NoError(t, xcqrs.RegisterCommand(reg, func(ctx context.Context, ec *xcqrs.ExecContext, cmd PlaceOrder) (any, error) {
		h, err := ec.Tx(ctx)
		if err != nil {
			return nil, err
		}
		tx, _ := sqlite.TxFrom(h)
		if _, err := tx.ExecContext(ctx, `INSERT INTO orders (id, status) VALUES (?, 'placed')`, cmd.ID); err != nil {
			return nil, err
		}
		return cmd.ID, ec.Raise(OrderPlaced{ID: cmd.ID})
	}))
	require.NoError(t, xcqrs.RegisterEvent(reg, func(ctx context.Context, ec *xcqrs.ExecContext, evt OrderPlaced) error {
		h, err := ec.Tx(ctx)
		if err != nil {
			return err
		}
		tx, _ := sqlite.TxFrom(h)
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = 'confirmed' WHERE id = ?`, evt.ID); err != nil {
			return err
		}
		if onPlaced != nil {
			if err := onPlaced(ctx); err != nil {
				return err
			}
		}
		return ec.Raise(OrderAudited(evt))
	}))
	require.NoError(t, xcqrs.RegisterEvent(reg, func(ctx context.Context, ec *xcqrs.ExecContext, evt OrderAudited) error {
		if onAudited != nil {
			return onAudited(ctx)
		}
		return nil
	}))
	return reg
}

func newBus(t *testing.T, s *sqlite.Store, reg *xcqrs.Registry, opts ...func(*xcqrs.BusBuilder)) *xcqrs.Bus {
	t.Helper()
	bus, closeFn, err := xcqrs.New(func(b *xcqrs.BusBuilder) {
		b.WithRegistry(reg).WithPersistence(s)
		for _, o := range opts {
			o(b)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return bus
}

func assertNothingPersisted(t *testing.T, s *sqlite.Store) {
	t.Helper()
	assert.Zero(t, countOrders(t, s))
	pending, err := s.Pending(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBus_SqliteHandlerTimeoutCommitsCascade(t *testing.T) {
	s := openStore(t)
	bus := newBus(t, s, orderCascade(t, nil, nil), func(b *xcqrs.BusBuilder) {
		b.WithHandlerTimeout(5 * time.Second)
	})

	out, err := bus.Submit(context.Background(), PlaceOrder{ID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, xcqrs.StateCommitted, out.State)

	var status string
	require.NoError(t, s.DB().QueryRow(`SELECT status FROM orders WHERE id = 'o-1'`).Scan(&status))
	assert.Equal(t, "confirmed", status)
	pending, err := s.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "OrderPlaced", pending[0].Topic)
}

func TestBus_SqliteHandlerTimeoutExpiresRollsBack(t *testing.T) {
	s := openStore(t)
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	bus := newBus(t, s, orderCascade(t, nil, slow), func(b *xcqrs.BusBuilder) {
		b.WithHandlerTimeout(20 * time.Millisecond)
	})

	_, err := bus.Submit(context.Background(), PlaceOrder{ID: "o-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, xcqrs.KindHandlerExecution, xcqrs.KindOf(err))
	assert.Equal(t, xcqrs.TypeOf[OrderAudited](), err.(*xcqrs.DispatchError).MessageType)
	assertNothingPersisted(t, s)
	assert.Zero(t, bus.GetMetrics().TransactionErrors)
}

func TestBus_SqliteCancelMidCascade(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newBus(t, s, orderCascade(t, func(context.Context) error {
		cancel()
		return nil
	}, nil))

	_, err := bus.Submit(ctx, PlaceOrder{ID: "o-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, xcqrs.KindHandlerExecution, xcqrs.KindOf(err))
	assertNothingPersisted(t, s)
	assert.Zero(t, bus.GetMetrics().TransactionErrors)
}

func TestBus_SqliteCancelDuringFinalHandler(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newBus(t, s, orderCascade(t, nil, func(context.Context) error {
		cancel()
		return nil
	}))

	_, err := bus.Submit(ctx, PlaceOrder{ID: "o-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var de *xcqrs.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, xcqrs.KindHandlerExecution, de.Kind)
	assert.Equal(t, xcqrs.SeverityError, de.Severity())
	assertNothingPersisted(t, s)
	assert.Zero(t, bus.GetMetrics().TransactionErrors)
	assert.Equal(t, "healthy", bus.Health(context.Background()).Status)

	// The connection is released; the next dispatch commits.
	_, err = bus.Submit(context.Background(), PlaceOrder{ID: "o-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, countOrders(t, s))
}

func TestTx_RollbackAfterContextRollbackIsNoop(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Begin(ctx)
	require.NoError(t, err)
	tx, _ := sqlite.TxFrom(h)
	_, err = tx.ExecContext(context.Background(), `INSERT INTO orders (id, status) VALUES ('o-1', 'placed')`)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		_, err := tx.ExecContext(context.Background(), `SELECT 1`)
		return err != nil
	}, time.Second, time.Millisecond)

	assert.NoError(t, h.Rollback(context.Background()))
	assert.Zero(t, countOrders(t, s))
}
