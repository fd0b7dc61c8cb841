package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xcqrs"
)

func begin(t *testing.T, s *Store) *Tx {
	t.Helper()
	h, err := s.Begin(context.Background())
	require.NoError(t, err)
	tx, ok := TxFrom(h)
	require.True(t, ok)
	return tx
}

func TestTx_CommitMakesWritesVisible(t *testing.T) {
	s := New()
	tx := begin(t, s)

	require.NoError(t, tx.Put("order:1", "placed"))
	_, ok := s.Get("order:1")
	assert.False(t, ok, "staged write must not be visible before commit")

	v, ok := tx.Get("order:1")
	require.True(t, ok)
	assert.Equal(t, "placed", v)

	require.NoError(t, tx.Commit(context.Background()))
	v, ok = s.Get("order:1")
	require.True(t, ok)
	assert.Equal(t, "placed", v)
	assert.Equal(t, Stats{Begun: 1, Committed: 1}, s.Stats())
}

func TestTx_RollbackDiscards(t *testing.T) {
	s := New()
	tx := begin(t, s)
	require.NoError(t, tx.Put("k", 1))
	require.NoError(t, s.Append(context.Background(), tx, xcqrs.OutboxEntry{ID: "e1"}))

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Empty(t, s.Keys())
	assert.Empty(t, s.OutboxEntries())
	assert.ErrorIs(t, tx.Commit(context.Background()), ErrTxDone)
	assert.ErrorIs(t, tx.Put("k", 2), ErrTxDone)
}

func TestTx_DeleteAndOrder(t *testing.T) {
	s := New()
	tx := begin(t, s)
	require.NoError(t, tx.Put("a", 1))
	require.NoError(t, tx.Put("b", 2))
	require.NoError(t, tx.Commit(context.Background()))

	tx = begin(t, s)
	require.NoError(t, tx.Delete("a"))
	_, ok := tx.Get("a")
	assert.False(t, ok)
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"b"}, s.Keys())
}

func TestStore_FailNextCommit(t *testing.T) {
	s := New()
	boom := errors.New("disk full")
	s.FailNextCommit(boom)

	tx := begin(t, s)
	require.NoError(t, tx.Put("k", 1))
	assert.ErrorIs(t, tx.Commit(context.Background()), boom)
	assert.Empty(t, s.Keys())

	tx = begin(t, s)
	require.NoError(t, tx.Put("k", 1))
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"k"}, s.Keys())
}

func TestStore_OutboxPendingAndProcessed(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx := begin(t, s)
	require.NoError(t, s.Append(ctx, tx,
		xcqrs.OutboxEntry{ID: "1", Topic: "A"},
		xcqrs.OutboxEntry{ID: "2", Topic: "B"},
		xcqrs.OutboxEntry{ID: "3", Topic: "C"},
	))
	require.NoError(t, tx.Commit(ctx))

	pending, err := s.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "1", pending[0].ID)
	assert.Equal(t, "2", pending[1].ID)

	require.NoError(t, s.MarkProcessed(ctx, "1", "2"))
	pending, err = s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "3", pending[0].ID)
	assert.Len(t, s.OutboxEntries(), 3)
	assert.Equal(t, uint64(3), s.Stats().Appended)
}

func TestStore_RejectsForeignTx(t *testing.T) {
	a, b := New(), New()
	tx := begin(t, a)
	err := b.Append(context.Background(), tx, xcqrs.OutboxEntry{ID: "x"})
	assert.ErrorIs(t, err, ErrForeignTx)
}

func TestStore_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Begin(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_BeginCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
