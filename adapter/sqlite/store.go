package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xcqrs"
)

// OutboxTable is the table Migrate creates and the store writes to.
const OutboxTable = "xcqrs_outbox"

var ErrForeignTx = errors.New("sqlite: transaction does not belong to this store")

var _ xcqrs.Persistence = (*Store)(nil)

// Store implements xcqrs.Persistence and the outbox relay source over a
// *sql.DB.
type Store struct {
	db    *sql.DB
	clock xclock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for processed_at stamps.
func WithClock(c xclock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New wraps db. Call Migrate before first use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: xclock.Default()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// OpenStore opens dbPath and migrates the outbox schema.
func OpenStore(ctx context.Context, dbPath string, cfg Config, opts ...Option) (*Store, error) {
	db, err := Open(dbPath, cfg)
	if err != nil {
		return nil, err
	}
	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the outbox table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + OutboxTable + ` (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		message_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		causation_id TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL,
		aggregate_id TEXT NOT NULL DEFAULT '',
		aggregate_name TEXT NOT NULL DEFAULT '',
		codec TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		trace_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		processed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_xcqrs_outbox_pending ON ` + OutboxTable + `(processed_at, seq);
	CREATE INDEX IF NOT EXISTS idx_xcqrs_outbox_correlation ON ` + OutboxTable + `(correlation_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Begin opens a database transaction.
func (s *Store) Begin(ctx context.Context) (xcqrs.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Append inserts entries inside tx.
func (s *Store) Append(ctx context.Context, tx xcqrs.Tx, entries ...xcqrs.OutboxEntry) error {
	t, ok := TxFrom(tx)
	if !ok {
		return ErrForeignTx
	}
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO `+OutboxTable+`
		(id, message_id, correlation_id, causation_id, topic, aggregate_id, aggregate_name, codec, payload, metadata, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare outbox insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta := []byte("{}")
		if len(e.Metadata) > 0 {
			if meta, err = json.Marshal(e.Metadata); err != nil {
				return fmt.Errorf("sqlite: encode metadata: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.MessageID, e.CorrelationID, e.CausationID, e.Topic,
			e.AggregateID, e.AggregateName, e.Codec, e.Payload, string(meta),
			e.TraceID, e.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("sqlite: insert outbox entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// Pending returns up to limit unprocessed entries in append order.
func (s *Store) Pending(ctx context.Context, limit int) ([]xcqrs.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, correlation_id, causation_id, topic,
		aggregate_id, aggregate_name, codec, payload, metadata, trace_id, created_at
		FROM `+OutboxTable+` WHERE processed_at IS NULL ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Entries returns every outbox entry for a correlation id in append order.
func (s *Store) Entries(ctx context.Context, correlationID string) ([]xcqrs.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, correlation_id, causation_id, topic,
		aggregate_id, aggregate_name, codec, payload, metadata, trace_id, created_at
		FROM `+OutboxTable+` WHERE correlation_id = ? ORDER BY seq`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkProcessed stamps entries as delivered.
func (s *Store) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.clock.Now().UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+OutboxTable+` SET processed_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: mark processed: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]xcqrs.OutboxEntry, error) {
	var out []xcqrs.OutboxEntry
	for rows.Next() {
		var (
			e         xcqrs.OutboxEntry
			meta      string
			createdNs int64
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.CorrelationID, &e.CausationID, &e.Topic,
			&e.AggregateID, &e.AggregateName, &e.Codec, &e.Payload, &meta, &e.TraceID, &createdNs); err != nil {
			return nil, fmt.Errorf("sqlite: scan outbox entry: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
			}
		}
		e.CreatedAt = time.Unix(0, createdNs)
		out = append(out, e)
	}
	return out, rows.Err()
}
