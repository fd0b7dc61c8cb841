package xcqrs

import (
	"context"
)

// Tx is an opaque transaction handle owned by a Unit of Work.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner opens transactions. It is the persistence collaborator of the
// bus; adapters in adapter/ implement it.
type TxBeginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Outbox persists processed events inside the dispatch transaction.
type Outbox interface {
	Append(ctx context.Context, tx Tx, entries ...OutboxEntry) error
}

// Persistence is a TxBeginner that also owns its outbox.
type Persistence interface {
	TxBeginner
	Outbox
}

// Observer receives dispatch lifecycle records. Implementations should be
// non-blocking.
type Observer interface {
	OnRecord(r Record)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete dispatch surface.
type API interface {
	Submit(ctx context.Context, payload any, opts ...MessageOption) (*Outcome, error)
	Dispatch(ctx context.Context, cmd *Message) (*Outcome, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)
