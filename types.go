package xcqrs

import (
	"time"
)

// Outcome describes a committed dispatch.
type Outcome struct {
	Result        any
	CommandID     string
	CorrelationID string
	UnitOfWorkID  string
	State         State
	// Events lists processed events in drain order.
	Events        []*Message
	OutboxEntries int
	Duration      time.Duration
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Records dropped due to full buffer
	Processed    uint64 // Records successfully processed
	Panics       uint64 // Observer panics recovered by workers
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Dispatched         uint64
	Committed          uint64
	RolledBack         uint64
	EventsProcessed    uint64
	HandlerInvocations uint64
	TransactionErrors  uint64
	RecordsDropped     uint64
	AvgDispatchTimeMs  float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
