// Package promobserver exports xcqrs dispatch records as Prometheus metrics.
package promobserver

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xcqrs"
)

// Observer implements xcqrs.Observer.
type Observer struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	cascadeEvents    *prometheus.HistogramVec
	handlers         *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	failures         *prometheus.CounterVec
}

var _ xcqrs.Observer = (*Observer)(nil)

// New creates the collectors under namespace and registers them with reg.
// Collectors already registered by a previous Observer are reused.
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = "xcqrs"
	}
	o := &Observer{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Units of work by command type and terminal state.",
		}, []string{"command", "state"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of a unit of work from submit to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		cascadeEvents: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cascade_events",
			Help:      "Events processed per unit of work.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"command"}),
		handlers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_invocations_total",
			Help:      "Handler invocations by message kind, type and outcome.",
		}, []string{"kind", "message_type", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "message_type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Rolled back units of work by error kind.",
		}, []string{"error_kind"}),
	}

	var err error
	if o.dispatches, err = register(reg, o.dispatches); err != nil {
		return nil, err
	}
	if o.dispatchDuration, err = register(reg, o.dispatchDuration); err != nil {
		return nil, err
	}
	if o.cascadeEvents, err = register(reg, o.cascadeEvents); err != nil {
		return nil, err
	}
	if o.handlers, err = register(reg, o.handlers); err != nil {
		return nil, err
	}
	if o.handlerDuration, err = register(reg, o.handlerDuration); err != nil {
		return nil, err
	}
	if o.failures, err = register(reg, o.failures); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (o *Observer) OnRecord(r xcqrs.Record) {
	switch r.Type {
	case xcqrs.RecordHandlerDone:
		outcome := "ok"
		if r.Err != nil {
			outcome = "error"
		}
		typ := r.MessageType.Name()
		kind := r.MessageKind.String()
		o.handlers.WithLabelValues(kind, typ, outcome).Inc()
		o.handlerDuration.WithLabelValues(kind, typ).Observe(r.Duration.Seconds())
	case xcqrs.RecordCommitted, xcqrs.RecordRolledBack:
		cmd := r.MessageType.Name()
		o.dispatches.WithLabelValues(cmd, r.State.String()).Inc()
		o.dispatchDuration.WithLabelValues(cmd).Observe(r.Duration.Seconds())
		o.cascadeEvents.WithLabelValues(cmd).Observe(float64(r.Events))
		if r.Type == xcqrs.RecordRolledBack {
			o.failures.WithLabelValues(xcqrs.KindOf(r.Err).String()).Inc()
		}
	}
}
