package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeInFlight         = "in_flight"
	OutcomeCompleted        = "completed"
	OutcomeValidationFailed = "validation_failed"
	OutcomeFailed           = "failed"

	CallbackResultApplied = "applied"
	CallbackResultSkipped = "skipped"
	CallbackResultError   = "error"
)

// OrderMetrics tracks order admission, processing and reconciliation counters
// scraped from /metrics.
type OrderMetrics struct {
	admitted      *prometheus.CounterVec
	conflicts     prometheus.Counter
	processed     *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
	staleExpired  prometheus.Counter
	orphansImport *prometheus.CounterVec
}

var (
	orderMetricsOnce sync.Once
	orderMetrics     *OrderMetrics
)

// Orders returns the singleton order metrics registry.
func Orders() *OrderMetrics {
	return OrdersWithConfig(Config{})
}

func OrdersWithConfig(cfg Config) *OrderMetrics {
	orderMetricsOnce.Do(func() {
		orderMetrics = newOrderMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return orderMetrics
}

// ResetOrderMetricsForTest resets the order metrics singleton for tests.
func ResetOrderMetricsForTest() {
	orderMetricsOnce = sync.Once{}
	orderMetrics = nil
}

func newOrderMetrics(registerer prometheus.Registerer, cfg Config) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &OrderMetrics{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "marketplace_orders_admitted_total",
			Help:        "Orders accepted by admission by type and initial state.",
			ConstLabels: labels,
		}, []string{"order_type", "state"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "marketplace_orders_conflicting_total",
			Help:        "Orders rejected because the resource already has an outstanding order.",
			ConstLabels: labels,
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "marketplace_orders_processed_total",
			Help:        "Order processing attempts by offering type and outcome.",
			ConstLabels: labels,
		}, []string{"offering_type", "order_type", "outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "marketplace_resource_callbacks_total",
			Help:        "Resource callbacks by name and result.",
			ConstLabels: labels,
		}, []string{"callback", "result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "marketplace_reconcile_resources_total",
			Help:        "Resources pulled from backends by result.",
			ConstLabels: labels,
		}, []string{"scope_kind", "result"}),
		staleExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "marketplace_stale_orders_expired_total",
			Help:        "Executing terminate orders canceled by the staleness timeout.",
			ConstLabels: labels,
		}),
		orphansImport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "marketplace_orphans_imported_total",
			Help:        "Backend objects materialized as resources.",
			ConstLabels: labels,
		}, []string{"scope_kind"}),
	}

	registerer.MustRegister(
		m.admitted,
		m.conflicts,
		m.processed,
		m.callbacks,
		m.reconciled,
		m.staleExpired,
		m.orphansImport,
	)
	return m
}

func (m *OrderMetrics) IncAdmitted(orderType, state string) {
	if m == nil {
		return
	}
	m.admitted.WithLabelValues(orderType, state).Inc()
}

func (m *OrderMetrics) IncConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *OrderMetrics) IncProcessed(offeringType, orderType, outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(offeringType, orderType, outcome).Inc()
}

func (m *OrderMetrics) IncCallback(callback, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(callback, result).Inc()
}

func (m *OrderMetrics) IncReconciled(scopeKind, result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(scopeKind, result).Inc()
}

func (m *OrderMetrics) AddStaleExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleExpired.Add(float64(n))
}

func (m *OrderMetrics) AddOrphansImported(scopeKind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansImport.WithLabelValues(scopeKind).Add(float64(n))
}
