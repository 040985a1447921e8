package billing

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes billing pipeline counters. All recording methods are
// nil-safe so components work without a registry wired in.
type Metrics struct {
	events            *prometheus.CounterVec
	unknownReferences prometheus.Counter
	planFallbacks     *prometheus.CounterVec
	payments          *prometheus.CounterVec
	reconcileRepaired prometheus.Counter
	reconcileExpired  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		unknownReferences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_unknown_reference_total",
			Help: "Webhook events referencing sessions or subscriptions this system never recorded.",
		}),
		planFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_plan_fallback_total",
			Help: "Price ids resolved outside the primary catalog, by resolver.",
		}, []string{"resolver"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_payments_recorded_total",
			Help: "Ledger entries created, by status.",
		}, []string{"status"}),
		reconcileRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_reconciler_repaired_total",
			Help: "Abandoned sessions the reconciler completed from provider state.",
		}),
		reconcileExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_reconciler_expired_total",
			Help: "Abandoned sessions the reconciler closed as expired.",
		}),
	}
	reg.MustRegister(m.events, m.unknownReferences, m.planFallbacks, m.payments,
		m.reconcileRepaired, m.reconcileExpired)
	return m
}

func (m *Metrics) event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) unknownReference() {
	if m == nil {
		return
	}
	m.unknownReferences.Inc()
}

func (m *Metrics) planFallback(resolver string) {
	if m == nil {
		return
	}
	m.planFallbacks.WithLabelValues(resolver).Inc()
}

func (m *Metrics) paymentRecorded(status PaymentStatus) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) repaired() {
	if m == nil {
		return
	}
	m.reconcileRepaired.Inc()
}

func (m *Metrics) expired() {
	if m == nil {
		return
	}
	m.reconcileExpired.Inc()
}
