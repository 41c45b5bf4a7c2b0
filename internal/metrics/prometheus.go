package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	leadsMoved     *prometheus.CounterVec
	guardSkipped   *prometheus.CounterVec
	blocked        *prometheus.CounterVec
	historyFailure *prometheus.CounterVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates the collector and registers it on reg
// (prometheus.DefaultRegisterer if nil). namespace defaults to "crm_leads".
func NewPrometheus(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "crm_leads"
	}

	p := &PrometheusCollector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "operations_total",
			Help:      "Total allocation operations by operation and result (success,error).",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "operation_duration_seconds",
			Help:      "Latency of allocation operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}, []string{"op"}),
		leadsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "leads_moved_total",
			Help:      "Total leads whose owner changed, by operation.",
		}, []string{"op"}),
		guardSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "guard_skipped_total",
			Help:      "Leads skipped by a guarded write because they changed concurrently.",
		}, []string{"op"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "recapture_blocked_total",
			Help:      "Leads refused by recapture, by reason.",
		}, []string{"reason"}),
		historyFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "write_failures_total",
			Help:      "History entries that could not be written, by action.",
		}, []string{"action"}),
	}

	for _, c := range []prometheus.Collector{p.operations, p.latency, p.leadsMoved, p.guardSkipped, p.blocked, p.historyFailure} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ObserveOperation records the operation result and latency.
func (p *PrometheusCollector) ObserveOperation(op string, seconds float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	p.operations.WithLabelValues(op, result).Inc()
	p.latency.WithLabelValues(op).Observe(seconds)
}

// RecordLeadsMoved adds n moved leads for op.
func (p *PrometheusCollector) RecordLeadsMoved(op string, n int) {
	if n > 0 {
		p.leadsMoved.WithLabelValues(op).Add(float64(n))
	}
}

// RecordGuardSkipped adds n guard skips for op.
func (p *PrometheusCollector) RecordGuardSkipped(op string, n int) {
	if n > 0 {
		p.guardSkipped.WithLabelValues(op).Add(float64(n))
	}
}

// RecordBlocked adds n blocked leads for reason.
func (p *PrometheusCollector) RecordBlocked(reason string, n int) {
	if n > 0 {
		p.blocked.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordHistoryFailure adds n failed history writes for action.
func (p *PrometheusCollector) RecordHistoryFailure(action string, n int) {
	if n > 0 {
		p.historyFailure.WithLabelValues(action).Add(float64(n))
	}
}
