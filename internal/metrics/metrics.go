// Package metrics records allocation engine metrics.
package metrics

// Collector receives allocation engine measurements.
type Collector interface {
	// ObserveOperation records the outcome and latency of one service operation.
	ObserveOperation(op string, seconds float64, err error)
	// RecordLeadsMoved counts leads whose ownership changed, by operation.
	RecordLeadsMoved(op string, n int)
	// RecordGuardSkipped counts leads a guarded write skipped because they
	// changed concurrently.
	RecordGuardSkipped(op string, n int)
	// RecordBlocked counts leads a recapture refused, by reason.
	RecordBlocked(reason string, n int)
	// RecordHistoryFailure counts history entries that could not be written.
	RecordHistoryFailure(action string, n int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

// NewNop creates a new no-op collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// ObserveOperation discards the operation metric.
func (n *NopMetrics) ObserveOperation(_ string, _ float64, _ error) {}

// RecordLeadsMoved discards the moved leads metric.
func (n *NopMetrics) RecordLeadsMoved(_ string, _ int) {}

// RecordGuardSkipped discards the guard skip metric.
func (n *NopMetrics) RecordGuardSkipped(_ string, _ int) {}

// RecordBlocked discards the blocked leads metric.
func (n *NopMetrics) RecordBlocked(_ string, _ int) {}

// RecordHistoryFailure discards the history failure metric.
func (n *NopMetrics) RecordHistoryFailure(_ string, _ int) {}
