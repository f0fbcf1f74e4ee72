package metrics

import "time"

// MeasureDBQuery starts timing one store operation and returns the func that records it.
//
//	defer metrics.MeasureDBQuery(m, "claim_voucher", "postgres")()
//
// A nil collector yields a no-op.
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() { m.ObserveDBQuery(operation, backend, time.Since(start)) }
}
