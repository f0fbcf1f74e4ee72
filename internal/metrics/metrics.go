package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the voucher checkout.
type Metrics struct {
	// Reservation metrics
	ReservationsTotal     *prometheus.CounterVec
	ReservationRetries    prometheus.Counter
	RollbackFailuresTotal *prometheus.CounterVec
	VouchersReleasedTotal *prometheus.CounterVec

	// Checkout metrics
	CheckoutsTotal   *prometheus.CounterVec
	CheckoutDuration *prometheus.HistogramVec

	// Gateway metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec

	// Reconciliation metrics
	CallbacksTotal      *prometheus.CounterVec
	VouchersIssuedTotal *prometheus.CounterVec
	RevenueTotal        *prometheus.CounterVec

	// Sweeper metrics
	SweeperRunsTotal    prometheus.Counter
	SweeperExpiredTotal prometheus.Counter
	SweeperSkippedTotal prometheus.Counter

	// Email metrics
	EmailsTotal       *prometheus.CounterVec
	EmailRetriesTotal *prometheus.CounterVec
	EmailDLQTotal     prometheus.Counter
	EmailDuration     prometheus.Histogram

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_reservations_total",
				Help: "Voucher reservation attempts by outcome (reserved, sold_out, error)",
			},
			[]string{"product", "outcome"},
		),
		ReservationRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vouchers_reservation_retries_total",
				Help: "Voucher selections retried after losing a race at commit time",
			},
		),
		RollbackFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_rollback_failures_total",
				Help: "Compensating releases that failed and need operator attention",
			},
			[]string{"stage"},
		),
		VouchersReleasedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_released_total",
				Help: "Vouchers returned to the pool by reason",
			},
			[]string{"reason"},
		),

		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_checkouts_total",
				Help: "create-payment requests by outcome",
			},
			[]string{"outcome"},
		),
		CheckoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vouchers_checkout_duration_seconds",
				Help:    "Time to reserve a voucher and create the gateway bill",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_gateway_calls_total",
				Help: "Outbound Flip API calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vouchers_gateway_call_duration_seconds",
				Help:    "Duration of outbound Flip API calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"operation"},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_callbacks_total",
				Help: "Gateway callbacks by event class, resolution rule and action taken",
			},
			[]string{"event", "rule", "action"},
		),
		VouchersIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_issued_total",
				Help: "Vouchers handed to customers by product and path (checkout, direct)",
			},
			[]string{"product", "path"},
		),
		RevenueTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_revenue_idr_total",
				Help: "Settled payment amount in IDR",
			},
			[]string{"product"},
		),

		SweeperRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vouchers_sweeper_runs_total",
				Help: "Expiry sweeper passes",
			},
		),
		SweeperExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vouchers_sweeper_expired_total",
				Help: "Transactions moved to EXPIRED by the sweeper",
			},
		),
		SweeperSkippedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vouchers_sweeper_skipped_total",
				Help: "Expired candidates already settled by a callback at write time",
			},
		),

		EmailsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_emails_total",
				Help: "Voucher email deliveries by status",
			},
			[]string{"status"},
		),
		EmailRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_email_retries_total",
				Help: "Voucher email retry attempts",
			},
			[]string{"attempt"},
		),
		EmailDLQTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vouchers_email_dlq_total",
				Help: "Voucher emails parked in the dead letter queue",
			},
		),
		EmailDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vouchers_email_duration_seconds",
				Help:    "Time spent delivering a voucher email including retries",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vouchers_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "route"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vouchers_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveReservation records a reservation attempt.
func (m *Metrics) ObserveReservation(product, outcome string) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(product, outcome).Inc()
}

// ObserveReservationRetry records a lost race that triggered a new selection.
func (m *Metrics) ObserveReservationRetry() {
	if m == nil {
		return
	}
	m.ReservationRetries.Inc()
}

// ObserveRollbackFailure records a compensating release that itself failed.
func (m *Metrics) ObserveRollbackFailure(stage string) {
	if m == nil {
		return
	}
	m.RollbackFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveRelease records a voucher returned to the pool.
func (m *Metrics) ObserveRelease(reason string) {
	if m == nil {
		return
	}
	m.VouchersReleasedTotal.WithLabelValues(reason).Inc()
}

// ObserveCheckout records a create-payment request outcome.
func (m *Metrics) ObserveCheckout(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(outcome).Inc()
	m.CheckoutDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveGatewayCall records an outbound Flip API call.
func (m *Metrics) ObserveGatewayCall(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(operation, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveCallback records how a gateway callback was resolved and handled.
func (m *Metrics) ObserveCallback(event, rule, action string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(event, rule, action).Inc()
}

// ObserveIssued records a voucher handed to a customer.
func (m *Metrics) ObserveIssued(product, path string, amount int64) {
	if m == nil {
		return
	}
	m.VouchersIssuedTotal.WithLabelValues(product, path).Inc()
	if amount > 0 {
		m.RevenueTotal.WithLabelValues(product).Add(float64(amount))
	}
}

// ObserveSweep records one sweeper pass.
func (m *Metrics) ObserveSweep(expired, skipped int) {
	if m == nil {
		return
	}
	m.SweeperRunsTotal.Inc()
	m.SweeperExpiredTotal.Add(float64(expired))
	m.SweeperSkippedTotal.Add(float64(skipped))
}

// ObserveEmail records voucher email delivery.
func (m *Metrics) ObserveEmail(status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.EmailsTotal.WithLabelValues(status).Inc()
	m.EmailDuration.Observe(duration.Seconds())

	if attempt > 1 {
		m.EmailRetriesTotal.WithLabelValues(formatAttempt(attempt)).Inc()
	}
	if sentToDLQ {
		m.EmailDLQTotal.Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, route string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType, route).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
