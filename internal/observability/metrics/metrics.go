package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for availability queries, booking
// mutations and background side effects. A nil *SchedulingMetrics is valid and records
// nothing.
type SchedulingMetrics struct {
	bookingsTotal       *prometheus.CounterVec
	slotQuerySeconds    prometheus.Histogram
	calendarErrorsTotal *prometheus.CounterVec
	sideEffectTotal     *prometheus.CounterVec
	sideEffectDropped   *prometheus.CounterVec
	refundFailuresTotal prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking mutations by operation and result",
		}, []string{"operation", "result"}),
		slotQuerySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Name:      "slot_query_seconds",
			Help:      "Latency of available slot computation",
			Buckets:   prometheus.DefBuckets,
		}),
		calendarErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Name:      "external_calendar_errors_total",
			Help:      "External calendar calls that failed or timed out",
		}, []string{"provider", "operation"}),
		sideEffectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Name:      "side_effect_total",
			Help:      "Background side effects by kind and outcome",
		}, []string{"kind", "status"}),
		sideEffectDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Name:      "side_effect_dropped_total",
			Help:      "Side effects rejected because the in-process queue was full",
		}, []string{"kind"}),
		refundFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduling",
			Name:      "refund_failures_total",
			Help:      "Refund attempts that failed and need operator attention",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.slotQuerySeconds, m.calendarErrorsTotal, m.sideEffectTotal, m.sideEffectDropped, m.refundFailuresTotal)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(operation, result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(operation, result).Inc()
}

func (m *SchedulingMetrics) ObserveSlotQuery(seconds float64) {
	if m == nil {
		return
	}
	m.slotQuerySeconds.Observe(seconds)
}

func (m *SchedulingMetrics) ObserveCalendarError(provider, operation string) {
	if m == nil {
		return
	}
	m.calendarErrorsTotal.WithLabelValues(provider, operation).Inc()
}

func (m *SchedulingMetrics) ObserveSideEffect(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.sideEffectTotal.WithLabelValues(kind, status).Inc()
}

func (m *SchedulingMetrics) ObserveSideEffectDropped(kind string) {
	if m == nil {
		return
	}
	m.sideEffectDropped.WithLabelValues(kind).Inc()
}

func (m *SchedulingMetrics) ObserveRefundFailure() {
	if m == nil {
		return
	}
	m.refundFailuresTotal.Inc()
}
