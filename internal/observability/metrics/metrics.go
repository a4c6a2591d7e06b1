package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters for the booking path.
type SchedulingMetrics struct {
	writesTotal  *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	eventsTotal  *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "writes_total",
			Help:      "Appointment write attempts by operation and result",
		}, []string{"operation", "result"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "write_retries_total",
			Help:      "Booking path retries caused by lock contention or lost optimistic writes",
		}, []string{"operation", "reason"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "events_total",
			Help:      "Domain events emitted by the scheduling engine",
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.writesTotal, m.retriesTotal, m.eventsTotal)
	return m
}

func (m *SchedulingMetrics) ObserveWrite(operation, result string) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(operation, result).Inc()
}

func (m *SchedulingMetrics) ObserveRetry(operation, reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(operation, reason).Inc()
}

func (m *SchedulingMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// ReadinessMetrics tracks intake state transitions.
type ReadinessMetrics struct {
	transitionsTotal *prometheus.CounterVec
	casConflicts     prometheus.Counter
}

func NewReadinessMetrics(reg prometheus.Registerer) *ReadinessMetrics {
	m := &ReadinessMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "readiness",
			Name:      "transitions_total",
			Help:      "Intake readiness status transitions",
		}, []string{"to"}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "readiness",
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-set writes that lost a race and were retried",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.casConflicts)
	return m
}

func (m *ReadinessMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *ReadinessMetrics) ObserveCASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

// OutreachMetrics tracks reminder attempts and dispatches.
type OutreachMetrics struct {
	attemptsTotal   *prometheus.CounterVec
	dispatchesTotal *prometheus.CounterVec
	exhaustedTotal  prometheus.Counter
}

func NewOutreachMetrics(reg prometheus.Registerer) *OutreachMetrics {
	m := &OutreachMetrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outreach",
			Name:      "attempts_total",
			Help:      "Recorded outreach attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		dispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outreach",
			Name:      "dispatches_total",
			Help:      "Dispatch requests handed to the notifier",
		}, []string{"channel", "status"}),
		exhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outreach",
			Name:      "exhausted_total",
			Help:      "Appointments whose automatic outreach budget ran out",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attemptsTotal, m.dispatchesTotal, m.exhaustedTotal)
	return m
}

func (m *OutreachMetrics) ObserveAttempt(channel, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *OutreachMetrics) ObserveDispatch(channel, status string) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(channel, status).Inc()
}

func (m *OutreachMetrics) ObserveExhausted() {
	if m == nil {
		return
	}
	m.exhaustedTotal.Inc()
}
