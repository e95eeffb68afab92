// Package metrics defines the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	verifications      *prometheus.CounterVec
	backendUnavailable *prometheus.CounterVec
	records            *prometheus.CounterVec
	duplicates         prometheus.Counter
	doorEvents         *prometheus.CounterVec
	published          *prometheus.CounterVec
	droppedSubscribers prometheus.Counter
	mediaFailures      prometheus.Counter
	windowsExpired     prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "verifications_total",
			Help:      "Verification pipeline outcomes by method and result.",
		}, []string{"method", "result"}),
		backendUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "backend_unavailable_total",
			Help:      "Verification backend calls that failed and triggered a fallback.",
		}, []string{"backend"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "attendance_records_total",
			Help:      "Attendance records written by status.",
		}, []string{"status"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "duplicate_submissions_total",
			Help:      "Submissions rejected by the (lecture, subject) uniqueness constraint.",
		}),
		doorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "door_events_total",
			Help:      "Door events appended by type.",
		}, []string{"type"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "broadcast_published_total",
			Help:      "Events published to observers by type.",
		}, []string{"type"}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "broadcast_dropped_subscribers_total",
			Help:      "Subscribers closed because their backlog overflowed.",
		}),
		mediaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "media_upload_failures_total",
			Help:      "Best-effort evidence uploads that failed.",
		}),
		windowsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "windows_expired_total",
			Help:      "Attendance windows lazily transitioned to EXPIRED.",
		}),
	}
	reg.MustRegister(
		m.verifications,
		m.backendUnavailable,
		m.records,
		m.duplicates,
		m.doorEvents,
		m.published,
		m.droppedSubscribers,
		m.mediaFailures,
		m.windowsExpired,
	)
	return m
}

func (m *Metrics) Verification(method, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(method, result).Inc()
}

func (m *Metrics) BackendUnavailable(backend string) {
	if m == nil {
		return
	}
	m.backendUnavailable.WithLabelValues(backend).Inc()
}

func (m *Metrics) RecordWritten(status string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(status).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) DoorEvent(eventType string) {
	if m == nil {
		return
	}
	m.doorEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedSubscribers.Inc()
}

func (m *Metrics) MediaFailure() {
	if m == nil {
		return
	}
	m.mediaFailures.Inc()
}

func (m *Metrics) WindowExpired() {
	if m == nil {
		return
	}
	m.windowsExpired.Inc()
}
