package kafka

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// outcomes of one edit notification
const (
	outcomeApplied   = "applied"
	outcomeUnrouted  = "unrouted"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
	outcomeInvalid   = "invalid"
)

type metricSet struct {
	notifications *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	features      *prometheus.CounterVec
	handle        *prometheus.HistogramVec
	eventAge      *prometheus.GaugeVec
	lastSeq       *prometheus.GaugeVec
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "editevents_notifications_total",
				Help: "Edit notifications by layer and outcome (applied, unrouted, duplicate, failed, invalid).",
			},
			[]string{"layer", "outcome"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "editevents_sessions_notified_total",
				Help: "Sessions that applied an edit notification, by layer.",
			},
			[]string{"layer"},
		),
		features: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "editevents_features_total",
				Help: "Object ids carried by applied edit notifications, by edit op.",
			},
			[]string{"op"},
		),
		handle: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "editevents_handle_seconds",
				Help:    "Time to decode and dispatch one edit notification to the open sessions.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
		eventAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "editevents_commit_age_seconds",
				Help: "Age of the last consumed commit notification per partition.",
			},
			[]string{"partition"},
		),
		lastSeq: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "editevents_last_seq",
				Help: "Last applied commit sequence per layer.",
			},
			[]string{"layer"},
		),
	}
	if r != nil {
		r.MustRegister(m.notifications, m.sessions, m.features, m.handle, m.eventAge, m.lastSeq)
	}
	return m
}

func (m *metricSet) commitAge(partition int32, ts time.Time) {
	if ts.IsZero() {
		return
	}
	m.eventAge.WithLabelValues(strconv.Itoa(int(partition))).Set(time.Since(ts).Seconds())
}

// invalid counts a notification that could not be decoded or validated.
// layer is empty when decoding failed.
func (m *metricSet) invalid(layer string) {
	if layer == "" {
		layer = "unknown"
	}
	m.notifications.WithLabelValues(layer, outcomeInvalid).Inc()
}

func (m *metricSet) outcome(layer, outcome string) {
	m.notifications.WithLabelValues(layer, outcome).Inc()
}

// applied records a notification delivered to n sessions.
func (m *metricSet) applied(layer, op string, seq uint64, ids, n int) {
	if n == 0 {
		m.outcome(layer, outcomeUnrouted)
	} else {
		m.outcome(layer, outcomeApplied)
		m.sessions.WithLabelValues(layer).Add(float64(n))
	}
	m.features.WithLabelValues(op).Add(float64(ids))
	if seq > 0 {
		m.lastSeq.WithLabelValues(layer).Set(float64(seq))
	}
}

func (m *metricSet) observe(op string, d time.Duration) {
	if op == "" {
		op = "unknown"
	}
	m.handle.WithLabelValues(op).Observe(d.Seconds())
}
