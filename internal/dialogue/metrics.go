package dialogue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jxucoder/ailex/internal/verdict"
)

// Metrics reports dialogue activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	turns     *prometheus.CounterVec
	verdicts  *prometheus.CounterVec
	handoffs  prometheus.Counter
	fallbacks prometheus.Counter
	evicted   prometheus.Counter
	active    prometheus.Gauge
}

// MustNewMetrics registers the dialogue collectors with reg. A nil reg uses
// the default registry. Registration errors panic, as promauto does.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailex",
			Subsystem: "dialogue",
			Name:      "turns_total",
			Help:      "Inbound turns by the session mode they arrived in.",
		}, []string{"mode"}),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailex",
			Subsystem: "dialogue",
			Name:      "verdicts_total",
			Help:      "Oracle verdicts by kind.",
		}, []string{"kind"}),
		handoffs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ailex",
			Subsystem: "dialogue",
			Name:      "handoffs_total",
			Help:      "Artifacts produced.",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ailex",
			Subsystem: "oracle",
			Name:      "fallbacks_total",
			Help:      "Oracle calls that degraded to the fallback reply.",
		}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ailex",
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions removed by the idle sweep.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ailex",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently held in memory.",
		}),
	}
}

func (m *Metrics) turn(mode string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(mode).Inc()
}

func (m *Metrics) verdict(kind verdict.Kind) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) handoff() {
	if m == nil {
		return
	}
	m.handoffs.Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// RecordEviction counts a session removed by the sweeper.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

// SetActive reports the current number of sessions.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
