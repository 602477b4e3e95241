package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus collectors for the approval workflow. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	requestsCreated *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	lateDecisions   prometheus.Counter
	abandoned       prometheus.Counter
	expired         prometheus.Counter
	waiting         prometheus.Gauge
	waitDuration    prometheus.Histogram
	polls           *prometheus.CounterVec
	ticksSkipped    prometheus.Counter
	signerFallbacks prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the package-level metrics registered with the global
// Prometheus registry. Collectors are created once so repeated construction
// in tests does not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors other than AlreadyRegistered panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "approval",
			Name:      "requests_created_total",
			Help:      "Approval requests created, by policy verdict.",
		}, []string{"verdict"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Decisions recorded in the store, by outcome.",
		}, []string{"outcome"}),
		lateDecisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "approval",
			Name:      "late_decisions_total",
			Help:      "Decisions that arrived after the waiting task was abandoned.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "approval",
			Name:      "abandoned_total",
			Help:      "Requests abandoned because the waiting task was cancelled.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "approval",
			Name:      "expired_total",
			Help:      "Requests rejected by the expiry policy.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploygate",
			Subsystem: "bridge",
			Name:      "waiting_tasks",
			Help:      "Tasks currently suspended waiting for a decision.",
		}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deploygate",
			Subsystem: "bridge",
			Name:      "wait_duration_seconds",
			Help:      "Time a task spent suspended before it was resumed.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Poll attempts, by result.",
		}, []string{"result"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "poller",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because a poll was still in flight.",
		}),
		signerFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploygate",
			Subsystem: "signing",
			Name:      "fallbacks_total",
			Help:      "Times sign-only was unsupported and sign-and-submit was used.",
		}),
	}

	collectors := []prometheus.Collector{
		m.requestsCreated, m.decisions, m.lateDecisions, m.abandoned, m.expired,
		m.waiting, m.waitDuration, m.polls, m.ticksSkipped, m.signerFallbacks,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
	return m
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RequestCreated(verdict string) {
	if m == nil {
		return
	}
	m.requestsCreated.WithLabelValues(verdict).Inc()
}

func (m *Metrics) DecisionRecorded(approved bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LateDecision() {
	if m == nil {
		return
	}
	m.lateDecisions.Inc()
}

func (m *Metrics) Abandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *Metrics) SetWaiting(n int) {
	if m == nil {
		return
	}
	m.waiting.Set(float64(n))
}

func (m *Metrics) Resumed(waited time.Duration) {
	if m == nil {
		return
	}
	m.waitDuration.Observe(waited.Seconds())
}

func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Metrics) SignerFallback() {
	if m == nil {
		return
	}
	m.signerFallbacks.Inc()
}
