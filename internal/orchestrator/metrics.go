package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/solatis/pointsflow/internal/engine"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	evaluations    *prometheus.CounterVec
	pointsAwarded  prometheus.Counter
	fanoutSubjects prometheus.Histogram
	engineSteps    *prometheus.HistogramVec
	errors         *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestrator metrics. A nil registerer
// returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointsflow",
			Subsystem: "orchestrator",
			Name:      "evaluations_total",
			Help:      "Rule evaluations per subject by outcome status",
		}, []string{"status"}),

		pointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pointsflow",
			Subsystem: "orchestrator",
			Name:      "points_awarded_total",
			Help:      "Points accrued by applied rule executions",
		}),

		fanoutSubjects: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pointsflow",
			Subsystem: "orchestrator",
			Name:      "fanout_subjects",
			Help:      "Subjects selected per audience fan-out",
			Buckets:   []float64{0, 1, 10, 100, 1000, 5000, 10000},
		}),

		engineSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pointsflow",
			Subsystem: "engine",
			Name:      "steps",
			Help:      "Nodes visited per graph execution",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"result"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pointsflow",
			Subsystem: "orchestrator",
			Name:      "errors_total",
			Help:      "Collaborator failures isolated per rule or subject",
		}, []string{"stage"}),
	}

	reg.MustRegister(m.evaluations, m.pointsAwarded, m.fanoutSubjects, m.engineSteps, m.errors)
	return m
}

func (m *Metrics) outcome(o Outcome) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(string(o.Status)).Inc()
	if o.Status == StatusApplied && o.PointsDelta.IsPositive() {
		f, _ := o.PointsDelta.Float64()
		m.pointsAwarded.Add(f)
	}
}

func (m *Metrics) run(res engine.Result) {
	if m == nil {
		return
	}
	m.engineSteps.WithLabelValues(res.Kind().String()).Observe(float64(res.Steps))
}

func (m *Metrics) fanout(n int) {
	if m == nil {
		return
	}
	m.fanoutSubjects.Observe(float64(n))
}

func (m *Metrics) failure(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}
