package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// Recorder publishes engine counters to a Prometheus registry.
type Recorder struct {
	reg         *prometheus.Registry
	transitions *prometheus.CounterVec
	aggregates  *prometheus.CounterVec
	battles     *prometheus.CounterVec
	rMultiple   prometheus.Histogram
	activeArms  prometheus.Gauge
}

// New creates a Recorder backed by its own registry, so several recorders can
// coexist in one process (and in tests).
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_phase_transitions_total",
				Help: "Phase transition attempts by outcome",
			},
			[]string{"from", "to", "outcome"},
		),
		aggregates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_aggregations_total",
				Help: "Aggregation verdicts by commander kind",
			},
			[]string{"kind"},
		),
		battles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_battles_total",
				Help: "Resolved battles by result",
			},
			[]string{"result"},
		),
		rMultiple: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arena_battle_r_multiple",
				Help:    "Realised R multiple of resolved battles",
				Buckets: []float64{-1, -0.5, 0, 0.5, 1, 1.5, 2, 3},
			},
		),
		activeArms: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_battles_active",
				Help: "Battles currently armed on this process",
			},
		),
	}
}

// RecordTransition counts a phase transition attempt.
func (r *Recorder) RecordTransition(from, to domain.Phase, outcome string) {
	r.transitions.WithLabelValues(string(from), string(to), outcome).Inc()
}

// RecordAggregation counts a commander verdict.
func (r *Recorder) RecordAggregation(kind domain.VerdictKind) {
	r.aggregates.WithLabelValues(string(kind)).Inc()
}

// RecordBattleArmed tracks a newly armed resolver.
func (r *Recorder) RecordBattleArmed() {
	r.activeArms.Inc()
}

// RecordBattle records a resolved battle. Destroyed battles that never reached
// a terminal state should not be passed here.
func (r *Recorder) RecordBattle(result domain.BattleStatus, rAchieved float64) {
	r.activeArms.Dec()
	r.battles.WithLabelValues(string(result)).Inc()
	r.rMultiple.Observe(rAchieved)
}

// RecordBattleCancelled releases the active gauge for a battle torn down early.
func (r *Recorder) RecordBattleCancelled() {
	r.activeArms.Dec()
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
