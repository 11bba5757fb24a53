package automation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the rule engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	evaluationsTotal  *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	actionFailures    *prometheus.CounterVec
	cycleDuration     *prometheus.HistogramVec
	actuatorActive    *prometheus.GaugeVec
	cooldownActive    *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors.
// A nil registerer disables metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "evaluations_total",
			Help:      "Rule condition evaluations by match result",
		}, []string{"rule_id", "result"}),

		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "decisions_total",
			Help:      "Governor decisions by verdict and reason",
		}, []string{"rule_id", "verdict", "reason"}),

		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "executions_total",
			Help:      "Completed rule executions by outcome",
		}, []string{"rule_id", "outcome"}),

		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "execution_duration_seconds",
			Help:      "Time spent dispatching a rule's actions",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"rule_id"}),

		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "action_failures_total",
			Help:      "Failed actions by kind and error code",
		}, []string{"kind", "error_code"}),

		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agrilogic",
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent evaluating one farm or block cycle",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"farm_id"}),

		actuatorActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "actuator_active",
			Help:      "1 while the rule's actuators are energised",
		}, []string{"rule_id"}),

		cooldownActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agrilogic",
			Subsystem: "rule",
			Name:      "cooldown_active",
			Help:      "1 while the rule is inside its cooldown interval",
		}, []string{"rule_id"}),
	}

	reg.MustRegister(
		m.evaluationsTotal,
		m.decisionsTotal,
		m.executionsTotal,
		m.executionDuration,
		m.actionFailures,
		m.cycleDuration,
		m.actuatorActive,
		m.cooldownActive,
	)
	return m
}

func (m *Metrics) observeEvaluation(ruleID string, matched bool) {
	if m == nil {
		return
	}
	result := "unmatched"
	if matched {
		result = "matched"
	}
	m.evaluationsTotal.WithLabelValues(ruleID, result).Inc()
}

func (m *Metrics) observeDecision(ruleID string, d Decision) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(ruleID, string(d.Verdict), string(d.Reason)).Inc()
	m.cooldownActive.WithLabelValues(ruleID).Set(boolGauge(d.Reason == ReasonCooldown))
}

func (m *Metrics) observeExecution(ruleID string, elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.executionsTotal.WithLabelValues(ruleID, outcome).Inc()
	m.executionDuration.WithLabelValues(ruleID).Observe(elapsed.Seconds())
}

func (m *Metrics) observeActionFailure(kind ActionKind, code string) {
	if m == nil {
		return
	}
	m.actionFailures.WithLabelValues(string(kind), code).Inc()
}

func (m *Metrics) observeCycle(farmID string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(farmID).Observe(elapsed.Seconds())
}

func (m *Metrics) setActuatorActive(ruleID string, active bool) {
	if m == nil {
		return
	}
	m.actuatorActive.WithLabelValues(ruleID).Set(boolGauge(active))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
