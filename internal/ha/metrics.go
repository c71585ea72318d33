package ha

import (
	"github.com/prometheus/client_golang/prometheus"
)

var allStates = []State{
	StateHealthy, StateSuspected, StateDeciding, StatePromoting,
	StateRouting, StateVerifying, StateResumed, StateAborted, StateFailed,
}

// Metrics holds Prometheus collectors for the failover pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FailoverState  *prometheus.GaugeVec
	Failovers      *prometheus.CounterVec
	Verdicts       *prometheus.CounterVec
	ProbeFailures  *prometheus.CounterVec
	ReplicationLag *prometheus.GaugeVec
	RTO            *prometheus.HistogramVec
	RPO            *prometheus.GaugeVec
	Drills         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FailoverState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "failover_state",
				Help: "Current failover state per dataset (1 for the active state)",
			},
			[]string{"dataset", "state"},
		),
		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failover_attempts_total",
				Help: "Failover attempts by trigger and outcome",
			},
			[]string{"dataset", "trigger", "outcome"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failover_health_verdicts_total",
				Help: "Health verdicts by region and overall result",
			},
			[]string{"region", "overall"},
		),
		ProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failover_probe_failures_total",
				Help: "Failed or timed out health probes",
			},
			[]string{"region", "signal"},
		),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "failover_replication_lag_ms",
				Help: "Last measured replication lag per standby, -1 when unknown",
			},
			[]string{"standby"},
		),
		RTO: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "failover_rto_seconds",
				Help:    "Measured recovery time of successful failovers",
				Buckets: []float64{15, 30, 60, 120, 300, 600, 900, 1800},
			},
			[]string{"dataset", "trigger"},
		),
		RPO: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "failover_rpo_ms",
				Help: "Replication lag at promotion of the last successful failover",
			},
			[]string{"dataset"},
		),
		Drills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failover_drills_total",
				Help: "Failover drills by result",
			},
			[]string{"dataset", "result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.FailoverState, m.Failovers, m.Verdicts, m.ProbeFailures,
			m.ReplicationLag, m.RTO, m.RPO, m.Drills,
		)
	}

	return m
}

func (m *Metrics) stateChanged(dataset string, state State) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.FailoverState.WithLabelValues(dataset, string(s)).Set(v)
	}
}

func (m *Metrics) failoverFinished(rec FailoverRecord) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(rec.Dataset, string(rec.Trigger), string(rec.Outcome)).Inc()
	if rec.Outcome == OutcomeSuccess {
		m.RTO.WithLabelValues(rec.Dataset, string(rec.Trigger)).Observe(rec.RTO.Seconds())
		m.RPO.WithLabelValues(rec.Dataset).Set(float64(rec.RPOMS))
	}
}

func (m *Metrics) verdictObserved(v HealthVerdict) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(string(v.RegionID), string(v.Overall)).Inc()
}

func (m *Metrics) probeFailed(region RegionID, signal string) {
	if m == nil {
		return
	}
	m.ProbeFailures.WithLabelValues(string(region), signal).Inc()
}

func (m *Metrics) lagObserved(standby RegionID, s ReplicationStatus) {
	if m == nil {
		return
	}
	v := -1.0
	if s.Known() {
		v = float64(s.LagMS)
	}
	m.ReplicationLag.WithLabelValues(string(standby)).Set(v)
}

func (m *Metrics) drillFinished(dataset string, passed bool) {
	if m == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	m.Drills.WithLabelValues(dataset, result).Inc()
}
