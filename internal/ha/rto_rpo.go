// internal/ha/rto_rpo.go
package ha

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ServiceTier selects the production recovery objectives of a dataset
type ServiceTier string

const (
	TierCritical   ServiceTier = "critical"
	TierStandard   ServiceTier = "standard"
	TierBestEffort ServiceTier = "best-effort"
)

// RTORPOStatus is the health of the failovers currently in flight
type RTORPOStatus string

const (
	StatusHealthy  RTORPOStatus = "healthy"
	StatusWarning  RTORPOStatus = "warning"
	StatusCritical RTORPOStatus = "critical"
)

// Objective is the RTO/RPO pair a failover is measured against
type Objective struct {
	RTO time.Duration `json:"rto"`
	RPO time.Duration `json:"rpo"`
}

// Validate checks the pair is usable
func (o Objective) Validate() error {
	if o.RTO <= 0 {
		return errors.New("RTO must be greater than zero")
	}
	if o.RPO <= 0 {
		return errors.New("RPO must be greater than zero")
	}
	if o.RPO > o.RTO {
		return errors.New("RPO should not exceed RTO")
	}
	return nil
}

// RTORPOConfig holds the objectives for real failovers and for drills.
// A zero Drill objective measures drills against Production.
type RTORPOConfig struct {
	Tier           ServiceTier
	Production     Objective
	Drill          Objective
	AlertThreshold float64 // fraction of the RTO after which an in-flight failover is at risk
}

// Validate checks if the config is valid
func (c RTORPOConfig) Validate() error {
	if err := c.Production.Validate(); err != nil {
		return fmt.Errorf("production objective: %w", err)
	}
	if c.Drill != (Objective{}) {
		if err := c.Drill.Validate(); err != nil {
			return fmt.Errorf("drill objective: %w", err)
		}
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		return errors.New("alert threshold must be in (0, 1]")
	}
	return nil
}

// GetTierDefaults returns the production objectives of a service tier
func GetTierDefaults(tier ServiceTier) RTORPOConfig {
	switch tier {
	case TierCritical:
		return RTORPOConfig{
			Tier:           TierCritical,
			Production:     Objective{RTO: time.Minute, RPO: 30 * time.Second},
			AlertThreshold: 0.8,
		}
	case TierBestEffort:
		return RTORPOConfig{
			Tier:           TierBestEffort,
			Production:     Objective{RTO: 4 * time.Hour, RPO: time.Hour},
			AlertThreshold: 0.9,
		}
	default:
		return RTORPOConfig{
			Tier:           TierStandard,
			Production:     Objective{RTO: 15 * time.Minute, RPO: 5 * time.Minute},
			AlertThreshold: 0.8,
		}
	}
}

// FailoverResult is one finished failover measured against its objective
type FailoverResult struct {
	RecordID    string        `json:"record_id"`
	Dataset     string        `json:"dataset"`
	Trigger     Trigger       `json:"trigger"`
	Outcome     Outcome       `json:"outcome"`
	CompletedAt time.Time     `json:"completed_at"`
	RTO         time.Duration `json:"rto"`
	RPO         time.Duration `json:"rpo"`
	RPOKnown    bool          `json:"rpo_known"`
	RTOMet      bool          `json:"rto_met"`
	RPOMet      bool          `json:"rpo_met"`
}

// Compliance aggregates results of one trigger class
type Compliance struct {
	Failovers         int           `json:"failovers"`
	Failed            int           `json:"failed"`
	RTOCompliant      int           `json:"rto_compliant"`
	RPOCompliant      int           `json:"rpo_compliant"`
	RTOComplianceRate float64       `json:"rto_compliance_rate"`
	RPOComplianceRate float64       `json:"rpo_compliance_rate"`
	AverageRTO        time.Duration `json:"average_rto"`
	AverageRPO        time.Duration `json:"average_rpo"`
	WorstRTO          time.Duration `json:"worst_rto"`
	WorstRPO          time.Duration `json:"worst_rpo"`
}

// RTORPOMetrics splits compliance between real failovers and drills
type RTORPOMetrics struct {
	Production Compliance `json:"production"`
	Drill      Compliance `json:"drill"`
}

// StatusCheck reports on failovers still in flight
type StatusCheck struct {
	Status      RTORPOStatus `json:"status"`
	RTOAtRisk   bool         `json:"rto_at_risk"`
	RPOAtRisk   bool         `json:"rpo_at_risk"`
	RTOBreached bool         `json:"rto_breached"`
	InFlight    []string     `json:"in_flight,omitempty"`
	Message     string       `json:"message"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// SLAReport covers the failovers that finished within a period
type SLAReport struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	PeriodStart    time.Time        `json:"period_start"`
	PeriodEnd      time.Time        `json:"period_end"`
	Tier           ServiceTier      `json:"tier"`
	Objective      Objective        `json:"objective"`
	DrillObjective Objective        `json:"drill_objective"`
	Production     Compliance       `json:"production"`
	Drill          Compliance       `json:"drill"`
	Failovers      []FailoverResult `json:"failovers"`
}

// RTORPOTracker measures failover records against the recovery
// objectives. The orchestrator feeds it every state change of the active
// record and every finished one.
type RTORPOTracker struct {
	config   RTORPOConfig
	inFlight map[string]FailoverRecord
	history  []FailoverResult
	now      func() time.Time
	mu       sync.RWMutex
}

// NewRTORPOTracker creates a tracker for config
func NewRTORPOTracker(config RTORPOConfig) (*RTORPOTracker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &RTORPOTracker{
		config:   config,
		inFlight: make(map[string]FailoverRecord),
		now:      time.Now,
	}, nil
}

// Tier returns the service tier
func (t *RTORPOTracker) Tier() ServiceTier {
	return t.config.Tier
}

// ObjectiveFor returns the objective a failover started by trigger is held to
func (t *RTORPOTracker) ObjectiveFor(trigger Trigger) Objective {
	if trigger == TriggerDrill && t.config.Drill != (Objective{}) {
		return t.config.Drill
	}
	return t.config.Production
}

// Observe tracks an in-flight record. Closed records are ignored; they
// arrive through Finish.
func (t *RTORPOTracker) Observe(rec FailoverRecord) {
	if rec.Closed() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[rec.ID] = rec
}

// InFlight reports whether a record is still being tracked
func (t *RTORPOTracker) InFlight(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.inFlight[id]
	return ok
}

// Finish stops tracking rec and measures it. Aborted failovers left the
// original primary serving and are not measured.
func (t *RTORPOTracker) Finish(rec FailoverRecord) (FailoverResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, rec.ID)
	if rec.Outcome != OutcomeSuccess && rec.Outcome != OutcomeFailed {
		return FailoverResult{}, false
	}

	obj := t.ObjectiveFor(rec.Trigger)
	res := FailoverResult{
		RecordID:    rec.ID,
		Dataset:     rec.Dataset,
		Trigger:     rec.Trigger,
		Outcome:     rec.Outcome,
		CompletedAt: rec.CompletedAt,
		RTO:         rec.RTO,
		RPO:         rec.RPO(),
		RPOKnown:    rec.RPOMS != LagUnknown,
	}
	if res.RTO == 0 {
		res.RTO = rec.CompletedAt.Sub(rec.TriggeredAt)
	}
	// a failed cutover never recovered service
	res.RTOMet = rec.Outcome == OutcomeSuccess && res.RTO <= obj.RTO
	res.RPOMet = res.RPOKnown && res.RPO <= obj.RPO

	t.history = append(t.history, res)
	return res, true
}

// Metrics aggregates every finished failover
func (t *RTORPOTracker) Metrics() RTORPOMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prod, drill := split(t.history)
	return RTORPOMetrics{Production: summarize(prod), Drill: summarize(drill)}
}

// Status checks in-flight failovers against their objectives
func (t *RTORPOTracker) Status() StatusCheck {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	status := StatusCheck{Status: StatusHealthy, CheckedAt: now}
	if len(t.inFlight) == 0 {
		status.Message = "no failover in flight"
		return status
	}

	ids := make([]string, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	status.InFlight = ids

	raise := func(s RTORPOStatus, msg string) {
		if s == StatusCritical || status.Status == StatusHealthy {
			status.Status = s
			status.Message = msg
		}
	}

	for _, id := range ids {
		rec := t.inFlight[id]
		obj := t.ObjectiveFor(rec.Trigger)
		elapsed := now.Sub(rec.TriggeredAt)

		switch {
		case elapsed > obj.RTO:
			status.RTOBreached = true
			status.RTOAtRisk = true
			raise(StatusCritical, fmt.Sprintf("failover %s in %s past RTO %s", id, rec.State, obj.RTO))
		case elapsed > time.Duration(float64(obj.RTO)*t.config.AlertThreshold):
			status.RTOAtRisk = true
			raise(StatusWarning, fmt.Sprintf("failover %s in %s approaching RTO %s", id, rec.State, obj.RTO))
		}

		if rec.RPOMS != LagUnknown && rec.RPO() > obj.RPO {
			status.RPOAtRisk = true
			raise(StatusWarning, fmt.Sprintf("failover %s target lag %dms exceeds RPO %s", id, rec.RPOMS, obj.RPO))
		}
	}

	if status.Status == StatusHealthy {
		status.Message = fmt.Sprintf("%d failover(s) in flight within objectives", len(ids))
	}
	return status
}

// Report covers failovers completed between start and end
func (t *RTORPOTracker) Report(start, end time.Time) SLAReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := SLAReport{
		GeneratedAt:    t.now(),
		PeriodStart:    start,
		PeriodEnd:      end,
		Tier:           t.config.Tier,
		Objective:      t.config.Production,
		DrillObjective: t.ObjectiveFor(TriggerDrill),
		Failovers:      make([]FailoverResult, 0),
	}
	for _, res := range t.history {
		if res.CompletedAt.Before(start) || res.CompletedAt.After(end) {
			continue
		}
		report.Failovers = append(report.Failovers, res)
	}

	prod, drill := split(report.Failovers)
	report.Production = summarize(prod)
	report.Drill = summarize(drill)
	return report
}

func split(results []FailoverResult) (prod, drill []FailoverResult) {
	for _, res := range results {
		if res.Trigger == TriggerDrill {
			drill = append(drill, res)
		} else {
			prod = append(prod, res)
		}
	}
	return prod, drill
}

// summarize treats an empty set as fully compliant
func summarize(results []FailoverResult) Compliance {
	c := Compliance{
		Failovers:         len(results),
		RTOComplianceRate: 100,
		RPOComplianceRate: 100,
	}
	if len(results) == 0 {
		return c
	}

	var totalRTO, totalRPO time.Duration
	for _, res := range results {
		if res.Outcome == OutcomeFailed {
			c.Failed++
		}
		if res.RTOMet {
			c.RTOCompliant++
		}
		if res.RPOMet {
			c.RPOCompliant++
		}
		totalRTO += res.RTO
		totalRPO += res.RPO
		c.WorstRTO = max(c.WorstRTO, res.RTO)
		c.WorstRPO = max(c.WorstRPO, res.RPO)
	}

	n := len(results)
	c.RTOComplianceRate = float64(c.RTOCompliant) / float64(n) * 100
	c.RPOComplianceRate = float64(c.RPOCompliant) / float64(n) * 100
	c.AverageRTO = totalRTO / time.Duration(n)
	c.AverageRPO = totalRPO / time.Duration(n)
	return c
}
