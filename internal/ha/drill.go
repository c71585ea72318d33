package ha

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ticket is a non-paging follow-up for the owning team
type Ticket struct {
	Dataset  string    `json:"dataset"`
	RecordID string    `json:"record_id,omitempty"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Severity Severity  `json:"severity"`
	OpenedAt time.Time `json:"opened_at"`
}

// Ticketer opens tickets
type Ticketer interface {
	OpenTicket(ctx context.Context, t Ticket) error
}

// DrillConfig configures scheduled failover drills
type DrillConfig struct {
	Interval  time.Duration
	RTOTarget time.Duration
	RPOTarget time.Duration
	// Timeout bounds each leg of a drill
	Timeout time.Duration
	// Failback restores the pre-drill topology after a successful drill
	Failback bool
	// Production marks the dataset as serving production traffic. Drills
	// are refused on it.
	Production bool
}

// DefaultDrillConfig returns sensible defaults
func DefaultDrillConfig() *DrillConfig {
	return &DrillConfig{
		Interval:  30 * 24 * time.Hour,
		RTOTarget: 5 * time.Minute,
		RPOTarget: 30 * time.Second,
		Timeout:   15 * time.Minute,
		Failback:  true,
	}
}

// DrillReport is the outcome of one drill
type DrillReport struct {
	ID         string          `json:"id"`
	Dataset    string          `json:"dataset"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Record     FailoverRecord  `json:"record"`
	Failback   *FailoverRecord `json:"failback,omitempty"`
	RTO        time.Duration   `json:"rto"`
	RPOMS      int64           `json:"rpo_ms"`
	RTOTarget  time.Duration   `json:"rto_target"`
	RPOTarget  time.Duration   `json:"rpo_target"`
	RTOMet     bool            `json:"rto_met"`
	RPOMet     bool            `json:"rpo_met"`
	Restored   bool            `json:"restored"`
	Passed     bool            `json:"passed"`
	Ticketed   bool            `json:"ticketed"`
	Error      string          `json:"error,omitempty"`
}

// DrillSummary aggregates drill reports
type DrillSummary struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	TotalDrills   int           `json:"total_drills"`
	PassedDrills  int           `json:"passed_drills"`
	FailedDrills  int           `json:"failed_drills"`
	AverageRTO    time.Duration `json:"average_rto"`
	RTOCompliance float64       `json:"rto_compliance"`
	Reports       []DrillReport `json:"reports"`
}

// DrillScheduler runs failover drills through the orchestrator.
// A drill is a real failover with trigger Drill: same state machine,
// same safety rules, no paging.
type DrillScheduler struct {
	config       *DrillConfig
	orchestrator *Orchestrator
	ticketer     Ticketer
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	reports []DrillReport
}

// NewDrillScheduler creates a drill scheduler. ticketer may be nil.
func NewDrillScheduler(config *DrillConfig, orchestrator *Orchestrator, ticketer Ticketer, metrics *Metrics, logger *zap.Logger) (*DrillScheduler, error) {
	if orchestrator == nil {
		return nil, errors.New("orchestrator required")
	}
	if config == nil {
		config = DefaultDrillConfig()
	}
	if config.RTOTarget <= 0 || config.RPOTarget <= 0 {
		return nil, errors.New("drill RTO and RPO targets must be greater than zero")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultDrillConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DrillScheduler{
		config:       config,
		orchestrator: orchestrator,
		ticketer:     ticketer,
		metrics:      metrics,
		logger:       logger.Named("drill").With(zap.String("dataset", orchestrator.Dataset())),
		now:          time.Now,
		reports:      make([]DrillReport, 0),
	}, nil
}

// Config returns the drill configuration
func (d *DrillScheduler) Config() *DrillConfig {
	return d.config
}

// Check reports whether a drill against target may start. An empty
// target lets the orchestrator pick the safest standby.
func (d *DrillScheduler) Check(target RegionID) error {
	if d.config.Production {
		return fmt.Errorf("dataset %s: %w", d.orchestrator.Dataset(), ErrProductionDataset)
	}
	if target == "" {
		return nil
	}
	r, ok := d.orchestrator.Topology().Get(target)
	if !ok {
		return fmt.Errorf("region %s: %w", target, ErrUnknownRegion)
	}
	if r.Role != RoleStandby {
		return fmt.Errorf("region %s is %s: %w", target, r.Role, ErrInvalidTarget)
	}
	return nil
}

// RunDrill fails over to target and, when that succeeds, fails back to
// the original primary. Errors that prevent the drill from starting
// (production dataset, bad target, a failover in progress) are returned
// without a report.
func (d *DrillScheduler) RunDrill(ctx context.Context, target RegionID) (DrillReport, error) {
	if err := d.Check(target); err != nil {
		return DrillReport{}, err
	}

	topology := d.orchestrator.Topology()
	before := topology.Assignment()
	original := topology.Primary().ID

	report := DrillReport{
		ID:        uuid.New().String(),
		Dataset:   d.orchestrator.Dataset(),
		StartedAt: d.now(),
		RTOTarget: d.config.RTOTarget,
		RPOTarget: d.config.RPOTarget,
		RPOMS:     LagUnknown,
	}

	rec, err := d.leg(ctx, FailoverRequest{Target: target, Trigger: TriggerDrill, Reason: "failover drill"})
	if rec.ID == "" && err != nil {
		return DrillReport{}, err
	}
	report.Record = rec
	if err != nil {
		report.Error = err.Error()
	}

	if rec.Outcome == OutcomeSuccess {
		report.RTO = rec.RTO
		report.RPOMS = rec.RPOMS
		report.RTOMet = rec.RTO <= d.config.RTOTarget
		report.RPOMet = rec.RPOMS != LagUnknown && rec.RPO() <= d.config.RPOTarget
	} else if report.Error == "" {
		report.Error = fmt.Sprintf("drill failover ended %s: %s", rec.State, rec.Error)
	}

	if rec.Outcome == OutcomeSuccess && d.config.Failback {
		if err := d.failback(ctx, original, rec.TargetRegionID, &report); err != nil {
			report.Error = err.Error()
		}
		report.Restored = maps.Equal(before, topology.Assignment())
	}

	report.Passed = rec.Outcome == OutcomeSuccess && report.RTOMet && report.RPOMet &&
		(!d.config.Failback || report.Restored)
	report.FinishedAt = d.now()

	if !report.Passed {
		report.Ticketed = d.openTicket(ctx, report)
	}

	d.metrics.drillFinished(report.Dataset, report.Passed)
	d.logger.Info("drill finished",
		zap.String("drill_id", report.ID),
		zap.String("record_id", rec.ID),
		zap.Bool("passed", report.Passed),
		zap.Duration("rto", report.RTO),
		zap.Int64("rpo_ms", report.RPOMS),
		zap.Bool("restored", report.Restored))

	d.mu.Lock()
	d.reports = append(d.reports, report)
	d.mu.Unlock()

	return report, nil
}

// leg triggers one failover and waits for its outcome
func (d *DrillScheduler) leg(ctx context.Context, req FailoverRequest) (FailoverRecord, error) {
	lctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	rec, err := d.orchestrator.TriggerFailover(lctx, req)
	if err != nil {
		return rec, err
	}
	return d.orchestrator.Await(lctx, rec.ID)
}

// failback rejoins the original primary, fails over to it and rejoins
// the drill target, restoring the pre-drill role assignment
func (d *DrillScheduler) failback(ctx context.Context, original, target RegionID, report *DrillReport) error {
	if err := d.orchestrator.Rejoin(ctx, original); err != nil {
		return fmt.Errorf("rejoin %s: %w", original, err)
	}

	rec, err := d.leg(ctx, FailoverRequest{Target: original, Trigger: TriggerDrill, Reason: "drill failback"})
	if rec.ID != "" {
		report.Failback = &rec
	}
	if err != nil {
		return fmt.Errorf("failback to %s: %w", original, err)
	}
	if rec.Outcome != OutcomeSuccess {
		return fmt.Errorf("failback to %s ended %s: %s", original, rec.State, rec.Error)
	}

	if err := d.orchestrator.Rejoin(ctx, target); err != nil {
		return fmt.Errorf("rejoin %s: %w", target, err)
	}
	return nil
}

func (d *DrillScheduler) openTicket(ctx context.Context, report DrillReport) bool {
	if d.ticketer == nil {
		return false
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	t := Ticket{
		Dataset:  report.Dataset,
		RecordID: report.Record.ID,
		Title:    fmt.Sprintf("Failover drill failed for %s", report.Dataset),
		Body: fmt.Sprintf("rto %s (target %s, met %t), rpo %dms (target %s, met %t), restored %t: %s",
			report.RTO, report.RTOTarget, report.RTOMet, report.RPOMS, report.RPOTarget, report.RPOMet, report.Restored, report.Error),
		Severity: SeverityWarning,
		OpenedAt: d.now(),
	}
	if err := d.ticketer.OpenTicket(tctx, t); err != nil {
		d.logger.Warn("drill ticket not opened", zap.String("drill_id", report.ID), zap.Error(err))
		return false
	}
	return true
}

// Run drills target every interval until ctx is done
func (d *DrillScheduler) Run(ctx context.Context, target RegionID) {
	if d.config.Interval <= 0 {
		d.logger.Info("scheduled drills disabled")
		return
	}
	if err := d.Check(target); err != nil {
		d.logger.Error("scheduled drills refused", zap.Error(err))
		return
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunDrill(ctx, target); err != nil {
				d.logger.Warn("drill skipped", zap.Error(err))
			}
		}
	}
}

// Reports returns every drill report, oldest first
func (d *DrillScheduler) Reports() []DrillReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]DrillReport, len(d.reports))
	copy(result, d.reports)
	return result
}

// Summary aggregates drill results
func (d *DrillScheduler) Summary() DrillSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	summary := DrillSummary{
		GeneratedAt: d.now(),
		TotalDrills: len(d.reports),
		Reports:     make([]DrillReport, len(d.reports)),
	}
	copy(summary.Reports, d.reports)

	var totalRTO time.Duration
	rtoMet := 0
	for _, r := range d.reports {
		if r.Passed {
			summary.PassedDrills++
		} else {
			summary.FailedDrills++
		}
		totalRTO += r.RTO
		if r.RTOMet {
			rtoMet++
		}
	}

	if summary.TotalDrills > 0 {
		summary.AverageRTO = totalRTO / time.Duration(summary.TotalDrills)
		summary.RTOCompliance = float64(rtoMet) / float64(summary.TotalDrills) * 100
	}

	return summary
}
