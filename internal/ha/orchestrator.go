package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router is the traffic routing layer that receives cutover commands
type Router interface {
	SetActiveRegion(ctx context.Context, region RegionID) error
}

// Severity of a notification or ticket
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is a fire-and-forget state transition event
type Notification struct {
	Dataset  string    `json:"dataset"`
	RecordID string    `json:"record_id"`
	Trigger  Trigger   `json:"trigger"`
	State    State     `json:"state"`
	Severity Severity  `json:"severity"`
	Page     bool      `json:"page"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Notifier delivers state transition notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RecordStore persists failover records and the region role table
type RecordStore interface {
	SaveRecord(ctx context.Context, rec FailoverRecord) error
	SaveRoles(ctx context.Context, dataset string, roles map[RegionID]Role) error
}

// FailoverRequest asks for a failover. An empty Target lets the
// orchestrator pick the safest standby.
type FailoverRequest struct {
	Target  RegionID
	Reason  string
	Trigger Trigger
}

// OrchestratorConfig configures failover decisions and timeouts
type OrchestratorConfig struct {
	LagCeilingMS    int64
	CatchUpMaxLagMS int64
	RPOBudget       time.Duration
	PromoteTimeout  time.Duration
	RoutingTimeout  time.Duration
	VerifyGrace     time.Duration
	VerifyInterval  time.Duration
	DwellTime       time.Duration
	DwellCycles     int
	NotifyTimeout   time.Duration
	PersistTimeout  time.Duration
	FenceTimeout    time.Duration
}

// DefaultOrchestratorConfig returns sensible defaults
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		LagCeilingMS:    30000,
		CatchUpMaxLagMS: 1000,
		RPOBudget:       60 * time.Second,
		PromoteTimeout:  30 * time.Second,
		RoutingTimeout:  60 * time.Second,
		VerifyGrace:     30 * time.Second,
		VerifyInterval:  5 * time.Second,
		DwellTime:       15 * time.Second,
		DwellCycles:     3,
		NotifyTimeout:   5 * time.Second,
		PersistTimeout:  10 * time.Second,
		FenceTimeout:    5 * time.Second,
	}
}

// Validate checks the configuration
func (c *OrchestratorConfig) Validate() error {
	if c.LagCeilingMS <= 0 {
		return errors.New("lag ceiling must be greater than zero")
	}
	if c.CatchUpMaxLagMS <= 0 || c.CatchUpMaxLagMS > c.LagCeilingMS {
		return errors.New("catch-up max lag must be positive and not exceed the lag ceiling")
	}
	if c.RPOBudget <= 0 {
		return errors.New("RPO budget must be greater than zero")
	}
	if c.VerifyGrace <= 0 || c.VerifyInterval <= 0 {
		return errors.New("verify grace and interval must be greater than zero")
	}
	return nil
}

func (c *OrchestratorConfig) applyDefaults() {
	d := DefaultOrchestratorConfig()
	if c.PromoteTimeout <= 0 {
		c.PromoteTimeout = d.PromoteTimeout
	}
	if c.RoutingTimeout <= 0 {
		c.RoutingTimeout = d.RoutingTimeout
	}
	if c.DwellTime < 0 {
		c.DwellTime = d.DwellTime
	}
	if c.DwellCycles <= 0 {
		c.DwellCycles = d.DwellCycles
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.FenceTimeout <= 0 {
		c.FenceTimeout = d.FenceTimeout
	}
}

// OrchestratorDeps are the collaborators of an orchestrator.
// Notifier, Store, RTO and Metrics are optional.
type OrchestratorDeps struct {
	Topology *Topology
	Monitor  *HealthMonitor
	Tracker  *ReplicationTracker
	Storage  StorageLayer
	Router   Router
	Notifier Notifier
	Store    RecordStore
	RTO      *RTORPOTracker
	Metrics  *Metrics
	Logger   *zap.Logger
}

// failover is one admitted attempt. The record is written only by the
// worker goroutine; readers go through the published snapshot.
type failover struct {
	record   *FailoverRecord
	snapshot atomic.Pointer[FailoverRecord]
	done     chan struct{}
	cancel   context.CancelFunc

	// set by the worker when on-call must be paged for an abort
	page bool

	mu        sync.Mutex
	cancelled bool
	committed bool
}

func (f *failover) publish() FailoverRecord {
	snap := f.record.Snapshot()
	f.snapshot.Store(&snap)
	return snap
}

func (f *failover) view() FailoverRecord {
	return f.snapshot.Load().Snapshot()
}

// Orchestrator owns the failover state machine of one logical dataset.
// Admission is single-flight: triggers, cancels and health verdicts are
// serialized through the Run loop, and each admitted failover is driven
// by exactly one worker goroutine.
type Orchestrator struct {
	config   *OrchestratorConfig
	dataset  string
	topology *Topology
	monitor  *HealthMonitor
	tracker  *ReplicationTracker
	storage  StorageLayer
	router   Router
	notifier Notifier
	store    RecordStore
	rto      *RTORPOTracker
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	requests chan func()
	finished chan *failover
	stopped  chan struct{}
	started  atomic.Bool

	// owned by the Run goroutine
	runCtx        context.Context
	active        *failover
	dwell         *DwellTracker
	abortLatched  bool
	failedLatched bool

	mu      sync.RWMutex
	history map[string]*failover
	order   []string
}

// NewOrchestrator creates an orchestrator for the dataset of deps.Topology
func NewOrchestrator(config *OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Topology == nil || deps.Monitor == nil || deps.Tracker == nil {
		return nil, errors.New("topology, health monitor and replication tracker required")
	}
	if deps.Storage == nil || deps.Router == nil {
		return nil, errors.New("storage layer and router required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dataset := deps.Topology.Dataset()

	o := &Orchestrator{
		config:   config,
		dataset:  dataset,
		topology: deps.Topology,
		monitor:  deps.Monitor,
		tracker:  deps.Tracker,
		storage:  deps.Storage,
		router:   deps.Router,
		notifier: deps.Notifier,
		store:    deps.Store,
		rto:      deps.RTO,
		metrics:  deps.Metrics,
		logger:   logger.Named("orchestrator").With(zap.String("dataset", dataset)),
		now:      time.Now,
		requests: make(chan func()),
		finished: make(chan *failover),
		stopped:  make(chan struct{}),
		dwell:    NewDwellTracker(config.DwellCycles, config.DwellTime),
		history:  make(map[string]*failover),
	}
	o.metrics.stateChanged(dataset, StateHealthy)
	return o, nil
}

// Dataset returns the logical dataset this orchestrator owns
func (o *Orchestrator) Dataset() string {
	return o.dataset
}

// Topology returns the region role table
func (o *Orchestrator) Topology() *Topology {
	return o.topology
}

// Config returns the orchestrator configuration
func (o *Orchestrator) Config() *OrchestratorConfig {
	return o.config
}

// Run is the single owning loop of the dataset. It consumes health
// verdicts and serializes every admission decision until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, verdicts <-chan HealthVerdict) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer close(o.stopped)

	o.runCtx = ctx
	o.logger.Info("orchestrator started", zap.String("primary", string(o.topology.Primary().ID)))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case fn := <-o.requests:
			fn()
		case f := <-o.finished:
			o.finish(f)
		case v, ok := <-verdicts:
			if !ok {
				verdicts = nil
				continue
			}
			o.observe(v)
		}
	}
}

// submit runs fn on the Run goroutine
func (o *Orchestrator) submit(ctx context.Context, fn func()) error {
	select {
	case o.requests <- fn:
		return nil
	case <-o.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerFailover starts a failover. It returns ErrConcurrentFailover
// without creating a record when one is already in progress. The
// returned snapshot is in StateSuspected; use Await for the outcome.
func (o *Orchestrator) TriggerFailover(ctx context.Context, req FailoverRequest) (FailoverRecord, error) {
	type reply struct {
		rec FailoverRecord
		err error
	}
	ch := make(chan reply, 1)

	err := o.submit(ctx, func() {
		rec, err := o.admit(req)
		ch <- reply{rec: rec, err: err}
	})
	if err != nil {
		return FailoverRecord{}, err
	}

	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		return FailoverRecord{}, ctx.Err()
	}
}

func (o *Orchestrator) admit(req FailoverRequest) (FailoverRecord, error) {
	if o.active != nil {
		return FailoverRecord{}, ErrConcurrentFailover
	}
	if req.Target != "" {
		r, ok := o.topology.Get(req.Target)
		if !ok {
			return FailoverRecord{}, fmt.Errorf("region %s: %w", req.Target, ErrUnknownRegion)
		}
		if r.Role != RoleStandby {
			return FailoverRecord{}, fmt.Errorf("region %s is %s: %w", req.Target, r.Role, ErrInvalidTarget)
		}
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	f := o.start(req)
	return f.view(), nil
}

// start creates the record and hands it to a new worker. Run goroutine only.
func (o *Orchestrator) start(req FailoverRequest) *failover {
	primary := o.topology.Primary()
	rec := &FailoverRecord{
		ID:             uuid.New().String(),
		Dataset:        o.dataset,
		TriggeredAt:    o.now(),
		FailedRegionID: primary.ID,
		TargetRegionID: req.Target,
		Trigger:        req.Trigger,
		Reason:         req.Reason,
		State:          StateHealthy,
		RPOMS:          LagUnknown,
	}

	preCtx, cancel := context.WithCancel(o.runCtx)
	f := &failover{record: rec, done: make(chan struct{}), cancel: cancel}
	o.step(f, EventDetected, req.Reason)

	o.active = f
	o.mu.Lock()
	o.history[rec.ID] = f
	o.order = append(o.order, rec.ID)
	o.mu.Unlock()

	o.notify(f.view(), SeverityWarning, fmt.Sprintf("primary %s suspected: %s", primary.ID, req.Reason))

	go o.execute(preCtx, f)
	return f
}

// observe feeds a verdict into detection. Run goroutine only.
func (o *Orchestrator) observe(v HealthVerdict) {
	o.topology.SetHealth(v.RegionID, v.Overall)

	primary := o.topology.Primary()
	if v.RegionID != primary.ID {
		return
	}
	if v.Overall != Unreachable {
		o.abortLatched = false
	}

	if !o.dwell.Observe(v) {
		return
	}
	if o.active != nil || o.abortLatched || o.failedLatched {
		return
	}

	o.start(FailoverRequest{
		Trigger: TriggerAutomatic,
		Reason:  fmt.Sprintf("primary %s unreachable for %d consecutive checks", primary.ID, o.dwell.Consecutive()),
	})
}

// finish releases the single-flight slot. Run goroutine only.
func (o *Orchestrator) finish(f *failover) {
	snap := f.view()
	o.active = nil

	switch snap.Outcome {
	case OutcomeFailed:
		o.failedLatched = true
	case OutcomeAborted:
		o.abortLatched = true
	}
	o.dwell.Reset(o.topology.Primary().ID)
	o.metrics.stateChanged(o.dataset, StateHealthy)

	close(f.done)
}

// execute drives one failover to a terminal state
func (o *Orchestrator) execute(preCtx context.Context, f *failover) {
	defer o.complete(f)
	defer f.cancel()

	rec := f.record

	o.step(f, EventBeginDecision, "selecting failover target")
	if preCtx.Err() != nil {
		o.step(f, EventCancel, o.cancelNote(f))
		return
	}

	target, status, err := o.selectTarget(preCtx, rec.TargetRegionID)
	if preCtx.Err() != nil {
		// lag measured under a cancelled context reads as unknown
		o.step(f, EventCancel, o.cancelNote(f))
		return
	}
	if err != nil {
		rec.Error = err.Error()
		f.page = true
		o.step(f, EventNoSafeTarget, "no safe target")
		return
	}
	rec.TargetRegionID = target
	o.step(f, EventTargetSelected, fmt.Sprintf("target %s selected at lag %dms", target, status.LagMS))

	caught, err := o.tracker.WaitForCatchUp(preCtx, target, rec.FailedRegionID, o.config.CatchUpMaxLagMS, o.config.RPOBudget)
	if err != nil {
		var timeout *CatchUpTimeoutError
		if errors.As(err, &timeout) {
			rec.Error = err.Error()
			o.step(f, EventCatchUpTimeout, "catch-up exceeded RPO budget")
			return
		}
		o.step(f, EventCancel, o.cancelNote(f))
		return
	}
	rec.RPOMS = caught.LagMS

	if !f.commit() {
		o.step(f, EventCancel, o.cancelNote(f))
		return
	}
	o.step(f, EventCaughtUp, fmt.Sprintf("standby %s caught up at %dms", target, caught.LagMS))

	// From here on the failover runs to Resumed or Failed regardless of cancellation.
	ctx := context.WithoutCancel(preCtx)

	if err := o.promote(ctx, target); err != nil {
		rec.Error = err.Error()
		o.step(f, EventPromoteFailed, "promotion failed, staying on original primary")
		return
	}
	if err := o.topology.cutover(rec.FailedRegionID, target); err != nil {
		o.logger.Error("role table update failed", zap.Error(err))
	}
	o.persistRoles(ctx)
	o.fence(ctx, f, rec.FailedRegionID)
	o.step(f, EventPromoted, fmt.Sprintf("%s promoted to primary", target))

	rctx, cancel := context.WithTimeout(ctx, o.config.RoutingTimeout)
	err = o.router.SetActiveRegion(rctx, target)
	cancel()
	if err != nil {
		rec.Error = (&ExternalCommandError{Op: "route", Region: target, Err: err}).Error()
		o.step(f, EventRouteFailed, "routing update failed after promotion, manual intervention required")
		return
	}
	o.step(f, EventRouted, fmt.Sprintf("traffic routed to %s", target))

	if v, ok := o.verify(ctx, target); !ok {
		rec.Error = fmt.Sprintf("post-cutover checks failed on %s: %v", target, v.Signals)
		o.step(f, EventChecksFailed, "post-cutover checks failed for the full grace window")
		return
	}
	o.step(f, EventChecksPassed, "post-cutover checks passed")
}

// commit marks the point after which cancellation is refused
func (f *failover) commit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return false
	}
	f.committed = true
	return true
}

func (o *Orchestrator) cancelNote(f *failover) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return "cancelled by operator"
	}
	return "orchestrator shutting down"
}

// step applies an event through the pure state machine and records it
func (o *Orchestrator) step(f *failover, event EventKind, note string) {
	rec := f.record
	from := rec.State

	to, action, err := Transition(from, event)
	if err != nil {
		o.logger.Error("rejected transition", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}

	at := o.now()
	if err := rec.append(at, to, note); err != nil {
		o.logger.Error("timeline append failed", zap.Error(err))
		return
	}
	if to.Terminal() {
		_ = rec.close(at, outcomeFor(to))
	}
	snap := f.publish()
	if o.rto != nil {
		o.rto.Observe(snap)
	}

	o.metrics.stateChanged(o.dataset, to)
	o.logger.Info("failover state changed",
		zap.String("record_id", rec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("action", string(action)),
		zap.String("note", note))
}

// annotate appends a note without changing state
func (o *Orchestrator) annotate(f *failover, note string) {
	if err := f.record.append(o.now(), f.record.State, note); err == nil {
		f.publish()
	}
}

// selectTarget picks the reachable standby with the lowest known lag
// under the ceiling. It never returns a standby with unknown lag.
// Standbys without a fresh measurement are measured once first.
func (o *Orchestrator) selectTarget(ctx context.Context, requested RegionID) (RegionID, ReplicationStatus, error) {
	primary := o.topology.Primary().ID
	candidates := o.topology.Standbys()
	lags := make(map[RegionID]int64, len(candidates))

	var (
		best       RegionID
		bestStatus ReplicationStatus
	)
	for _, c := range candidates {
		if requested != "" && c.ID != requested {
			continue
		}
		if v, ok := o.monitor.Latest(c.ID); ok && v.Overall == Unreachable {
			lags[c.ID] = LagUnknown
			continue
		}
		s := o.tracker.Latest(c.ID)
		if !s.Known() {
			s = o.tracker.MeasureLag(ctx, c.ID, primary)
		}
		lags[c.ID] = s.LagMS
		if !s.Known() || s.LagMS > o.config.LagCeilingMS {
			continue
		}
		if best == "" || s.LagMS < bestStatus.LagMS {
			best, bestStatus = c.ID, s
		}
	}

	if best == "" {
		return "", ReplicationStatus{}, &NoSafeTargetError{CeilingMS: o.config.LagCeilingMS, Candidates: lags}
	}
	return best, bestStatus, nil
}

func (o *Orchestrator) promote(ctx context.Context, target RegionID) error {
	pctx, cancel := context.WithTimeout(ctx, o.config.PromoteTimeout)
	defer cancel()

	if err := o.storage.Promote(pctx, target); err != nil {
		return &ExternalCommandError{Op: "promote", Region: target, Err: err}
	}
	return nil
}

// fence demotes the failed primary best-effort; it is usually unreachable
func (o *Orchestrator) fence(ctx context.Context, f *failover, failed RegionID) {
	fctx, cancel := context.WithTimeout(ctx, o.config.FenceTimeout)
	defer cancel()

	if err := o.storage.Demote(fctx, failed); err != nil {
		o.annotate(f, fmt.Sprintf("fencing %s skipped: %v", failed, err))
		return
	}
	o.annotate(f, fmt.Sprintf("%s fenced", failed))
}

// verify re-runs the health probes against the new primary until they
// pass or the grace window ends
func (o *Orchestrator) verify(ctx context.Context, target RegionID) (HealthVerdict, bool) {
	region, _ := o.topology.Get(target)
	deadline := time.Now().Add(o.config.VerifyGrace)

	for {
		v := o.monitor.Poll(ctx, region)
		o.monitor.Publish(v)
		if v.Overall == Healthy {
			return v, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return v, false
		}
		wait := o.config.VerifyInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, false
		case <-timer.C:
		}
	}
}

// complete closes out a failover: metrics, RTO/RPO, notification, audit
func (o *Orchestrator) complete(f *failover) {
	snap := f.view()

	o.metrics.failoverFinished(snap)
	if o.rto != nil {
		if res, ok := o.rto.Finish(snap); ok && !res.RTOMet {
			o.logger.Warn("failover missed its RTO",
				zap.String("record_id", snap.ID),
				zap.Duration("rto", res.RTO),
				zap.Duration("objective", o.rto.ObjectiveFor(snap.Trigger).RTO))
		}
	}

	switch snap.Outcome {
	case OutcomeSuccess:
		o.notify(snap, SeverityInfo, fmt.Sprintf("failover to %s completed in %s (rpo %dms)", snap.TargetRegionID, snap.RTO, snap.RPOMS))
	case OutcomeAborted:
		sev := SeverityWarning
		if f.page {
			sev = SeverityCritical
		}
		o.notify(snap, sev, fmt.Sprintf("failover aborted, staying on %s: %s", snap.FailedRegionID, snap.Error))
	case OutcomeFailed:
		o.logger.Error("failover failed after cutover",
			zap.String("record_id", snap.ID),
			zap.String("target", string(snap.TargetRegionID)),
			zap.String("error", snap.Error))
		o.notify(snap, SeverityCritical, fmt.Sprintf("failover to %s failed after cutover: %s", snap.TargetRegionID, snap.Error))
	}

	o.persist(snap)

	select {
	case o.finished <- f:
	case <-o.stopped:
		close(f.done)
	}
}

// notify is fire-and-forget: delivery failures never reach the state machine
func (o *Orchestrator) notify(rec FailoverRecord, severity Severity, message string) {
	if o.notifier == nil {
		return
	}
	n := Notification{
		Dataset:  rec.Dataset,
		RecordID: rec.ID,
		Trigger:  rec.Trigger,
		State:    rec.State,
		Severity: severity,
		Page:     severity == SeverityCritical && rec.Trigger != TriggerDrill,
		Message:  message,
		At:       o.now(),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("notifier panicked", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), o.config.NotifyTimeout)
		defer cancel()
		if err := o.notifier.Notify(ctx, n); err != nil {
			o.logger.Warn("notification not delivered",
				zap.String("record_id", n.RecordID),
				zap.String("state", string(n.State)),
				zap.Error(err))
		}
	}()
}

func (o *Orchestrator) persist(rec FailoverRecord) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.config.PersistTimeout)
	defer cancel()
	if err := o.store.SaveRecord(ctx, rec); err != nil {
		o.logger.Warn("failover record not persisted", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (o *Orchestrator) persistRoles(ctx context.Context) {
	if o.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, o.config.PersistTimeout)
	defer cancel()
	if err := o.store.SaveRoles(pctx, o.dataset, o.topology.Assignment()); err != nil {
		o.logger.Warn("region roles not persisted", zap.Error(err))
	}
}

// Await blocks until the failover reaches a terminal state
func (o *Orchestrator) Await(ctx context.Context, id string) (FailoverRecord, error) {
	o.mu.RLock()
	f, ok := o.history[id]
	o.mu.RUnlock()
	if !ok {
		return FailoverRecord{}, fmt.Errorf("record %s: %w", id, ErrUnknownRecord)
	}

	select {
	case <-f.done:
		return f.view(), nil
	case <-ctx.Done():
		return f.view(), ctx.Err()
	}
}

// Cancel aborts a failover that has not started promotion yet
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.RLock()
	f, ok := o.history[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("record %s: %w", id, ErrUnknownRecord)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.committed || f.snapshot.Load().State.Terminal() {
		return ErrCancelNotAllowed
	}
	f.cancelled = true
	f.cancel()

	o.logger.Info("failover cancel requested", zap.String("record_id", id))
	return nil
}

// Rejoin returns an isolated region to standby by demoting its storage.
// It is rejected while a failover is in progress.
func (o *Orchestrator) Rejoin(ctx context.Context, id RegionID) error {
	errCh := make(chan error, 1)
	err := o.submit(ctx, func() {
		errCh <- o.rejoin(ctx, id)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) rejoin(ctx context.Context, id RegionID) error {
	if o.active != nil {
		return ErrConcurrentFailover
	}
	r, ok := o.topology.Get(id)
	if !ok {
		return fmt.Errorf("region %s: %w", id, ErrUnknownRegion)
	}
	if r.Role != RoleIsolated {
		return fmt.Errorf("region %s is %s: %w", id, r.Role, ErrRegionNotIsolated)
	}

	dctx, cancel := context.WithTimeout(ctx, o.config.PromoteTimeout)
	defer cancel()
	if err := o.storage.Demote(dctx, id); err != nil {
		return &ExternalCommandError{Op: "demote", Region: id, Err: err}
	}
	if err := o.topology.rejoin(id); err != nil {
		return err
	}
	o.persistRoles(ctx)

	o.logger.Info("region rejoined as standby", zap.String("region", string(id)))
	return nil
}

// Acknowledge clears the latch that suppresses automatic detection
// after a failover ended in Failed
func (o *Orchestrator) Acknowledge(ctx context.Context) error {
	return o.submit(ctx, func() {
		o.failedLatched = false
		o.abortLatched = false
		o.logger.Info("failed failover acknowledged, automatic detection re-armed")
	})
}

// Record returns a snapshot of a failover record
func (o *Orchestrator) Record(id string) (FailoverRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	f, ok := o.history[id]
	if !ok {
		return FailoverRecord{}, false
	}
	return f.view(), true
}

// Records returns snapshots of every record, oldest first
func (o *Orchestrator) Records() []FailoverRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()

	records := make([]FailoverRecord, 0, len(o.order))
	for _, id := range o.order {
		records = append(records, o.history[id].view())
	}
	return records
}

// Active returns the in-progress failover, if any
func (o *Orchestrator) Active() (FailoverRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for i := len(o.order) - 1; i >= 0; i-- {
		f := o.history[o.order[i]]
		select {
		case <-f.done:
			continue
		default:
			return f.view(), true
		}
	}
	return FailoverRecord{}, false
}
