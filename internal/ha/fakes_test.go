package ha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUnreachable = errors.New("connection refused")

// fakeStorage is a controllable storage layer
type fakeStorage struct {
	mu         sync.Mutex
	lags       map[RegionID]int64
	lagErrs    map[RegionID]error
	defaultLag int64
	promoteErr error
	demoteErr  error
	gate       chan struct{}
	promoted   []RegionID
	demoted    []RegionID
	promoting  chan RegionID
	onPromote  func(RegionID)

	// stallLag makes QueryLag block until its context ends
	stallLag bool
	querying chan RegionID
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		lags:       make(map[RegionID]int64),
		lagErrs:    make(map[RegionID]error),
		defaultLag: 100,
		promoting:  make(chan RegionID, 16),
		querying:   make(chan RegionID, 16),
	}
}

func (s *fakeStorage) stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallLag = true
}

func (s *fakeStorage) setLag(region RegionID, lag int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lags[region] = lag
	delete(s.lagErrs, region)
}

func (s *fakeStorage) failLag(region RegionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lagErrs[region] = errUnreachable
}

func (s *fakeStorage) QueryLag(ctx context.Context, standby RegionID) (int64, error) {
	s.mu.Lock()
	stall := s.stallLag
	s.mu.Unlock()
	if stall {
		select {
		case s.querying <- standby:
		default:
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lagErrs[standby]; err != nil {
		return 0, err
	}
	if lag, ok := s.lags[standby]; ok {
		return lag, nil
	}
	return s.defaultLag, nil
}

func (s *fakeStorage) Promote(ctx context.Context, region RegionID) error {
	s.promoting <- region

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if s.promoteErr != nil {
		s.mu.Unlock()
		return s.promoteErr
	}
	s.promoted = append(s.promoted, region)
	hook := s.onPromote
	s.mu.Unlock()

	if hook != nil {
		hook(region)
	}
	return nil
}

func (s *fakeStorage) Demote(ctx context.Context, region RegionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.demoteErr != nil {
		return s.demoteErr
	}
	s.demoted = append(s.demoted, region)
	return nil
}

func (s *fakeStorage) promotions() []RegionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RegionID(nil), s.promoted...)
}

// fakeClock is advanced by hand
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRouter records the active region
type fakeRouter struct {
	mu     sync.Mutex
	err    error
	active RegionID
	calls  int
}

func (r *fakeRouter) SetActiveRegion(ctx context.Context, region RegionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.active = region
	return nil
}

func (r *fakeRouter) state() (RegionID, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.calls
}

// fakeNotifier collects notifications
type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *fakeNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *fakeNotifier) find(state State) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.sent {
		if note.State == state {
			return note, true
		}
	}
	return Notification{}, false
}

func (n *fakeNotifier) pages() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, note := range n.sent {
		if note.Page {
			count++
		}
	}
	return count
}

// fakeStore keeps records in memory
type fakeStore struct {
	mu      sync.Mutex
	records map[string]FailoverRecord
	roles   map[RegionID]Role
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]FailoverRecord)}
}

func (s *fakeStore) SaveRecord(ctx context.Context, rec FailoverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeStore) SaveRoles(ctx context.Context, dataset string, roles map[RegionID]Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = roles
	return nil
}

func (s *fakeStore) record(id string) (FailoverRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// fakeTicketer collects tickets
type fakeTicketer struct {
	mu      sync.Mutex
	tickets []Ticket
}

func (f *fakeTicketer) OpenTicket(ctx context.Context, t Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets = append(f.tickets, t)
	return nil
}

func (f *fakeTicketer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

// fakeHealth marks regions down for every probe it hands out
type fakeHealth struct {
	mu   sync.Mutex
	down map[RegionID]bool
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{down: make(map[RegionID]bool)}
}

func (h *fakeHealth) setDown(region RegionID, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[region] = down
}

func (h *fakeHealth) probe(name string) Probe {
	return ProbeFunc{
		ProbeName: name,
		Fn: func(ctx context.Context, region Region) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.down[region.ID] {
				return errUnreachable
			}
			return nil
		},
	}
}

type harness struct {
	topology *Topology
	monitor  *HealthMonitor
	tracker  *ReplicationTracker
	storage  *fakeStorage
	router   *fakeRouter
	notifier *fakeNotifier
	store    *fakeStore
	health   *fakeHealth
	rto      *RTORPOTracker
	orch     *Orchestrator
	verdicts chan HealthVerdict
	clock    time.Time
}

func testOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		LagCeilingMS:    30000,
		CatchUpMaxLagMS: 1000,
		RPOBudget:       2 * time.Second,
		PromoteTimeout:  2 * time.Second,
		RoutingTimeout:  2 * time.Second,
		VerifyGrace:     100 * time.Millisecond,
		VerifyInterval:  10 * time.Millisecond,
		DwellTime:       0,
		DwellCycles:     3,
		NotifyTimeout:   time.Second,
		PersistTimeout:  time.Second,
		FenceTimeout:    time.Second,
	}
}

// newHarness builds an orchestrator over primary P and standbys A and B
func newHarness(t *testing.T, mutate func(*OrchestratorConfig)) *harness {
	t.Helper()

	topology, err := NewTopology("orders", []Region{
		{ID: "P", Role: RolePrimary, Zone: "us-east"},
		{ID: "A", Role: RoleStandby, Zone: "us-west"},
		{ID: "B", Role: RoleStandby, Zone: "eu-central"},
	})
	require.NoError(t, err)

	h := &harness{
		topology: topology,
		storage:  newFakeStorage(),
		router:   &fakeRouter{},
		notifier: &fakeNotifier{},
		store:    newFakeStore(),
		health:   newFakeHealth(),
		verdicts: make(chan HealthVerdict),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	h.monitor, err = NewHealthMonitor(&HealthMonitorConfig{
		Interval:     10 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}, []Probe{h.health.probe("storage"), h.health.probe("endpoint")}, zap.NewNop(), nil)
	require.NoError(t, err)

	h.tracker, err = NewReplicationTracker(&ReplicationTrackerConfig{
		Interval:          time.Hour,
		FreshnessWindow:   time.Minute,
		QueryTimeout:      100 * time.Millisecond,
		CatchUpPollPeriod: 10 * time.Millisecond,
	}, h.storage, zap.NewNop(), nil)
	require.NoError(t, err)

	h.rto, err = NewRTORPOTracker(GetTierDefaults(TierStandard))
	require.NoError(t, err)

	config := testOrchestratorConfig()
	if mutate != nil {
		mutate(config)
	}
	h.orch, err = NewOrchestrator(config, OrchestratorDeps{
		Topology: topology,
		Monitor:  h.monitor,
		Tracker:  h.tracker,
		Storage:  h.storage,
		Router:   h.router,
		Notifier: h.notifier,
		Store:    h.store,
		RTO:      h.rto,
		Metrics:  NewMetrics(nil),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx, h.verdicts)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

// verdict feeds one verdict through the Run loop
func (h *harness) verdict(region RegionID, overall Overall) {
	h.clock = h.clock.Add(5 * time.Second)
	h.verdicts <- HealthVerdict{RegionID: region, ObservedAt: h.clock, Overall: overall}
}

// sync returns once every previously delivered verdict has been handled
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.submit(context.Background(), func() {}))
}

func (h *harness) trigger(t *testing.T, req FailoverRequest) FailoverRecord {
	t.Helper()
	rec, err := h.orch.TriggerFailover(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func (h *harness) await(t *testing.T, id string) FailoverRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.orch.Await(ctx, id)
	require.NoError(t, err)
	return rec
}
