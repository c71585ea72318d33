package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Overall is the reduced health of a region
type Overall string

const (
	Healthy     Overall = "healthy"
	Degraded    Overall = "degraded"
	Unreachable Overall = "unreachable"
)

// HealthVerdict is the result of one poll cycle against a region.
// A newer verdict for the same region supersedes the previous one.
type HealthVerdict struct {
	RegionID   RegionID        `json:"region_id"`
	ObservedAt time.Time       `json:"observed_at"`
	Signals    map[string]bool `json:"signals"`
	Overall    Overall         `json:"overall"`
}

// Probe checks one liveness signal of a region
type Probe interface {
	Name() string
	Check(ctx context.Context, region Region) error
}

// TimeoutProbe is a probe carrying its own timeout
type TimeoutProbe interface {
	Probe
	Timeout() time.Duration
}

// ProbeFunc adapts a function to the Probe interface
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context, region Region) error
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Check(ctx context.Context, region Region) error { return p.Fn(ctx, region) }

// Reduce folds probe results into an overall verdict. A region is
// Unreachable only when every signal failed or none was collected.
func Reduce(signals map[string]bool) Overall {
	if len(signals) == 0 {
		return Unreachable
	}
	failed := 0
	for _, ok := range signals {
		if !ok {
			failed++
		}
	}
	switch {
	case failed == 0:
		return Healthy
	case failed == len(signals):
		return Unreachable
	default:
		return Degraded
	}
}

// HealthMonitorConfig configures the health monitor
type HealthMonitorConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	SubscriberBuffer int
}

// DefaultHealthMonitorConfig returns sensible defaults
func DefaultHealthMonitorConfig() *HealthMonitorConfig {
	return &HealthMonitorConfig{
		Interval:         5 * time.Second,
		ProbeTimeout:     2 * time.Second,
		SubscriberBuffer: 64,
	}
}

// HealthMonitor polls liveness signals per region and publishes verdicts.
// It never triggers failover itself.
type HealthMonitor struct {
	config  *HealthMonitorConfig
	probes  []Probe
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu          sync.RWMutex
	latest      map[RegionID]HealthVerdict
	subscribers []chan HealthVerdict
}

// NewHealthMonitor creates a monitor over the given probe set
func NewHealthMonitor(config *HealthMonitorConfig, probes []Probe, logger *zap.Logger, metrics *Metrics) (*HealthMonitor, error) {
	if len(probes) == 0 {
		return nil, fmt.Errorf("at least one probe required")
	}
	if config == nil {
		config = DefaultHealthMonitorConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 2 * time.Second
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthMonitor{
		config:  config,
		probes:  probes,
		logger:  logger.Named("health"),
		metrics: metrics,
		now:     time.Now,
		latest:  make(map[RegionID]HealthVerdict),
	}, nil
}

// Config returns the monitor configuration
func (m *HealthMonitor) Config() *HealthMonitorConfig {
	return m.config
}

// Subscribe returns a channel receiving every published verdict
func (m *HealthMonitor) Subscribe() <-chan HealthVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan HealthVerdict, m.config.SubscriberBuffer)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Latest returns the most recent verdict for a region
func (m *HealthMonitor) Latest(id RegionID) (HealthVerdict, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.latest[id]
	return v, ok
}

// Poll runs every probe against the region and reduces the results.
// A verdict is always produced: probe errors and timeouts count as failed signals.
func (m *HealthMonitor) Poll(ctx context.Context, region Region) HealthVerdict {
	results := make([]bool, len(m.probes))

	var g errgroup.Group
	for i, p := range m.probes {
		g.Go(func() error {
			results[i] = m.runProbe(ctx, p, region)
			return nil
		})
	}
	_ = g.Wait()

	signals := make(map[string]bool, len(m.probes))
	for i, p := range m.probes {
		signals[p.Name()] = results[i]
	}

	return HealthVerdict{
		RegionID:   region.ID,
		ObservedAt: m.now(),
		Signals:    signals,
		Overall:    Reduce(signals),
	}
}

func (m *HealthMonitor) runProbe(ctx context.Context, p Probe, region Region) bool {
	timeout := m.config.ProbeTimeout
	if tp, ok := p.(TimeoutProbe); ok && tp.Timeout() > 0 {
		timeout = tp.Timeout()
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Probes that ignore their context must not stall the cycle.
	done := make(chan error, 1)
	go func() { done <- p.Check(pctx, region) }()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = pctx.Err()
	}

	if err != nil {
		signalErr := &TransientSignalError{Signal: p.Name(), Region: region.ID, Err: err}
		m.logger.Debug("probe failed", zap.Error(signalErr))
		m.metrics.probeFailed(region.ID, p.Name())
		return false
	}
	return true
}

// Publish records a verdict and fans it out to subscribers without blocking
func (m *HealthMonitor) Publish(v HealthVerdict) {
	m.mu.Lock()
	m.latest[v.RegionID] = v
	subs := make([]chan HealthVerdict, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	m.metrics.verdictObserved(v)

	for _, ch := range subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Subscriber is behind: drop its oldest verdict, the newest supersedes it.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Run polls every region on the configured interval until ctx is done.
// Regions are polled in parallel; cycles of one region never overlap.
func (m *HealthMonitor) Run(ctx context.Context, regions []Region) {
	var wg sync.WaitGroup
	for _, region := range regions {
		wg.Add(1)
		go func(r Region) {
			defer wg.Done()
			m.pollLoop(ctx, r)
		}(region)
	}
	wg.Wait()
}

func (m *HealthMonitor) pollLoop(ctx context.Context, region Region) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.Publish(m.Poll(ctx, region))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DwellTracker debounces Unreachable verdicts of a single region.
// It reports a sustained failure once the region has been Unreachable for
// at least MinCycles consecutive verdicts spanning at least MinDuration.
type DwellTracker struct {
	MinCycles   int
	MinDuration time.Duration

	region RegionID
	count  int
	since  time.Time
}

// NewDwellTracker creates a tracker
func NewDwellTracker(minCycles int, minDuration time.Duration) *DwellTracker {
	if minCycles <= 0 {
		minCycles = 1
	}
	return &DwellTracker{MinCycles: minCycles, MinDuration: minDuration}
}

// Observe feeds a verdict and reports whether the failure is sustained
func (d *DwellTracker) Observe(v HealthVerdict) bool {
	if v.RegionID != d.region {
		d.Reset(v.RegionID)
	}
	if v.Overall != Unreachable {
		d.count = 0
		d.since = time.Time{}
		return false
	}
	if d.count == 0 {
		d.since = v.ObservedAt
	}
	d.count++
	return d.count >= d.MinCycles && v.ObservedAt.Sub(d.since) >= d.MinDuration
}

// Reset clears the tracker and follows a new region
func (d *DwellTracker) Reset(region RegionID) {
	d.region = region
	d.count = 0
	d.since = time.Time{}
}

// Consecutive returns the current run of Unreachable verdicts
func (d *DwellTracker) Consecutive() int {
	return d.count
}
