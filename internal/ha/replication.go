package ha

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LagUnknown marks a missing, failed or stale lag measurement.
// It is treated as infinite lag, never as zero.
const LagUnknown int64 = math.MaxInt64

// ErrLagUnavailable is returned by storage layers that cannot report lag
var ErrLagUnavailable = errors.New("replication lag unavailable")

// StorageLayer is the per-region storage control surface
type StorageLayer interface {
	Promote(ctx context.Context, region RegionID) error
	Demote(ctx context.Context, region RegionID) error
	QueryLag(ctx context.Context, standby RegionID) (int64, error)
}

// ReplicationStatus is a point-in-time lag measurement of a standby
type ReplicationStatus struct {
	StandbyRegionID RegionID  `json:"standby_region_id"`
	PrimaryRegionID RegionID  `json:"primary_region_id"`
	LagMS           int64     `json:"lag_ms"`
	MeasuredAt      time.Time `json:"measured_at"`
}

// Known reports whether the lag is a real measurement
func (s ReplicationStatus) Known() bool {
	return s.LagMS != LagUnknown
}

// ReplicationTrackerConfig configures lag tracking
type ReplicationTrackerConfig struct {
	Interval          time.Duration
	FreshnessWindow   time.Duration
	QueryTimeout      time.Duration
	CatchUpPollPeriod time.Duration
}

// DefaultReplicationTrackerConfig returns sensible defaults
func DefaultReplicationTrackerConfig() *ReplicationTrackerConfig {
	return &ReplicationTrackerConfig{
		Interval:          5 * time.Second,
		FreshnessWindow:   30 * time.Second,
		QueryTimeout:      2 * time.Second,
		CatchUpPollPeriod: 500 * time.Millisecond,
	}
}

// ReplicationTracker measures standby lag relative to the primary
type ReplicationTracker struct {
	config  *ReplicationTrackerConfig
	storage StorageLayer
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	latest map[RegionID]ReplicationStatus
}

// NewReplicationTracker creates a tracker over a storage layer
func NewReplicationTracker(config *ReplicationTrackerConfig, storage StorageLayer, logger *zap.Logger, metrics *Metrics) (*ReplicationTracker, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage layer required")
	}
	if config == nil {
		config = DefaultReplicationTrackerConfig()
	}
	defaults := DefaultReplicationTrackerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.FreshnessWindow <= 0 {
		config.FreshnessWindow = defaults.FreshnessWindow
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}
	if config.CatchUpPollPeriod <= 0 {
		config.CatchUpPollPeriod = defaults.CatchUpPollPeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReplicationTracker{
		config:  config,
		storage: storage,
		logger:  logger.Named("replication"),
		metrics: metrics,
		now:     time.Now,
		latest:  make(map[RegionID]ReplicationStatus),
	}, nil
}

// MeasureLag queries the storage layer once. Failures never escape:
// they yield LagUnknown and are retried on the next cycle.
func (t *ReplicationTracker) MeasureLag(ctx context.Context, standby, primary RegionID) ReplicationStatus {
	qctx, cancel := context.WithTimeout(ctx, t.config.QueryTimeout)
	defer cancel()

	status := ReplicationStatus{
		StandbyRegionID: standby,
		PrimaryRegionID: primary,
		LagMS:           LagUnknown,
	}

	lag, err := t.queryLag(qctx, standby)
	status.MeasuredAt = t.now()
	switch {
	case err != nil:
		t.logger.Debug("lag measurement failed",
			zap.Error(&TransientSignalError{Signal: "replication_lag", Region: standby, Err: err}))
	case lag < 0:
		t.logger.Debug("negative lag reported", zap.String("standby", string(standby)), zap.Int64("lag_ms", lag))
	default:
		status.LagMS = lag
	}

	t.mu.Lock()
	t.latest[standby] = status
	t.mu.Unlock()

	t.metrics.lagObserved(standby, status)
	return status
}

// queryLag returns as soon as ctx is done, even if the storage call stalls
func (t *ReplicationTracker) queryLag(ctx context.Context, standby RegionID) (int64, error) {
	type result struct {
		lag int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		lag, err := t.storage.QueryLag(ctx, standby)
		done <- result{lag: lag, err: err}
	}()

	select {
	case r := <-done:
		return r.lag, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Latest returns the last measurement for a standby, reported as
// LagUnknown when missing or older than the freshness window.
func (t *ReplicationTracker) Latest(standby RegionID) ReplicationStatus {
	t.mu.RLock()
	status, ok := t.latest[standby]
	t.mu.RUnlock()

	if !ok {
		return ReplicationStatus{StandbyRegionID: standby, LagMS: LagUnknown}
	}
	if t.now().Sub(status.MeasuredAt) > t.config.FreshnessWindow {
		status.LagMS = LagUnknown
	}
	return status
}

// WaitForCatchUp blocks until the standby reports lag at or below maxLagMS,
// the timeout elapses, or ctx is cancelled. The timeout holds even if the
// underlying lag query stalls.
func (t *ReplicationTracker) WaitForCatchUp(ctx context.Context, standby, primary RegionID, maxLagMS int64, timeout time.Duration) (ReplicationStatus, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(t.config.CatchUpPollPeriod)
	defer ticker.Stop()

	last := ReplicationStatus{StandbyRegionID: standby, PrimaryRegionID: primary, LagMS: LagUnknown}
	for {
		status := t.MeasureLag(wctx, standby, primary)
		if status.Known() || !last.Known() {
			last = status
		}
		if status.Known() && status.LagMS <= maxLagMS {
			return status, nil
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, &CatchUpTimeoutError{Standby: standby, LastLag: last.LagMS, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// Run measures every standby of the topology on the configured interval
func (t *ReplicationTracker) Run(ctx context.Context, topology *Topology) {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		t.measureAll(ctx, topology)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *ReplicationTracker) measureAll(ctx context.Context, topology *Topology) {
	primary := topology.Primary()

	var wg sync.WaitGroup
	for _, standby := range topology.Standbys() {
		wg.Add(1)
		go func(id RegionID) {
			defer wg.Done()
			t.MeasureLag(ctx, id, primary.ID)
		}(standby.ID)
	}
	wg.Wait()
}
