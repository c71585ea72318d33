// Package probe provides the liveness signals polled by the health monitor.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/FairForge/failover/internal/ha"
)

// ErrNoTarget is returned when a region has nothing configured for a probe
var ErrNoTarget = errors.New("no probe target configured for region")

// StorageProbe pings each region's database
type StorageProbe struct {
	dbs     map[ha.RegionID]*sql.DB
	timeout time.Duration
}

// NewStorageProbe creates a storage probe over per-region connections
func NewStorageProbe(dbs map[ha.RegionID]*sql.DB, timeout time.Duration) *StorageProbe {
	return &StorageProbe{dbs: dbs, timeout: timeout}
}

func (p *StorageProbe) Name() string           { return "storage" }
func (p *StorageProbe) Timeout() time.Duration { return p.timeout }

func (p *StorageProbe) Check(ctx context.Context, region ha.Region) error {
	db, ok := p.dbs[region.ID]
	if !ok {
		return ErrNoTarget
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// EndpointProbe issues a GET against each region's client-facing endpoint
type EndpointProbe struct {
	client    *http.Client
	endpoints map[ha.RegionID]string
	timeout   time.Duration
}

// NewEndpointProbe creates an endpoint probe. client may be nil.
func NewEndpointProbe(client *http.Client, endpoints map[ha.RegionID]string, timeout time.Duration) *EndpointProbe {
	if client == nil {
		client = &http.Client{}
	}
	return &EndpointProbe{client: client, endpoints: endpoints, timeout: timeout}
}

func (p *EndpointProbe) Name() string           { return "endpoint" }
func (p *EndpointProbe) Timeout() time.Duration { return p.timeout }

func (p *EndpointProbe) Check(ctx context.Context, region ha.Region) error {
	url, ok := p.endpoints[region.ID]
	if !ok {
		return ErrNoTarget
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NetworkProbe measures TCP connect round-trip time to each region
type NetworkProbe struct {
	addresses map[ha.RegionID]string
	maxRTT    time.Duration
	timeout   time.Duration
	dialer    net.Dialer
}

// NewNetworkProbe creates a network probe. A connect slower than maxRTT
// fails the signal; zero disables the RTT check.
func NewNetworkProbe(addresses map[ha.RegionID]string, maxRTT, timeout time.Duration) *NetworkProbe {
	return &NetworkProbe{addresses: addresses, maxRTT: maxRTT, timeout: timeout}
}

func (p *NetworkProbe) Name() string           { return "network" }
func (p *NetworkProbe) Timeout() time.Duration { return p.timeout }

func (p *NetworkProbe) Check(ctx context.Context, region ha.Region) error {
	addr, ok := p.addresses[region.ID]
	if !ok {
		return ErrNoTarget
	}

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	rtt := time.Since(start)
	_ = conn.Close()

	if p.maxRTT > 0 && rtt > p.maxRTT {
		return fmt.Errorf("rtt %s exceeds %s", rtt, p.maxRTT)
	}
	return nil
}

// FreshnessProbe checks that the newest write visible in a region is recent.
// The query must return a single timestamp.
type FreshnessProbe struct {
	dbs     map[ha.RegionID]*sql.DB
	query   string
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewFreshnessProbe creates a freshness probe
func NewFreshnessProbe(dbs map[ha.RegionID]*sql.DB, query string, maxAge, timeout time.Duration) *FreshnessProbe {
	return &FreshnessProbe{dbs: dbs, query: query, maxAge: maxAge, timeout: timeout, now: time.Now}
}

func (p *FreshnessProbe) Name() string           { return "freshness" }
func (p *FreshnessProbe) Timeout() time.Duration { return p.timeout }

func (p *FreshnessProbe) Check(ctx context.Context, region ha.Region) error {
	db, ok := p.dbs[region.ID]
	if !ok {
		return ErrNoTarget
	}

	var latest sql.NullTime
	if err := db.QueryRowContext(ctx, p.query).Scan(&latest); err != nil {
		return fmt.Errorf("freshness query: %w", err)
	}
	if !latest.Valid {
		return errors.New("no writes observed")
	}

	if age := p.now().Sub(latest.Time); age > p.maxAge {
		return fmt.Errorf("last write %s ago exceeds %s", age.Round(time.Millisecond), p.maxAge)
	}
	return nil
}
