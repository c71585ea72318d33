package ha

import (
	"fmt"
	"sync"
)

// RegionID identifies a region within a logical dataset
type RegionID string

// Role is the replication role a region holds for a dataset
type Role string

const (
	RolePrimary  Role = "primary"
	RoleStandby  Role = "standby"
	RoleIsolated Role = "isolated"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RolePrimary, RoleStandby, RoleIsolated:
		return true
	}
	return false
}

// Region is a provisioned region of a dataset
type Region struct {
	ID     RegionID `json:"id" yaml:"id"`
	Role   Role     `json:"role" yaml:"role"`
	Zone   string   `json:"zone" yaml:"zone"`
	Health Overall  `json:"health" yaml:"-"`
}

// Topology is the region role table of a single dataset.
// Exactly one region holds RolePrimary at any time.
type Topology struct {
	mu      sync.RWMutex
	dataset string
	order   []RegionID
	regions map[RegionID]*Region
}

// NewTopology validates the role assignment and builds the table
func NewTopology(dataset string, regions []Region) (*Topology, error) {
	if dataset == "" {
		return nil, fmt.Errorf("dataset required")
	}
	if len(regions) < 2 {
		return nil, fmt.Errorf("dataset %s: at least two regions required", dataset)
	}

	t := &Topology{
		dataset: dataset,
		regions: make(map[RegionID]*Region, len(regions)),
	}

	primaries := 0
	for _, r := range regions {
		if r.ID == "" {
			return nil, fmt.Errorf("dataset %s: region id required", dataset)
		}
		if !r.Role.Valid() {
			return nil, fmt.Errorf("region %s: invalid role %q", r.ID, r.Role)
		}
		if _, dup := t.regions[r.ID]; dup {
			return nil, fmt.Errorf("region %s: duplicate id", r.ID)
		}
		if r.Role == RolePrimary {
			primaries++
		}
		if r.Health == "" {
			r.Health = Healthy
		}
		region := r
		t.regions[r.ID] = &region
		t.order = append(t.order, r.ID)
	}

	if primaries != 1 {
		return nil, fmt.Errorf("dataset %s: exactly one primary required, got %d", dataset, primaries)
	}

	return t, nil
}

// Dataset returns the logical dataset name
func (t *Topology) Dataset() string {
	return t.dataset
}

// Primary returns the current primary region
func (t *Topology) Primary() Region {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.order {
		if r := t.regions[id]; r.Role == RolePrimary {
			return *r
		}
	}
	return Region{}
}

// Standbys returns standby regions in configured order
func (t *Topology) Standbys() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()

	standbys := make([]Region, 0, len(t.order))
	for _, id := range t.order {
		if r := t.regions[id]; r.Role == RoleStandby {
			standbys = append(standbys, *r)
		}
	}
	return standbys
}

// Get returns a region by ID
func (t *Topology) Get(id RegionID) (Region, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.regions[id]
	if !ok {
		return Region{}, false
	}
	return *r, true
}

// Regions returns a snapshot of all regions in configured order
func (t *Topology) Regions() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()

	regions := make([]Region, 0, len(t.order))
	for _, id := range t.order {
		regions = append(regions, *t.regions[id])
	}
	return regions
}

// Assignment returns the current region -> role mapping
func (t *Topology) Assignment() map[RegionID]Role {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roles := make(map[RegionID]Role, len(t.regions))
	for id, r := range t.regions {
		roles[id] = r.Role
	}
	return roles
}

// SetHealth records the latest health verdict of a region
func (t *Topology) SetHealth(id RegionID, overall Overall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.regions[id]; ok {
		r.Health = overall
	}
}

// cutover makes target the primary and isolates the previous primary
// in a single step, so the table never holds two primaries.
func (t *Topology) cutover(failed, target RegionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.regions[target]
	if !ok {
		return fmt.Errorf("region %s: %w", target, ErrUnknownRegion)
	}
	if tr.Role != RoleStandby {
		return fmt.Errorf("region %s is %s: %w", target, tr.Role, ErrInvalidTarget)
	}

	for _, r := range t.regions {
		if r.Role == RolePrimary {
			r.Role = RoleIsolated
		}
	}
	if fr, ok := t.regions[failed]; ok {
		fr.Role = RoleIsolated
	}
	tr.Role = RolePrimary
	return nil
}

// rejoin returns an isolated region to standby
func (t *Topology) rejoin(id RegionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.regions[id]
	if !ok {
		return fmt.Errorf("region %s: %w", id, ErrUnknownRegion)
	}
	if r.Role != RoleIsolated {
		return fmt.Errorf("region %s is %s, not isolated", id, r.Role)
	}
	r.Role = RoleStandby
	return nil
}
