// Package audit persists failover records and the region role table.
package audit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/FairForge/failover/internal/ha"
)

// Store is a queryable record store
type Store interface {
	ha.RecordStore
	Get(ctx context.Context, id string) (ha.FailoverRecord, error)
	List(ctx context.Context, dataset string, limit int) ([]ha.FailoverRecord, error)
	Roles(ctx context.Context, dataset string) (map[ha.RegionID]ha.Role, error)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ha.ErrUnknownRecord, id)
}

// MemoryStore keeps records in process. Used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]ha.FailoverRecord
	roles   map[string]map[ha.RegionID]ha.Role
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]ha.FailoverRecord),
		roles:   make(map[string]map[ha.RegionID]ha.Role),
	}
}

func copyRecord(rec ha.FailoverRecord) ha.FailoverRecord {
	rec.Timeline = slices.Clone(rec.Timeline)
	return rec
}

// SaveRecord upserts rec. A closed record is never overwritten.
func (s *MemoryStore) SaveRecord(ctx context.Context, rec ha.FailoverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ID]; ok && existing.Closed() {
		return fmt.Errorf("record %s: %w", rec.ID, ha.ErrRecordClosed)
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) SaveRoles(ctx context.Context, dataset string, roles map[ha.RegionID]ha.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[dataset] = maps.Clone(roles)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (ha.FailoverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return ha.FailoverRecord{}, notFound(id)
	}
	return copyRecord(rec), nil
}

// List returns the newest records for dataset first. limit <= 0 means all.
func (s *MemoryStore) List(ctx context.Context, dataset string, limit int) ([]ha.FailoverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ha.FailoverRecord
	for _, rec := range s.records {
		if rec.Dataset == dataset {
			out = append(out, copyRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b ha.FailoverRecord) int {
		return b.TriggeredAt.Compare(a.TriggeredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Roles(ctx context.Context, dataset string) (map[ha.RegionID]ha.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.roles[dataset]), nil
}

// MultiStore writes to a primary store and any number of mirrors.
// Reads are served by the primary.
type MultiStore struct {
	Store
	mirrors []ha.RecordStore
}

// NewMultiStore creates a fan-out store
func NewMultiStore(primary Store, mirrors ...ha.RecordStore) *MultiStore {
	return &MultiStore{Store: primary, mirrors: mirrors}
}

func (m *MultiStore) SaveRecord(ctx context.Context, rec ha.FailoverRecord) error {
	errs := []error{m.Store.SaveRecord(ctx, rec)}
	for _, mirror := range m.mirrors {
		errs = append(errs, mirror.SaveRecord(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m *MultiStore) SaveRoles(ctx context.Context, dataset string, roles map[ha.RegionID]ha.Role) error {
	errs := []error{m.Store.SaveRoles(ctx, dataset, roles)}
	for _, mirror := range m.mirrors {
		errs = append(errs, mirror.SaveRoles(ctx, dataset, roles))
	}
	return errors.Join(errs...)
}
