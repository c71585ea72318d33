package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string, triggered time.Time, outcome ha.Outcome) ha.FailoverRecord {
	return ha.FailoverRecord{
		ID:             id,
		Dataset:        "orders",
		TriggeredAt:    triggered,
		FailedRegionID: "us-east",
		TargetRegionID: "us-west",
		Trigger:        ha.TriggerAutomatic,
		State:          ha.StateSuspected,
		Outcome:        outcome,
		RPOMS:          200,
		Timeline: []ha.TimelineEntry{
			{At: triggered, State: ha.StateSuspected, Note: "primary unreachable"},
		},
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	t.Run("save and get", func(t *testing.T) {
		s := NewMemoryStore()
		rec := testRecord("r1", base, ha.OutcomeNone)
		require.NoError(t, s.SaveRecord(ctx, rec))

		rec.Timeline[0].Note = "mutated"
		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "primary unreachable", got.Timeline[0].Note)
	})

	t.Run("closed records are immutable", func(t *testing.T) {
		s := NewMemoryStore()
		rec := testRecord("r1", base, ha.OutcomeSuccess)
		require.NoError(t, s.SaveRecord(ctx, rec))
		assert.ErrorIs(t, s.SaveRecord(ctx, rec), ha.ErrRecordClosed)
	})

	t.Run("unknown record", func(t *testing.T) {
		_, err := NewMemoryStore().Get(ctx, "missing")
		assert.ErrorIs(t, err, ha.ErrUnknownRecord)
	})

	t.Run("list newest first", func(t *testing.T) {
		s := NewMemoryStore()
		for i, id := range []string{"old", "mid", "new"} {
			require.NoError(t, s.SaveRecord(ctx, testRecord(id, base.Add(time.Duration(i)*time.Hour), ha.OutcomeNone)))
		}
		other := testRecord("other", base, ha.OutcomeNone)
		other.Dataset = "billing"
		require.NoError(t, s.SaveRecord(ctx, other))

		recs, err := s.List(ctx, "orders", 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "new", recs[0].ID)
		assert.Equal(t, "mid", recs[1].ID)
	})

	t.Run("roles", func(t *testing.T) {
		s := NewMemoryStore()
		roles := map[ha.RegionID]ha.Role{"us-east": ha.RoleIsolated, "us-west": ha.RolePrimary}
		require.NoError(t, s.SaveRoles(ctx, "orders", roles))

		got, err := s.Roles(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, roles, got)
	})
}

type failingStore struct{ err error }

func (f failingStore) SaveRecord(ctx context.Context, rec ha.FailoverRecord) error { return f.err }
func (f failingStore) SaveRoles(ctx context.Context, dataset string, roles map[ha.RegionID]ha.Role) error {
	return f.err
}

func TestMultiStore(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	mirror := NewMemoryStore()
	m := NewMultiStore(primary, mirror)

	rec := testRecord("r1", time.Now(), ha.OutcomeNone)
	require.NoError(t, m.SaveRecord(ctx, rec))

	_, err := mirror.Get(ctx, "r1")
	assert.NoError(t, err)
	got, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)

	t.Run("mirror failure surfaces but primary is written", func(t *testing.T) {
		primary := NewMemoryStore()
		m := NewMultiStore(primary, failingStore{err: errors.New("bucket gone")})

		err := m.SaveRecord(ctx, testRecord("r2", time.Now(), ha.OutcomeNone))
		require.Error(t, err)
		_, getErr := primary.Get(ctx, "r2")
		assert.NoError(t, getErr)

		assert.Error(t, m.SaveRoles(ctx, "orders", map[ha.RegionID]ha.Role{"a": ha.RolePrimary}))
	})
}
