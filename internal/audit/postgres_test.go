package audit

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/failover/internal/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, zap.NewNop()), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS failover_records").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRecord(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord("r1", time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), ha.OutcomeNone)

	mock.ExpectExec("INSERT INTO failover_records").
		WithArgs("r1", "orders", rec.TriggeredAt, "us-east", sqlmock.AnyArg(), "automatic_detection",
			"suspected", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRoles(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO region_roles").WithArgs("orders", "us-east", "isolated").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO region_roles").WithArgs("orders", "us-west", "primary").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveRoles(context.Background(), "orders", map[ha.RegionID]ha.Role{
		"us-west": ha.RolePrimary,
		"us-east": ha.RoleIsolated,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	rec := testRecord("r1", time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), ha.OutcomeSuccess)
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT record FROM failover_records WHERE id = $1")).
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(payload))

		got, err := s.Get(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, ha.OutcomeSuccess, got.Outcome)
		require.Len(t, got.Timeline, 1)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT record FROM failover_records WHERE id = $1")).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"record"}))

		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ha.ErrUnknownRecord)
	})
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockStore(t)
	a, _ := json.Marshal(testRecord("a", time.Now(), ha.OutcomeNone))
	b, _ := json.Marshal(testRecord("b", time.Now(), ha.OutcomeNone))

	mock.ExpectQuery("SELECT record FROM failover_records WHERE dataset").
		WithArgs("orders", 100).
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(a).AddRow([]byte("{bad")).AddRow(b))

	recs, err := s.List(context.Background(), "orders", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}

func TestPostgresStore_Roles(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT region_id, role FROM region_roles").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"region_id", "role"}).
			AddRow("us-east", "standby").
			AddRow("us-west", "primary"))

	roles, err := s.Roles(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, map[ha.RegionID]ha.Role{"us-east": ha.RoleStandby, "us-west": ha.RolePrimary}, roles)
}
