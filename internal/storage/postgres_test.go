package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/failover/internal/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPostgres(t *testing.T) (*PostgresReplication, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresReplication(map[ha.RegionID]*sql.DB{"standby": db}, zap.NewNop()), mock
}

func TestPostgresReplication_QueryLag(t *testing.T) {
	t.Run("converts to milliseconds", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery("pg_last_xact_replay_timestamp").
			WillReturnRows(sqlmock.NewRows([]string{"streaming", "lag"}).AddRow(true, 1532.7))

		lag, err := p.QueryLag(context.Background(), "standby")
		require.NoError(t, err)
		assert.Equal(t, int64(1532), lag)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("null is unavailable", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery("pg_last_xact_replay_timestamp").
			WillReturnRows(sqlmock.NewRows([]string{"streaming", "lag"}).AddRow(true, nil))

		_, err := p.QueryLag(context.Background(), "standby")
		assert.ErrorIs(t, err, ha.ErrLagUnavailable)
	})

	t.Run("caught up but disconnected is unavailable", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery("pg_stat_wal_receiver").
			WillReturnRows(sqlmock.NewRows([]string{"streaming", "lag"}).AddRow(false, 0.0))

		lag, err := p.QueryLag(context.Background(), "standby")
		assert.ErrorIs(t, err, ha.ErrLagUnavailable)
		assert.Contains(t, err.Error(), "not streaming")
		assert.Zero(t, lag)
	})

	t.Run("negative lag is unavailable", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery("pg_last_xact_replay_timestamp").
			WillReturnRows(sqlmock.NewRows([]string{"streaming", "lag"}).AddRow(true, -250.0))

		_, err := p.QueryLag(context.Background(), "standby")
		assert.ErrorIs(t, err, ha.ErrLagUnavailable)
		assert.Contains(t, err.Error(), "negative")
	})

	t.Run("query error", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery("pg_last_xact_replay_timestamp").WillReturnError(errors.New("conn reset"))

		_, err := p.QueryLag(context.Background(), "standby")
		assert.Error(t, err)
	})

	t.Run("unknown region", func(t *testing.T) {
		p, _ := newPostgres(t)
		_, err := p.QueryLag(context.Background(), "other")
		assert.ErrorIs(t, err, ErrUnknownRegion)
	})
}

func TestPostgresReplication_Promote(t *testing.T) {
	t.Run("promotes", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_promote(true, $1)")).
			WithArgs(60).
			WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(true))

		require.NoError(t, p.Promote(context.Background(), "standby"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("incomplete promotion fails", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_promote(true, $1)")).
			WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(false))

		assert.Error(t, p.Promote(context.Background(), "standby"))
	})
}

func TestPostgresReplication_Demote(t *testing.T) {
	t.Run("standby in recovery", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_is_in_recovery()")).
			WillReturnRows(sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(true))

		assert.NoError(t, p.Demote(context.Background(), "standby"))
	})

	t.Run("still a primary", func(t *testing.T) {
		p, mock := newPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_is_in_recovery()")).
			WillReturnRows(sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(false))

		assert.ErrorIs(t, p.Demote(context.Background(), "standby"), ErrDemoteUnsupported)
	})
}
