package probe

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/failover/internal/ha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ha.TimeoutProbe = (*StorageProbe)(nil)
	_ ha.TimeoutProbe = (*EndpointProbe)(nil)
	_ ha.TimeoutProbe = (*NetworkProbe)(nil)
	_ ha.TimeoutProbe = (*FreshnessProbe)(nil)
)

func TestStorageProbe(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := NewStorageProbe(map[ha.RegionID]*sql.DB{"us-east": db}, time.Second)
	assert.Equal(t, "storage", p.Name())

	t.Run("ping succeeds", func(t *testing.T) {
		mock.ExpectPing()
		assert.NoError(t, p.Check(context.Background(), ha.Region{ID: "us-east"}))
	})

	t.Run("ping fails", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		assert.Error(t, p.Check(context.Background(), ha.Region{ID: "us-east"}))
	})

	t.Run("unconfigured region", func(t *testing.T) {
		assert.ErrorIs(t, p.Check(context.Background(), ha.Region{ID: "eu"}), ErrNoTarget)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndpointProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	p := NewEndpointProbe(nil, map[ha.RegionID]string{
		"up":   healthy.URL,
		"down": failing.URL,
		"gone": "http://127.0.0.1:1",
	}, time.Second)

	assert.NoError(t, p.Check(context.Background(), ha.Region{ID: "up"}))

	err := p.Check(context.Background(), ha.Region{ID: "down"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	assert.Error(t, p.Check(context.Background(), ha.Region{ID: "gone"}))
	assert.ErrorIs(t, p.Check(context.Background(), ha.Region{ID: "other"}), ErrNoTarget)
}

func TestNetworkProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p := NewNetworkProbe(map[ha.RegionID]string{"up": ln.Addr().String()}, time.Second, time.Second)
	assert.NoError(t, p.Check(context.Background(), ha.Region{ID: "up"}))

	t.Run("closed port fails", func(t *testing.T) {
		closed, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := closed.Addr().String()
		_ = closed.Close()

		p := NewNetworkProbe(map[ha.RegionID]string{"down": addr}, 0, time.Second)
		assert.Error(t, p.Check(context.Background(), ha.Region{ID: "down"}))
	})
}

func TestFreshnessProbe(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	p := NewFreshnessProbe(map[ha.RegionID]*sql.DB{"A": db}, "SELECT max(written_at) FROM heartbeat", time.Minute, time.Second)
	p.now = func() time.Time { return now }

	t.Run("recent write passes", func(t *testing.T) {
		mock.ExpectQuery("SELECT max\\(written_at\\) FROM heartbeat").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now.Add(-10 * time.Second)))
		assert.NoError(t, p.Check(context.Background(), ha.Region{ID: "A"}))
	})

	t.Run("stale write fails", func(t *testing.T) {
		mock.ExpectQuery("SELECT max\\(written_at\\) FROM heartbeat").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now.Add(-5 * time.Minute)))
		err := p.Check(context.Background(), ha.Region{ID: "A"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds")
	})

	t.Run("no writes fails", func(t *testing.T) {
		mock.ExpectQuery("SELECT max\\(written_at\\) FROM heartbeat").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
		assert.Error(t, p.Check(context.Background(), ha.Region{ID: "A"}))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
