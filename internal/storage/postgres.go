// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/failover/internal/ha"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// ErrDemoteUnsupported is returned when a region is still accepting writes.
// A PostgreSQL primary cannot be turned back into a standby through SQL.
var ErrDemoteUnsupported = errors.New("postgres: region is not in recovery; rebuild it as a standby first")

const (
	// equal receive and replay positions only mean zero lag while the
	// receiver is still streaming from the primary
	lagQuery = `SELECT
		EXISTS (SELECT 1 FROM pg_stat_wal_receiver WHERE status = 'streaming'),
		CASE
			WHEN pg_last_xact_replay_timestamp() IS NULL THEN NULL
			WHEN pg_last_wal_receive_lsn() = pg_last_wal_replay_lsn() THEN 0
			ELSE EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()) * 1000
		END`
	promoteQuery  = `SELECT pg_promote(true, $1)`
	recoveryQuery = `SELECT pg_is_in_recovery()`
)

// PostgresReplication controls streaming replicas directly over SQL
type PostgresReplication struct {
	dbs    map[ha.RegionID]*sql.DB
	logger *zap.Logger
}

// OpenPostgres opens a pooled connection for each region DSN
func OpenPostgres(dsns map[ha.RegionID]string) (map[ha.RegionID]*sql.DB, error) {
	dbs := make(map[ha.RegionID]*sql.DB, len(dsns))
	for id, dsn := range dsns {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			for _, opened := range dbs {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open database for %s: %w", id, err)
		}
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		dbs[id] = db
	}
	return dbs, nil
}

// NewPostgresReplication creates a SQL-driven storage layer
func NewPostgresReplication(dbs map[ha.RegionID]*sql.DB, logger *zap.Logger) *PostgresReplication {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresReplication{dbs: dbs, logger: logger.Named("storage-postgres")}
}

func (p *PostgresReplication) db(region ha.RegionID) (*sql.DB, error) {
	db, ok := p.dbs[region]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	return db, nil
}

// QueryLag reports replay lag. It returns ha.ErrLagUnavailable when the
// WAL receiver is not streaming or the replay timestamp is unusable.
func (p *PostgresReplication) QueryLag(ctx context.Context, standby ha.RegionID) (int64, error) {
	db, err := p.db(standby)
	if err != nil {
		return 0, err
	}

	var (
		streaming bool
		lag       sql.NullFloat64
	)
	if err := db.QueryRowContext(ctx, lagQuery).Scan(&streaming, &lag); err != nil {
		return 0, fmt.Errorf("query lag: %w", err)
	}
	if !streaming {
		return 0, fmt.Errorf("%w: wal receiver on %s is not streaming", ha.ErrLagUnavailable, standby)
	}
	if !lag.Valid {
		return 0, ha.ErrLagUnavailable
	}
	if lag.Float64 < 0 {
		return 0, fmt.Errorf("%w: negative lag %.0fms on %s", ha.ErrLagUnavailable, lag.Float64, standby)
	}
	return int64(lag.Float64), nil
}

// Promote calls pg_promote and waits for it to finish
func (p *PostgresReplication) Promote(ctx context.Context, region ha.RegionID) error {
	db, err := p.db(region)
	if err != nil {
		return err
	}

	waitSeconds := 60
	if deadline, ok := ctx.Deadline(); ok {
		if s := int(time.Until(deadline).Seconds()); s > 0 {
			waitSeconds = s
		}
	}

	var promoted bool
	if err := db.QueryRowContext(ctx, promoteQuery, waitSeconds).Scan(&promoted); err != nil {
		return fmt.Errorf("pg_promote: %w", err)
	}
	if !promoted {
		return fmt.Errorf("pg_promote did not complete within %ds", waitSeconds)
	}

	p.logger.Info("promoted replica", zap.String("region", string(region)))
	return nil
}

// Demote succeeds only once the region is already replaying as a standby,
// which is how an operator-rebuilt replica is confirmed before rejoin.
func (p *PostgresReplication) Demote(ctx context.Context, region ha.RegionID) error {
	db, err := p.db(region)
	if err != nil {
		return err
	}

	var inRecovery bool
	if err := db.QueryRowContext(ctx, recoveryQuery).Scan(&inRecovery); err != nil {
		return fmt.Errorf("check recovery: %w", err)
	}
	if !inRecovery {
		return ErrDemoteUnsupported
	}
	return nil
}

// Close closes every regional connection
func (p *PostgresReplication) Close() error {
	var errs []error
	for _, db := range p.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
