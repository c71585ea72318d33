// internal/audit/postgres.go
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/FairForge/failover/internal/ha"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS failover_records (
	id            TEXT PRIMARY KEY,
	dataset       TEXT NOT NULL,
	triggered_at  TIMESTAMPTZ NOT NULL,
	failed_region TEXT NOT NULL,
	target_region TEXT,
	trigger       TEXT NOT NULL,
	state         TEXT NOT NULL,
	outcome       TEXT NOT NULL DEFAULT '',
	completed_at  TIMESTAMPTZ,
	rpo_ms        BIGINT,
	record        JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failover_records_dataset
	ON failover_records(dataset, triggered_at DESC);

CREATE TABLE IF NOT EXISTS region_roles (
	dataset    TEXT NOT NULL,
	region_id  TEXT NOT NULL,
	role       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (dataset, region_id)
);`

// Closed records are immutable, so the upsert only touches open rows.
const upsertRecord = `
INSERT INTO failover_records
	(id, dataset, triggered_at, failed_region, target_region, trigger, state, outcome, completed_at, rpo_ms, record)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	target_region = EXCLUDED.target_region,
	state         = EXCLUDED.state,
	outcome       = EXCLUDED.outcome,
	completed_at  = EXCLUDED.completed_at,
	rpo_ms        = EXCLUDED.rpo_ms,
	record        = EXCLUDED.record,
	updated_at    = now()
WHERE failover_records.outcome = ''`

const upsertRole = `
INSERT INTO region_roles (dataset, region_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (dataset, region_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`

// PostgresStore persists records with their timeline as JSONB
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore wraps an open database
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger.Named("audit-postgres")}
}

// OpenPostgresStore connects to dsn and verifies the connection
func OpenPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(db, logger), nil
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec ha.FailoverRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	var completed sql.NullTime
	if !rec.CompletedAt.IsZero() {
		completed = sql.NullTime{Time: rec.CompletedAt, Valid: true}
	}
	var rpo sql.NullInt64
	if rec.RPOMS != ha.LagUnknown {
		rpo = sql.NullInt64{Int64: rec.RPOMS, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, upsertRecord,
		rec.ID,
		rec.Dataset,
		rec.TriggeredAt,
		string(rec.FailedRegionID),
		nullable(string(rec.TargetRegionID)),
		string(rec.Trigger),
		string(rec.State),
		string(rec.Outcome),
		completed,
		rpo,
		payload,
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// SaveRoles replaces the role table rows for dataset in one transaction
func (s *PostgresStore) SaveRoles(ctx context.Context, dataset string, roles map[ha.RegionID]ha.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	ids := make([]ha.RegionID, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, upsertRole, dataset, string(id), string(roles[id])); err != nil {
			return fmt.Errorf("save role for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit roles: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (ha.FailoverRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM failover_records WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ha.FailoverRecord{}, notFound(id)
	}
	if err != nil {
		return ha.FailoverRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}

	var rec ha.FailoverRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ha.FailoverRecord{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, dataset string, limit int) ([]ha.FailoverRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM failover_records WHERE dataset = $1 ORDER BY triggered_at DESC LIMIT $2`,
		dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ha.FailoverRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec ha.FailoverRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			s.logger.Warn("skipping undecodable record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Roles(ctx context.Context, dataset string) (map[ha.RegionID]ha.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT region_id, role FROM region_roles WHERE dataset = $1`, dataset)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	roles := make(map[ha.RegionID]ha.Role)
	for rows.Next() {
		var id, role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles[ha.RegionID(id)] = ha.Role(role)
	}
	return roles, rows.Err()
}
