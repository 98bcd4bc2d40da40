package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/szaher/gitsync/internal/resource"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gitsync_resources (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	namespace  TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL,
	desired    JSONB,
	observed   JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- append-only history
CREATE TABLE IF NOT EXISTS gitsync_sync_records (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	key              TEXT NOT NULL,
	target           TEXT NOT NULL DEFAULT '',
	pass_id          TEXT NOT NULL DEFAULT '',
	action           TEXT NOT NULL DEFAULT '',
	applied_revision TEXT NOT NULL,
	spec_hash        TEXT NOT NULL DEFAULT '',
	applied_at       TIMESTAMPTZ NOT NULL,
	outcome          TEXT NOT NULL,
	error_detail     TEXT NOT NULL DEFAULT '',
	identity         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gitsync_sync_records_key ON gitsync_sync_records(key, seq DESC);
`

// PostgresStore implements Store on PostgreSQL. Writes for one identity are
// serialized with a transaction-scoped advisory lock so several gitsync
// processes can share a database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrStoreUnavailable, err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Get(ctx context.Context, id resource.Identity) (Snapshot, error) {
	var snap Snapshot
	var desired, observed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT desired, observed FROM gitsync_resources WHERE key = $1`, key(id),
	).Scan(&desired, &observed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Snapshot{}, wrapPG(err)
	default:
		if len(desired) > 0 {
			snap.Desired = new(resource.DesiredState)
			if err := json.Unmarshal(desired, snap.Desired); err != nil {
				return Snapshot{}, fmt.Errorf("decoding desired state of %s: %w", id, err)
			}
		}
		if len(observed) > 0 {
			snap.Observed = new(resource.ObservedState)
			if err := json.Unmarshal(observed, snap.Observed); err != nil {
				return Snapshot{}, fmt.Errorf("decoding observed state of %s: %w", id, err)
			}
		}
	}

	records, err := s.query(ctx, `
		SELECT seq, id, target, pass_id, action, applied_revision, spec_hash, applied_at, outcome, error_detail, identity
		FROM gitsync_sync_records WHERE key = $1 ORDER BY seq DESC LIMIT 1`, key(id))
	if err != nil {
		return Snapshot{}, err
	}
	if len(records) == 1 {
		snap.Latest = &records[0]
	}
	return snap, nil
}

func (s *PostgresStore) PutDesired(ctx context.Context, d resource.DesiredState) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.upsert(ctx, d.Identity, "desired", data)
}

func (s *PostgresStore) PutObserved(ctx context.Context, o resource.ObservedState) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.upsert(ctx, o.Identity, "observed", data)
}

func (s *PostgresStore) Forget(ctx context.Context, id resource.Identity) error {
	return s.withLock(ctx, id, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE gitsync_resources SET desired = NULL, observed = NULL, updated_at = NOW() WHERE key = $1`, key(id))
		return err
	})
}

// upsert writes one JSONB column. column is always a constant from this file.
func (s *PostgresStore) upsert(ctx context.Context, id resource.Identity, column string, data []byte) error {
	return s.withLock(ctx, id, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO gitsync_resources (key, kind, namespace, name, %[1]s)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = NOW()`, column),
			key(id), id.Kind, id.Namespace, id.Name, data)
		return err
	})
}

func (s *PostgresStore) AppendSyncRecord(ctx context.Context, rec SyncRecord) (SyncRecord, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = s.now().UTC()
	}
	ident, err := json.Marshal(rec.Identity)
	if err != nil {
		return SyncRecord{}, err
	}
	err = s.withLock(ctx, rec.Identity, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO gitsync_sync_records
				(id, key, target, pass_id, action, applied_revision, spec_hash, applied_at, outcome, error_detail, identity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING seq`,
			rec.ID, key(rec.Identity), rec.Target, rec.PassID, rec.Action, rec.AppliedRevision,
			rec.SpecHash, rec.AppliedAt, string(rec.Outcome), rec.ErrorDetail, ident,
		).Scan(&rec.Seq)
	})
	if err != nil {
		return SyncRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) History(ctx context.Context, id resource.Identity, limit int) ([]SyncRecord, error) {
	q := `SELECT seq, id, target, pass_id, action, applied_revision, spec_hash, applied_at, outcome, error_detail, identity
		FROM gitsync_sync_records WHERE key = $1 ORDER BY seq DESC`
	args := []any{key(id)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	records, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]SyncRecord, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapPG(err)
	}
	defer rows.Close()

	var out []SyncRecord
	for rows.Next() {
		var (
			rec     SyncRecord
			outcome string
			ident   []byte
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Target, &rec.PassID, &rec.Action, &rec.AppliedRevision,
			&rec.SpecHash, &rec.AppliedAt, &outcome, &rec.ErrorDetail, &ident); err != nil {
			return nil, wrapPG(err)
		}
		rec.Outcome = Outcome(outcome)
		if err := json.Unmarshal(ident, &rec.Identity); err != nil {
			return nil, fmt.Errorf("decoding record identity: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG(err)
	}
	return out, nil
}

func (s *PostgresStore) withLock(ctx context.Context, id resource.Identity, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPG(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key(id)); err != nil {
		return wrapPG(err)
	}
	if err := fn(tx); err != nil {
		return wrapPG(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPG(err)
	}
	return nil
}

// wrapPG maps connection-level failures to ErrStoreUnavailable and leaves
// SQL errors reported by the server untouched.
func wrapPG(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
