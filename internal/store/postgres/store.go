// Package postgres reads and (through the controlled purge path) deletes
// audit events. Reads use a bounded keyset cursor so arbitrarily large months
// stream under constant memory; the delete path suspends the append-only
// triggers only inside its own transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"coldtrail/internal/audit"
)

const defaultTable = "audit_events"

// raiseException is the Postgres error code produced by the guard triggers.
const raiseException = "P0001"

// Store implements the archiver's RowSource and the retention enforcer's
// RowDeleter against one audit table.
type Store struct {
	db      *sql.DB
	table   string
	dialect GuardDialect
}

type Option func(*Store)

func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// New builds a store for the given engine identifier. Unknown engines are a
// configuration error.
func New(db *sql.DB, engine string, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	dialect, err := DialectFor(engine)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, table: defaultTable, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureGuards installs the append-only enforcement on the audit table.
// Idempotent; intended for deployment wiring.
func (s *Store) EnsureGuards(ctx context.Context) error {
	for _, stmt := range s.dialect.CreateGuards(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install append-only guards: %w", err)
		}
	}
	return nil
}

// CountRange counts committed events with ts in [start, end).
func (s *Store) CountRange(ctx context.Context, start, end time.Time) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ts >= $1 AND ts < $2`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, start, end).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// StreamRange delivers events with ts in [start, end) ordered by (ts, id),
// fetching at most fetchSize rows per round-trip via a keyset cursor.
func (s *Store) StreamRange(ctx context.Context, start, end time.Time, fetchSize int, fn func(audit.Event) error) error {
	if fetchSize < 1 {
		fetchSize = 1
	}
	query := fmt.Sprintf(`
		SELECT id, ts, actor_role, center_scope, action, resource_type,
		       resource_id, job_id, request_id, outcome, error_code, artifact_sha256
		FROM %s
		WHERE ts < $1 AND (ts, id) > ($2, $3)
		ORDER BY ts, id
		LIMIT $4
	`, s.table)

	lastTS := start
	lastID := int64(-1)
	for {
		batch, err := s.fetchBatch(ctx, query, end, lastTS, lastID, fetchSize)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(batch) < fetchSize {
			return nil
		}
		last := batch[len(batch)-1]
		lastTS, lastID = last.TS, last.ID
	}
}

func (s *Store) fetchBatch(ctx context.Context, query string, end, afterTS time.Time, afterID int64, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, end, afterTS, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	batch := make([]audit.Event, 0, limit)
	for rows.Next() {
		var (
			e                         audit.Event
			centerScope, jobID        sql.NullString
			errorCode, artifactSHA256 sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.TS,
			&e.ActorRole,
			&centerScope,
			&e.Action,
			&e.ResourceType,
			&e.ResourceID,
			&jobID,
			&e.RequestID,
			&e.Outcome,
			&errorCode,
			&artifactSHA256,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.CenterScope = centerScope.String
		e.JobID = jobID.String
		e.ErrorCode = errorCode.String
		e.ArtifactSHA256 = artifactSHA256.String
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return batch, nil
}

// DeleteRange purges events with ts in [start, end). The append-only triggers
// are dropped and recreated inside the same transaction as the delete; a
// rollback on any exit path restores them because Postgres DDL is
// transactional.
func (s *Store) DeleteRange(ctx context.Context, start, end time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range s.dialect.DropGuards(s.table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("suspend append-only guards: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE ts >= $1 AND ts < $2`, s.table), start, end)
	if err != nil {
		if isGuardViolation(err) {
			return 0, fmt.Errorf("append-only guard still active during purge: %w", err)
		}
		return 0, fmt.Errorf("delete audit events: %w", err)
	}

	for _, stmt := range s.dialect.RecreateGuards(s.table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("restore append-only guards: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge transaction: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged rows: %w", err)
	}
	return deleted, nil
}

func isGuardViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == raiseException
}
