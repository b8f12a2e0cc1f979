package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool used by PostgresStore.
// pgxmock pools satisfy it as well.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore is a ConnectionStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pool. The caller must close it.
//
// Expected table:
//
//	CREATE TABLE molar.realtime_connections (
//	  connection_id    TEXT PRIMARY KEY,
//	  user_id          TEXT NULL,
//	  created_at_ms    BIGINT NOT NULL,
//	  last_seen_at_ms  BIGINT NOT NULL
//	);
type PostgresStore struct {
	db     DBTX
	schema string
	table  string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "molar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConnectionStore.
func NewPostgresStore(db DBTX, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		db:     db,
		schema: "molar",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.db == nil {
		return nil, errors.New("realtime: nil pool")
	}
	st.table = pgIdent(st.schema, "realtime_connections")
	return st, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec ConnectionRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO `+s.table+` (connection_id, user_id, created_at_ms, last_seen_at_ms)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (connection_id) DO UPDATE
		    SET user_id = EXCLUDED.user_id,
		        last_seen_at_ms = EXCLUDED.last_seen_at_ms`,
		rec.ConnectionID, nullIfEmpty(rec.UserID), rec.CreatedAt, rec.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, connectionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM `+s.table+` WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// List scans every row; rows that fail to scan are skipped.
func (s *PostgresStore) List(ctx context.Context) ([]ConnectionRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT connection_id, user_id, created_at_ms, last_seen_at_ms
		   FROM `+s.table+`
		  ORDER BY created_at_ms ASC, connection_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	out := make([]ConnectionRecord, 0, 16)
	for rows.Next() {
		var (
			rec    ConnectionRecord
			userID *string
		)
		if err := rows.Scan(&rec.ConnectionID, &userID, &rec.CreatedAt, &rec.LastSeenAt); err != nil {
			continue
		}
		if userID != nil {
			rec.UserID = *userID
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Touch(ctx context.Context, connectionID string, nowMs int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE `+s.table+` SET last_seen_at_ms = $2 WHERE connection_id = $1`,
		connectionID, nowMs,
	)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStale(ctx context.Context, cutoffMs int64) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+s.table+` WHERE last_seen_at_ms < $1`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("sweep connections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
