package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store on PostgreSQL. It does not own the pool.
//
// Expected table:
//
//	CREATE TABLE molar.sessions (
//	  id                     TEXT PRIMARY KEY,
//	  user_id                TEXT NOT NULL,
//	  role                   TEXT NOT NULL DEFAULT '',
//	  refresh_token_hash     TEXT NOT NULL UNIQUE,
//	  created_at             TIMESTAMPTZ NOT NULL,
//	  last_used_at           TIMESTAMPTZ NULL,
//	  expires_at             TIMESTAMPTZ NOT NULL,
//	  revoked_at             TIMESTAMPTZ NULL,
//	  replaced_by_session_id TEXT NULL,
//	  revocation_reason      TEXT NULL,
//	  user_agent             TEXT NULL,
//	  ip                     INET NULL
//	);
type PostgresStore struct {
	db     DB
	schema string
	table  string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the schema holding the sessions table (default "molar").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRE.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(db DB, opts ...PostgresOption) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("session: nil pool")
	}
	st := &PostgresStore{db: db, schema: "molar"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	st.table = pgx.Identifier{st.schema, "sessions"}.Sanitize()
	return st, nil
}

const rowColumns = `id, user_id, role, refresh_token_hash,
	created_at, last_used_at, expires_at, revoked_at,
	replaced_by_session_id, revocation_reason`

func scanRow(r pgx.Row) (Row, error) {
	var row Row
	err := r.Scan(
		&row.ID,
		&row.UserID,
		&row.Role,
		&row.RefreshTokenHash,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.ReplacedBySessionID,
		&row.RevocationReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) insert(ctx context.Context, db execer, now time.Time, ns NewSession) error {
	var ip any
	if ns.Device.IP != nil {
		ip = ns.Device.IP.String()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, user_id, role, refresh_token_hash,
			created_at, last_used_at, expires_at, user_agent, ip
		) VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
	`, ns.ID, ns.UserID, ns.Role, ns.RefreshHash, now, ns.ExpiresAt, nullIfEmpty(ns.Device.UserAgent), ip)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, now time.Time, ns NewSession) error {
	return s.insert(ctx, s.db, now, ns)
}

func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	return scanRow(s.db.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+s.table+` WHERE id = $1`, sessionID))
}

func (s *PostgresStore) GetByRefreshHash(ctx context.Context, refreshHash string) (Row, error) {
	return scanRow(s.db.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+s.table+` WHERE refresh_token_hash = $1`, refreshHash))
}

// Rotate locks the presented session with SELECT ... FOR UPDATE so concurrent
// refreshes of the same token serialize; the loser observes a rotated row.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldHash string, next NewSession) (Row, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table+` WHERE refresh_token_hash = $1 FOR UPDATE`, oldHash))
	if err != nil {
		return Row{}, err
	}

	if err := checkRotatable(old, now); err != nil {
		if errors.Is(err, ErrRefreshReuseDetected) {
			if rerr := s.revokeAll(ctx, tx, now, old.UserID, ReasonReuseDetected); rerr != nil {
				return Row{}, rerr
			}
			if cerr := tx.Commit(ctx); cerr != nil {
				return Row{}, fmt.Errorf("commit revocation: %w", cerr)
			}
		}
		return Row{}, err
	}

	next.UserID = old.UserID
	next.Role = old.Role
	if err := s.insert(ctx, tx, now, next); err != nil {
		return Row{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE `+s.table+`
		SET last_used_at = $2,
		    revoked_at = $2,
		    replaced_by_session_id = $3,
		    revocation_reason = $4
		WHERE id = $1
	`, old.ID, now, next.ID, ReasonRotation)
	if err != nil {
		return Row{}, fmt.Errorf("retire session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Row{}, fmt.Errorf("commit rotation: %w", err)
	}

	return Row{
		ID:               next.ID,
		UserID:           next.UserID,
		Role:             next.Role,
		RefreshTokenHash: next.RefreshHash,
		CreatedAt:        now,
		LastUsedAt:       timePtr(now),
		ExpiresAt:        next.ExpiresAt,
	}, nil
}

func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.db.Exec(ctx, `UPDATE `+s.table+` SET last_used_at = $2 WHERE id = $1`, sessionID, now)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID, reason string) error {
	return s.revokeAll(ctx, s.db, now, userID, reason)
}

func (s *PostgresStore) revokeAll(ctx context.Context, db execer, now time.Time, userID, reason string) error {
	_, err := db.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
