package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists accounts in <schema>.staff_users. The pool is owned by the caller.
//
//	CREATE TABLE molar.staff_users (
//	  id            TEXT PRIMARY KEY,
//	  username      TEXT NOT NULL,
//	  role          TEXT NOT NULL,
//	  password_hash TEXT NOT NULL,
//	  created_at    TIMESTAMPTZ NOT NULL,
//	  CONSTRAINT uq_staff_users_username UNIQUE (username)
//	);
type PostgresStore struct {
	db    DB
	table string
}

// PostgresOption configures the store.
type PostgresOption func(*postgresOptions) error

type postgresOptions struct {
	schema string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding staff_users (default "molar").
func WithSchema(schema string) PostgresOption {
	return func(o *postgresOptions) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		o.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db DB, opts ...PostgresOption) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("identity: nil pool")
	}
	o := postgresOptions{schema: "molar"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	return &PostgresStore{db: db, table: pgx.Identifier{o.schema, "staff_users"}.Sanitize()}, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, in NewUser) (User, error) {
	const op = "identity.CreateUser"

	in, err := validateNewUser(op, in)
	if err != nil {
		return User{}, err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO `+s.table+` (id, username, role, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		in.ID, in.Username, string(in.Role), in.PasswordHash, in.CreatedAt,
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return User(in), nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (User, error) {
	return s.getOne(ctx, "identity.GetByID", `id = $1`, id)
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (User, error) {
	return s.getOne(ctx, "identity.GetByUsername", `username = $1`, NormalizeUsername(username))
}

func (s *PostgresStore) getOne(ctx context.Context, op, where string, arg string) (User, error) {
	var (
		u    User
		role string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, username, role, password_hash, created_at FROM `+s.table+` WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Username, &role, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound(op)
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.Role = Role(role)
	return u, nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	const op = "identity.UpdatePasswordHash"

	tag, err := s.db.Exec(ctx, `UPDATE `+s.table+` SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op)
	}
	return nil
}

func uniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	c := strings.ToLower(pgErr.ConstraintName)
	switch {
	case strings.Contains(c, "username"):
		return "username", true
	case strings.Contains(c, "pkey"):
		return "id", true
	default:
		return "unique", true
	}
}
