package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockSessionStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)

	st, err := NewPostgresStore(mock)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return st, mock
}

var sessionColumns = []string{
	"id", "user_id", "role", "refresh_token_hash",
	"created_at", "last_used_at", "expires_at", "revoked_at",
	"replaced_by_session_id", "revocation_reason",
}

func TestNewPostgresStore_Validation(t *testing.T) {
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()
	if _, err := NewPostgresStore(mock, WithSchema("bad schema")); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
	st, err := NewPostgresStore(mock, WithSchema("clinic_a"))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if st.table != `"clinic_a"."sessions"` {
		t.Fatalf("table = %s", st.table)
	}
}

func TestPostgresStore_Create(t *testing.T) {
	st, mock := newMockSessionStore(t)

	mock.ExpectExec(`INSERT INTO "molar"."sessions"`).
		WithArgs("s1", "u1", "doctor", "hash-1", t0, t0.Add(time.Hour), "molar-test", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.Create(context.Background(), t0, NewSession{
		ID: "s1", UserID: "u1", Role: "doctor", RefreshHash: "hash-1",
		ExpiresAt: t0.Add(time.Hour), Device: DeviceContext{UserAgent: "molar-test"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GetByIDNotFound(t *testing.T) {
	st, mock := newMockSessionStore(t)

	mock.ExpectQuery(`SELECT .* FROM "molar"."sessions" WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	if _, err := st.GetByID(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostgresStore_RotateNotFoundRollsBack(t *testing.T) {
	st, mock := newMockSessionStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("unknown").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if _, err := st.Rotate(context.Background(), t0, "unknown", NewSession{ID: "s2"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RotateRetiresOldSession(t *testing.T) {
	st, mock := newMockSessionStore(t)
	now := t0.Add(time.Minute)
	lastUsed := t0

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("hash-old").WillReturnRows(
		pgxmock.NewRows(sessionColumns).AddRow(
			"s1", "u1", "assistant", "hash-old",
			t0, &lastUsed, t0.Add(time.Hour), (*time.Time)(nil),
			(*string)(nil), (*string)(nil),
		),
	)
	mock.ExpectExec(`INSERT INTO`).
		WithArgs("s2", "u1", "assistant", "hash-new", now, now.Add(time.Hour), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE "molar"."sessions"`).
		WithArgs("s1", now, "s2", ReasonRotation).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	row, err := st.Rotate(context.Background(), now, "hash-old", NewSession{
		ID: "s2", RefreshHash: "hash-new", ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if row.ID != "s2" || row.UserID != "u1" || row.Role != "assistant" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RotateReuseRevokesAll(t *testing.T) {
	st, mock := newMockSessionStore(t)
	now := t0.Add(time.Minute)
	revokedAt := t0
	replacedBy := "s2"
	reason := ReasonRotation

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("hash-old").WillReturnRows(
		pgxmock.NewRows(sessionColumns).AddRow(
			"s1", "u1", "", "hash-old",
			t0, &revokedAt, t0.Add(time.Hour), &revokedAt,
			&replacedBy, &reason,
		),
	)
	mock.ExpectExec(`UPDATE "molar"."sessions"`).
		WithArgs("u1", now, ReasonReuseDetected).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	_, err := st.Rotate(context.Background(), now, "hash-old", NewSession{ID: "s3", RefreshHash: "hash-3"})
	if !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("expected ErrRefreshReuseDetected, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RevokeKeepsFirstReason(t *testing.T) {
	st, mock := newMockSessionStore(t)

	mock.ExpectExec(`COALESCE\(revoked_at, \$2\)`).
		WithArgs("s1", t0, ReasonLogout).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`WHERE user_id = \$1`).
		WithArgs("u1", t0, ReasonLogoutAll).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(`SET last_used_at`).
		WithArgs("s1", t0).
		WillReturnError(errors.New("connection reset"))

	ctx := context.Background()
	if err := st.Revoke(ctx, t0, "s1", ReasonLogout); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := st.RevokeAll(ctx, t0, "u1", ReasonLogoutAll); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if err := st.Touch(ctx, t0, "s1"); err == nil {
		t.Fatalf("expected Touch error to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
