package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"molar/cmd/identity/ids"
	"molar/cmd/security/password"
)

// Authenticator checks staff credentials against a Store.
type Authenticator struct {
	store Store
	pw    password.Config
	log   *slog.Logger

	// dummyHash is verified when the username is unknown so both paths cost the same.
	dummyOnce sync.Once
	dummyHash string
}

// NewAuthenticator returns an Authenticator hashing with pw.
func NewAuthenticator(store Store, pw password.Config, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{store: store, pw: pw, log: log}
}

// Authenticate returns the user for valid credentials and ErrInvalidCredentials
// otherwise, without revealing which part was wrong. Hashes made with outdated
// parameters are upgraded after a successful check.
func (a *Authenticator) Authenticate(ctx context.Context, username, plain string) (User, error) {
	const op = "identity.Authenticate"

	if strings.TrimSpace(username) == "" || plain == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	u, err := a.store.GetByUsername(ctx, username)
	if err != nil {
		if !IsNotFound(err) {
			return User{}, err
		}
		_, _ = a.pw.Verify(a.dummy(), plain)
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	ok, err := a.pw.Verify(u.PasswordHash, plain)
	if err != nil {
		a.log.Warn("identity.password.hash_invalid", "user_id", u.ID, "err", err)
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	if !ok {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	if a.pw.NeedsRehash(u.PasswordHash) {
		if h, herr := a.hashUnchecked(plain); herr == nil {
			if uerr := a.store.UpdatePasswordHash(ctx, u.ID, h); uerr != nil {
				a.log.Warn("identity.password.rehash_fail", "user_id", u.ID, "err", uerr)
			} else {
				u.PasswordHash = h
			}
		}
	}
	return u, nil
}

// Register creates an account after applying the password policy.
func (a *Authenticator) Register(ctx context.Context, now time.Time, username, plain string, role Role) (User, error) {
	const op = "identity.Register"

	hash, err := a.pw.Hash(plain)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) ||
			errors.Is(err, password.ErrPasswordTooLong) ||
			errors.Is(err, password.ErrWeakPassword) {
			return User{}, invalid(op, err.Error())
		}
		return User{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}
	return a.store.CreateUser(ctx, NewUser{
		ID:           id,
		Username:     username,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    now,
	})
}

// EnsureUser registers username unless it already exists. It is used to seed a
// development account at startup.
func (a *Authenticator) EnsureUser(ctx context.Context, now time.Time, username, plain string, role Role) (User, bool, error) {
	if u, err := a.store.GetByUsername(ctx, username); err == nil {
		return u, false, nil
	} else if !IsNotFound(err) {
		return User{}, false, err
	}

	u, err := a.Register(ctx, now, username, plain, role)
	if IsConflict(err) {
		u, err = a.store.GetByUsername(ctx, username)
		return u, false, err
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// hashUnchecked hashes without the policy so legacy passwords can be upgraded.
func (a *Authenticator) hashUnchecked(plain string) (string, error) {
	cfg := a.pw
	cfg.Policy = password.Policy{MinLength: 1, MaxLength: cfg.Policy.MaxLength}
	if cfg.Policy.MaxLength < len(plain) {
		cfg.Policy.MaxLength = len(plain)
	}
	return cfg.Hash(plain)
}

func (a *Authenticator) dummy() string {
	a.dummyOnce.Do(func() {
		h, err := a.hashUnchecked("molar-dummy-password")
		if err == nil {
			a.dummyHash = h
		}
	})
	return a.dummyHash
}

// Lookup returns the user with the given id.
func (a *Authenticator) Lookup(ctx context.Context, id string) (User, error) {
	return a.store.GetByID(ctx, id)
}
