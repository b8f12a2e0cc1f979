package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func pasetoConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	return cfg
}

func jwtConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TokenFormat = FormatJWT
	cfg.JWTSecret = strings.Repeat("j", 32)
	return cfg
}

func TestAccessTokenManagers(t *testing.T) {
	formats := []struct {
		name string
		cfg  func(*testing.T) Config
	}{
		{"paseto", pasetoConfig},
		{"jwt", jwtConfig},
	}

	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			cfg := f.cfg(t)
			mgr, err := NewAccessTokenManager(cfg)
			if err != nil {
				t.Fatalf("NewAccessTokenManager: %v", err)
			}

			now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
			p := Principal{UserID: "01HZUSER", SessionID: "01HZSESSION", Role: "doctor"}

			tok, exp, err := mgr.Issue(p, now)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if !exp.Equal(now.Add(cfg.AccessTokenTTL)) {
				t.Fatalf("exp = %v, want %v", exp, now.Add(cfg.AccessTokenTTL))
			}

			claims, err := mgr.Verify(tok, now.Add(time.Minute))
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if claims.UserID != p.UserID || claims.SessionID != p.SessionID || claims.Role != "doctor" {
				t.Fatalf("unexpected claims: %+v", claims)
			}
			if claims.Issuer != cfg.Issuer {
				t.Fatalf("issuer = %q", claims.Issuer)
			}

			// Well past expiry, beyond any skew allowance.
			if _, err := mgr.Verify(tok, exp.Add(cfg.ClockSkew+time.Minute)); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
			}
			if _, err := mgr.Verify(tok+"x", now); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
			}
			if _, _, err := mgr.Issue(Principal{UserID: "u"}, now); err == nil {
				t.Fatalf("expected error without session id")
			}
		})
	}
}

func TestPaseto_RejectsOtherKeyAndIssuer(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	a, err := NewPasetoV4PublicManager(pasetoConfig(t))
	if err != nil {
		t.Fatalf("manager a: %v", err)
	}
	b, err := NewPasetoV4PublicManager(pasetoConfig(t))
	if err != nil {
		t.Fatalf("manager b: %v", err)
	}
	tok, _, err := a.Issue(Principal{UserID: "u", SessionID: "s"}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}

	cfg := pasetoConfig(t)
	issuerA, _ := NewPasetoV4PublicManager(cfg)
	cfg.Issuer = "someone-else"
	issuerB, _ := NewPasetoV4PublicManager(cfg)
	tok, _, _ = issuerA.Issue(Principal{UserID: "u", SessionID: "s"}, now)
	if _, err := issuerB.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for issuer mismatch, got %v", err)
	}
}

func TestPaseto_ToleratesSkewOnNotBefore(t *testing.T) {
	cfg := pasetoConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	issuedAt := time.Date(2026, 3, 2, 8, 0, 10, 0, time.UTC)
	tok, _, _ := mgr.Issue(Principal{UserID: "u", SessionID: "s"}, issuedAt)

	// Verifier clock 10s behind the issuer.
	if _, err := mgr.Verify(tok, issuedAt.Add(-10*time.Second)); err != nil {
		t.Fatalf("expected skew tolerance, got %v", err)
	}
	if _, err := mgr.Verify(tok, issuedAt.Add(-cfg.ClockSkew-time.Second)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected rejection beyond skew, got %v", err)
	}
}

func TestNewJWTManager_ShortSecret(t *testing.T) {
	cfg := jwtConfig(t)
	cfg.JWTSecret = "short"
	if _, err := NewJWTManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
