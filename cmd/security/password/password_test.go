package password

import (
	"errors"
	"strings"
	"testing"
)

// testConfig keeps Argon2 cheap so the suite stays fast.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify(t *testing.T) {
	cfg := testConfig()

	h, err := cfg.Hash("chair-side assistant 42")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %q", h)
	}

	ok, err := cfg.Verify(h, "chair-side assistant 42")
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}

	ok, err = cfg.Verify(h, "chair-side assistant 43")
	if err != nil || ok {
		t.Fatalf("Verify(wrong) = %v, %v", ok, err)
	}
}

func TestHash_SaltsDiffer(t *testing.T) {
	cfg := testConfig()

	a, err := cfg.Hash("same password twice")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := cfg.Hash("same password twice")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct hashes for the same password")
	}
}

func TestVerify_InvalidHashes(t *testing.T) {
	cfg := testConfig()

	cases := []string{
		"",
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1,x=2$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$***$a2V5a2V5a2V5a2V5",
		// Cost far above the configured one.
		"$argon2id$v=19$m=1048576,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5",
	}
	for _, h := range cases {
		ok, err := cfg.Verify(h, "whatever")
		if !errors.Is(err, ErrInvalidHash) || ok {
			t.Fatalf("Verify(%q) = %v, %v; want ErrInvalidHash", h, ok, err)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	cheap := testConfig()
	h, err := cheap.Hash("front desk rotation")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if cheap.NeedsRehash(h) {
		t.Fatalf("hash made with current params should not need rehash")
	}

	stronger := cheap
	stronger.Params.Iterations = 2
	if !stronger.NeedsRehash(h) {
		t.Fatalf("expected rehash after raising iterations")
	}
	if !cheap.NeedsRehash("garbage") {
		t.Fatalf("expected rehash for undecodable hash")
	}
}

func TestValidate(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.MinLength = 8
	cfg.Policy.MaxLength = 16

	tests := []struct {
		pw   string
		want error
	}{
		{"short", ErrPasswordTooShort},
		{"this one is far too long", ErrPasswordTooLong},
		{"Password", ErrWeakPassword},
		{"11111111", ErrWeakPassword},
		{"zzzzzzzzzz", ErrWeakPassword},
		{"20240115", ErrWeakPassword},
		{"molar-crown-7", nil},
	}
	for _, tt := range tests {
		if err := cfg.Validate(tt.pw); !errors.Is(err, tt.want) {
			t.Fatalf("Validate(%q) = %v, want %v", tt.pw, err, tt.want)
		}
	}

	cfg.Policy.RejectVeryWeak = false
	if err := cfg.Validate("11111111"); err != nil {
		t.Fatalf("expected weak check disabled, got %v", err)
	}
}
