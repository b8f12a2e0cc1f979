package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost. MemoryKiB is in KiB.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted passwords.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the clinic baseline: 64 MiB, 3 passes, and up to 4 lanes.
func DefaultConfig() Config {
	lanes := runtime.NumCPU()
	if lanes < 1 {
		lanes = 1
	}
	if lanes > 4 {
		lanes = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(lanes), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      10,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

type envSetting struct {
	key   string
	apply func(cfg *Config, raw string) error
}

var envSettings = []envSetting{
	{"MOLAR_PASSWORD_MIN_LEN", func(cfg *Config, raw string) (err error) {
		cfg.Policy.MinLength, err = parseIntRange(raw, 1, 1024)
		return err
	}},
	{"MOLAR_PASSWORD_MAX_LEN", func(cfg *Config, raw string) (err error) {
		cfg.Policy.MaxLength, err = parseIntRange(raw, 1, 4096)
		return err
	}},
	{"MOLAR_PASSWORD_REJECT_VERY_WEAK", func(cfg *Config, raw string) (err error) {
		cfg.Policy.RejectVeryWeak, err = strconv.ParseBool(strings.TrimSpace(raw))
		return err
	}},
	{"MOLAR_ARGON2_MEMORY_KIB", func(cfg *Config, raw string) (err error) {
		cfg.Params.MemoryKiB, err = parseUint32Range(raw, 8*1024, 1024*1024)
		return err
	}},
	{"MOLAR_ARGON2_ITERATIONS", func(cfg *Config, raw string) (err error) {
		cfg.Params.Iterations, err = parseUint32Range(raw, 1, 20)
		return err
	}},
	{"MOLAR_ARGON2_PARALLELISM", func(cfg *Config, raw string) error {
		u, err := parseUint32Range(raw, 1, math.MaxUint8)
		if err != nil {
			return err
		}
		cfg.Params.Parallelism = uint8(u) // #nosec G115 -- bounded above.
		return nil
	}},
	{"MOLAR_ARGON2_SALT_LEN", func(cfg *Config, raw string) (err error) {
		cfg.Params.SaltLength, err = parseUint32Range(raw, 8, 64)
		return err
	}},
	{"MOLAR_ARGON2_KEY_LEN", func(cfg *Config, raw string) (err error) {
		cfg.Params.KeyLength, err = parseUint32Range(raw, 16, 64)
		return err
	}},
}

// FromEnv loads DefaultConfig overridden by the MOLAR_PASSWORD_* and
// MOLAR_ARGON2_* environment variables.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, s := range envSettings {
		raw, ok := os.LookupEnv(s.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := s.apply(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", s.key, err)
		}
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy: min length %d exceeds max length %d",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func parseIntRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return n, nil
}

func parseUint32Range(s string, lo, hi uint32) (uint32, error) {
	u, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	v := uint32(u)
	if v < lo || v > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return v, nil
}
