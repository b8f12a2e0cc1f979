package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"aidanwoods.dev/go-paseto"
)

// TokenFormat selects the access-token encoding.
type TokenFormat string

const (
	FormatPaseto TokenFormat = "paseto"
	FormatJWT    TokenFormat = "jwt"
)

// Config is the runtime configuration of the session subsystem.
type Config struct {
	Issuer string

	AccessTokenTTL time.Duration
	RefreshTTL     time.Duration

	// ClockSkew is tolerated when verifying access tokens.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int

	TokenFormat TokenFormat

	// PasetoV4SecretKeyHex is the hex Ed25519 secret key for v4.public tokens.
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 key used when TokenFormat is jwt.
	JWTSecret string

	// EphemeralKey is set when the PASETO key was generated at startup.
	// Tokens then die with the process.
	EphemeralKey bool
}

const minJWTSecretBytes = 32

// DefaultConfig returns the development defaults. Keys are left empty.
func DefaultConfig() Config {
	return Config{
		Issuer:            "molar",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		TokenFormat:       FormatPaseto,
	}
}

// Validate checks the invariants LoadConfigFromEnv enforces.
func (c Config) Validate() error {
	switch {
	case c.Issuer == "":
		return fmt.Errorf("%w: empty issuer", ErrConfig)
	case c.AccessTokenTTL <= 0 || c.RefreshTTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrConfig)
	case c.RefreshTTL < c.AccessTokenTTL:
		return fmt.Errorf("%w: refresh ttl shorter than access ttl", ErrConfig)
	case c.ClockSkew < 0:
		return fmt.Errorf("%w: negative clock skew", ErrConfig)
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return fmt.Errorf("%w: refresh token bytes out of range [32..64]", ErrConfig)
	}

	switch c.TokenFormat {
	case FormatPaseto:
		if c.PasetoV4SecretKeyHex == "" {
			return fmt.Errorf("%w: MOLAR_PASETO_V4_SECRET_KEY_HEX is required", ErrConfig)
		}
	case FormatJWT:
		if len(c.JWTSecret) < minJWTSecretBytes {
			return fmt.Errorf("%w: MOLAR_JWT_SECRET must be at least %d bytes", ErrConfig, minJWTSecretBytes)
		}
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrConfig, c.TokenFormat)
	}
	return nil
}

// LoadConfigFromEnv loads the session configuration.
//
// Required: MOLAR_PASETO_V4_SECRET_KEY_HEX, or MOLAR_JWT_SECRET when
// MOLAR_AUTH_TOKEN_FORMAT=jwt. MOLAR_AUTH_DEV_EPHEMERAL_KEY=true generates a
// throwaway PASETO key instead of failing.
//
// Optional: MOLAR_AUTH_ISSUER, MOLAR_AUTH_ACCESS_TTL, MOLAR_AUTH_REFRESH_TTL,
// MOLAR_AUTH_CLOCK_SKEW, MOLAR_AUTH_REFRESH_TOKEN_BYTES.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("MOLAR_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MOLAR_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL},
		{"MOLAR_AUTH_REFRESH_TTL", &cfg.RefreshTTL},
		{"MOLAR_AUTH_CLOCK_SKEW", &cfg.ClockSkew},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, d.key, err)
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MOLAR_AUTH_REFRESH_TOKEN_BYTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: MOLAR_AUTH_REFRESH_TOKEN_BYTES: %v", ErrConfig, err)
		}
		cfg.RefreshTokenBytes = n
	}

	if v := strings.TrimSpace(os.Getenv("MOLAR_AUTH_TOKEN_FORMAT")); v != "" {
		cfg.TokenFormat = TokenFormat(strings.ToLower(v))
	}
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("MOLAR_PASETO_V4_SECRET_KEY_HEX"))
	cfg.JWTSecret = os.Getenv("MOLAR_JWT_SECRET")

	if cfg.TokenFormat == FormatPaseto && cfg.PasetoV4SecretKeyHex == "" {
		if dev, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("MOLAR_AUTH_DEV_EPHEMERAL_KEY"))); dev {
			cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
			cfg.EphemeralKey = true
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
