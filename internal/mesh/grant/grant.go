// Package grant issues and verifies owner grants: EdDSA-signed tokens
// proving that one identity controls both the hub vault and a spoke vault.
// A valid grant is the cross-domain identity proof required at spoke
// registration.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"VAULTMESH_OWNER_GRANT_ISSUER"`
	Audience  string `env:"VAULTMESH_OWNER_GRANT_AUDIENCE"`
	PublicKey string `env:"VAULTMESH_OWNER_GRANT_PUBLIC_KEY"`
}

// Config defines how owner grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Expectation defines the identity binding a grant must attest.
type Expectation struct {
	Hub   domain.VaultRef
	Spoke domain.VaultRef
	Owner domain.Identity
}

// Claims captures validated owner grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
	Hub       string
	Spoke     string
	Owner     string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	Hub   string `json:"hub"`
	Spoke string `json:"spoke"`
	Owner string `json:"owner"`
}

// LoadConfigFromEnv reads owner grant verification configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse owner grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("VAULTMESH_OWNER_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("VAULTMESH_OWNER_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("VAULTMESH_OWNER_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode owner grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("owner grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Validate verifies an owner grant token against the expected binding.
func Validate(grant string, expected Expectation, cfg Config) (Claims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "owner grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("owner grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantMismatch, "owner grant issuer mismatch", map[string]string{
			"Field": "issuer",
		})
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantMismatch, "owner grant audience mismatch", map[string]string{
			"Field": "audience",
		})
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "owner grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "owner grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeGrantExpired, "owner grant is expired")
	}

	if parsed.Hub != expected.Hub.String() {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantMismatch, "owner grant hub mismatch", map[string]string{
			"Field": "hub",
		})
	}
	if parsed.Spoke != expected.Spoke.String() {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantMismatch, "owner grant spoke mismatch", map[string]string{
			"Field": "spoke",
		})
	}
	if parsed.Owner == "" || parsed.Owner != string(expected.Owner) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantMismatch, "owner grant owner mismatch", map[string]string{
			"Field": "owner",
		})
	}

	claims := Claims{
		Issuer: parsed.Issuer,
		JWTID:  parsed.ID,
		Hub:    parsed.Hub,
		Spoke:  parsed.Spoke,
		Owner:  parsed.Owner,
	}
	claims.Audience = append(claims.Audience, parsed.Audience...)
	claims.ExpiresAt = exp
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// MintOptions configure token minting for cmd/grant-key and tests.
type MintOptions struct {
	Issuer   string
	Audience string
	JWTID    string
	TTL      time.Duration
	Now      func() time.Time
}

// Mint signs an owner grant for one (hub, spoke, owner) binding.
func Mint(key ed25519.PrivateKey, binding Expectation, opts MintOptions) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("owner grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if strings.TrimSpace(opts.JWTID) == "" {
		return "", fmt.Errorf("owner grant jti is required")
	}

	now := opts.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    opts.Issuer,
			Audience:  jwt.ClaimStrings{opts.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.TTL)),
			ID:        opts.JWTID,
		},
		Hub:   binding.Hub.String(),
		Spoke: binding.Spoke.String(),
		Owner: string(binding.Owner),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign owner grant: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeGrantExpired, "owner grant is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeGrantInvalid, "owner grant signature is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeGrantInvalid, "owner grant is invalid", err)
	}
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(value)
}
