// Package grantkey generates owner grant signing keys and, optionally, a
// signed grant for one (hub, spoke, owner) binding.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/grant"
)

// Options configure grant minting alongside key generation. When Hub,
// Spoke and Owner are all empty only the keypair is emitted.
type Options struct {
	Issuer   string
	Audience string
	Hub      string
	Spoke    string
	Owner    string
	TTL      time.Duration
}

// Run generates an owner grant keypair, writes exports, and mints a grant
// when a binding is supplied.
func Run(out io.Writer, reader io.Reader, opts Options) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate owner grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export VAULTMESH_OWNER_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export VAULTMESH_OWNER_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}

	if strings.TrimSpace(opts.Hub) == "" && strings.TrimSpace(opts.Spoke) == "" && strings.TrimSpace(opts.Owner) == "" {
		return nil
	}

	hub, err := parseVaultRef(opts.Hub)
	if err != nil {
		return fmt.Errorf("parse hub: %w", err)
	}
	spoke, err := parseVaultRef(opts.Spoke)
	if err != nil {
		return fmt.Errorf("parse spoke: %w", err)
	}
	if strings.TrimSpace(opts.Owner) == "" {
		return errors.New("owner is required to mint a grant")
	}

	token, err := grant.Mint(privateKey, grant.Expectation{
		Hub:   hub,
		Spoke: spoke,
		Owner: domain.Identity(opts.Owner),
	}, grant.MintOptions{
		Issuer:   opts.Issuer,
		Audience: opts.Audience,
		JWTID:    uuid.NewString(),
		TTL:      opts.TTL,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export VAULTMESH_OWNER_GRANT=%s\n", token); err != nil {
		return err
	}
	return nil
}

// parseVaultRef splits "domain/vault" into a VaultRef.
func parseVaultRef(value string) (domain.VaultRef, error) {
	parts := strings.SplitN(strings.TrimSpace(value), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.VaultRef{}, fmt.Errorf("vault ref %q must be domain/vault", value)
	}
	ref := domain.VaultRef{Domain: domain.Domain(parts[0]), VaultID: parts[1]}
	if err := ref.Validate(); err != nil {
		return domain.VaultRef{}, err
	}
	return ref, nil
}
