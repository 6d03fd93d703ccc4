// Package domain defines the core vaultmesh types: vault references,
// hub/spoke links, topology snapshots, and asynchronous action requests.
package domain

import (
	"fmt"
	"strings"

	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
)

// Domain identifies one independent execution domain ("chain").
type Domain string

// Identity is an explicit caller identity. Operations never read identity
// from ambient execution context; callers verify and pass it in.
type Identity string

// VaultRef identifies one vault instance on one domain.
type VaultRef struct {
	Domain  Domain
	VaultID string
}

// IsZero reports whether the reference is empty.
func (r VaultRef) IsZero() bool {
	return r.Domain == "" && r.VaultID == ""
}

// String renders the reference as domain/vault.
func (r VaultRef) String() string {
	return fmt.Sprintf("%s/%s", r.Domain, r.VaultID)
}

// Validate checks that both components are present.
func (r VaultRef) Validate() error {
	if strings.TrimSpace(string(r.Domain)) == "" {
		return apperrors.New(apperrors.CodeUnknownVault, "vault domain is required")
	}
	if strings.TrimSpace(r.VaultID) == "" {
		return apperrors.New(apperrors.CodeUnknownVault, "vault id is required")
	}
	return nil
}

// HubSpokeLink links one spoke vault to its authoritative hub vault.
// At most one spoke exists per (hub, spoke domain); links are created on
// registration and never individually removed.
type HubSpokeLink struct {
	Hub   VaultRef
	Spoke VaultRef
}

// Validate checks both endpoints and rejects same-domain links.
func (l HubSpokeLink) Validate() error {
	if err := l.Hub.Validate(); err != nil {
		return err
	}
	if err := l.Spoke.Validate(); err != nil {
		return err
	}
	if l.Hub.Domain == l.Spoke.Domain {
		return apperrors.New(apperrors.CodeSpokeAlreadyExists, "spoke domain must differ from hub domain")
	}
	return nil
}

// TopologySnapshot is a bootstrap payload: the full known spoke set for one
// hub vault. Applying a snapshot is union-only; it never removes links.
type TopologySnapshot struct {
	Hub    VaultRef
	Spokes []VaultRef
}

// Validate checks the hub and every spoke reference.
func (s TopologySnapshot) Validate() error {
	if err := s.Hub.Validate(); err != nil {
		return err
	}
	for _, spoke := range s.Spokes {
		if err := spoke.Validate(); err != nil {
			return err
		}
	}
	return nil
}
