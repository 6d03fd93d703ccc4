// Package topology maintains the hub/spoke link graph: owner-gated spoke
// registration, union-only bootstrap merges, and the funded fan-out that
// announces new spokes to peer domains.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/grant"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

// Config wires a Registry.
type Config struct {
	Store     storage.Store
	Transport transport.Transport
	// Grants verifies owner grants at spoke registration. Required: the
	// grant is the cross-domain proof that one identity owns both vaults.
	Grants grant.Config
	// MinRegistrationDelay is the anti-front-running grace period between
	// spoke vault creation and its registration.
	MinRegistrationDelay time.Duration
	// LocalDomain identifies the domain this registry runs on.
	LocalDomain domain.Domain
	Clock       func() time.Time
	NewGUID     func() string
}

// Registry maintains hub/spoke links for the local domain.
type Registry struct {
	store     storage.Store
	transport transport.Transport
	grants    grant.Config
	minDelay  time.Duration
	local     domain.Domain
	clock     func() time.Time
	newGUID   func() string
}

// NewRegistry creates a topology registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("topology store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("topology transport is required")
	}
	if cfg.NewGUID == nil {
		return nil, errors.New("topology guid generator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		store:     cfg.Store,
		transport: cfg.Transport,
		grants:    cfg.Grants,
		minDelay:  cfg.MinRegistrationDelay,
		local:     cfg.LocalDomain,
		clock:     cfg.Clock,
		newGUID:   cfg.NewGUID,
	}, nil
}

// RegisterVault records a vault instance and its owner. Registration is
// idempotent; the first record's owner and creation time win.
func (r *Registry) RegisterVault(ctx context.Context, vault storage.Vault) error {
	if r == nil || r.store == nil {
		return errors.New("registry is not configured")
	}
	if err := vault.Ref.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(string(vault.Owner)) == "" {
		return apperrors.New(apperrors.CodeNotOwner, "vault owner is required")
	}
	if vault.CreatedAt.IsZero() {
		vault.CreatedAt = r.clock().UTC()
	}
	return r.store.PutVault(ctx, vault)
}

// RegisterSpoke links a spoke vault to its hub. The caller must be the
// spoke owner, the registration grace period must have elapsed, the owner
// grant must bind (hub, spoke, owner), and at most one spoke may exist per
// (hub, spoke domain). Retrying the exact same pair is idempotent; a
// different spoke for an already-linked domain fails SPOKE_ALREADY_EXISTS.
func (r *Registry) RegisterSpoke(ctx context.Context, caller domain.Identity, hub domain.VaultRef, spoke domain.VaultRef, spokeOwner domain.Identity, ownerGrant string) error {
	if r == nil || r.store == nil {
		return errors.New("registry is not configured")
	}
	link := domain.HubSpokeLink{Hub: hub, Spoke: spoke}
	if err := link.Validate(); err != nil {
		return err
	}
	if caller == "" || caller != spokeOwner {
		return apperrors.WithMetadata(apperrors.CodeNotOwner, "caller is not the spoke owner", map[string]string{
			"Caller": string(caller),
		})
	}

	hubVault, err := r.store.GetVault(ctx, hub)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeUnknownHub, "hub vault is not registered", map[string]string{
				"Hub": hub.String(),
			})
		}
		return err
	}
	spokeVault, err := r.store.GetVault(ctx, spoke)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.WithMetadata(apperrors.CodeUnknownVault, "spoke vault is not registered", map[string]string{
				"Spoke": spoke.String(),
			})
		}
		return err
	}
	if spokeVault.Owner != spokeOwner {
		return apperrors.New(apperrors.CodeNotOwner, "spoke owner does not match vault record")
	}
	if hubVault.Owner != spokeOwner {
		return apperrors.New(apperrors.CodeOwnerMismatch, "hub owner and spoke owner differ")
	}

	// Anti-front-running grace period after spoke vault creation.
	elapsed := r.clock().UTC().Sub(spokeVault.CreatedAt)
	if elapsed < r.minDelay {
		return apperrors.WithMetadata(apperrors.CodeFinalizationWindowOpen, "spoke registration window is still open", map[string]string{
			"Elapsed":  elapsed.String(),
			"Required": r.minDelay.String(),
		})
	}

	if _, err := grant.Validate(ownerGrant, grant.Expectation{
		Hub:   hub,
		Spoke: spoke,
		Owner: spokeOwner,
	}, r.grants); err != nil {
		return err
	}

	if err := r.store.InsertLink(ctx, link); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return apperrors.WithMetadata(apperrors.CodeSpokeAlreadyExists, "a different spoke is already linked for this domain", map[string]string{
				"Hub":         hub.String(),
				"SpokeDomain": string(spoke.Domain),
			})
		}
		return err
	}
	log.Printf("topology linked spoke hub=%s spoke=%s owner=%s", hub, spoke, spokeOwner)
	return nil
}

// Spokes returns the current spoke set for one hub.
func (r *Registry) Spokes(ctx context.Context, hub domain.VaultRef) ([]domain.VaultRef, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("registry is not configured")
	}
	return r.store.ListSpokes(ctx, hub)
}

// BootstrapMerge applies a peer's full known-spoke snapshot with
// union-only semantics: existing links are never removed, re-application
// is idempotent, and a snapshot that contradicts an existing link fails
// the whole merge atomically.
func (r *Registry) BootstrapMerge(ctx context.Context, snapshot domain.TopologySnapshot) error {
	if r == nil || r.store == nil {
		return errors.New("registry is not configured")
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}

	return r.store.RunInTx(ctx, func(tx storage.Store) error {
		for _, spoke := range snapshot.Spokes {
			link := domain.HubSpokeLink{Hub: snapshot.Hub, Spoke: spoke}
			if err := tx.InsertLink(ctx, link); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					return apperrors.WithMetadata(apperrors.CodeSpokeAlreadyExists, "snapshot contradicts an existing link", map[string]string{
						"Hub":         snapshot.Hub.String(),
						"SpokeDomain": string(spoke.Domain),
					})
				}
				return fmt.Errorf("merge spoke %s: %w", spoke, err)
			}
		}
		return nil
	})
}
