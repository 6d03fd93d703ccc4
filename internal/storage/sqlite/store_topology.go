package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/storage"
)

// PutVault records a vault instance. Re-recording an existing vault keeps
// the original creation time and owner.
func (s *Store) PutVault(ctx context.Context, vault storage.Vault) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if err := vault.Ref.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(string(vault.Owner)) == "" {
		return fmt.Errorf("vault owner is required")
	}

	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO vaults (domain, vault_id, owner, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(domain, vault_id) DO NOTHING`,
		string(vault.Ref.Domain),
		vault.Ref.VaultID,
		string(vault.Owner),
		toMillis(vault.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put vault: %w", err)
	}
	return nil
}

// GetVault returns one vault record.
func (s *Store) GetVault(ctx context.Context, ref domain.VaultRef) (storage.Vault, error) {
	if err := ctx.Err(); err != nil {
		return storage.Vault{}, err
	}
	if err := s.ready(); err != nil {
		return storage.Vault{}, err
	}

	row := s.q.QueryRowContext(
		ctx,
		`SELECT domain, vault_id, owner, created_at
		 FROM vaults
		 WHERE domain = ? AND vault_id = ?`,
		string(ref.Domain),
		ref.VaultID,
	)
	var (
		vault     storage.Vault
		dom       string
		owner     string
		createdAt int64
	)
	if err := row.Scan(&dom, &vault.Ref.VaultID, &owner, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Vault{}, storage.ErrNotFound
		}
		return storage.Vault{}, fmt.Errorf("get vault: %w", err)
	}
	vault.Ref.Domain = domain.Domain(dom)
	vault.Owner = domain.Identity(owner)
	vault.CreatedAt = fromMillis(createdAt)
	return vault, nil
}

// InsertLink records one hub/spoke link. Inserting an identical link again
// is a no-op; a different spoke for the same (hub, spoke domain) fails
// storage.ErrAlreadyExists. Links are never deleted.
func (s *Store) InsertLink(ctx context.Context, link domain.HubSpokeLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if err := link.Validate(); err != nil {
		return err
	}

	existing, err := s.GetSpoke(ctx, link.Hub, link.Spoke.Domain)
	if err == nil {
		if existing == link.Spoke {
			return nil
		}
		return storage.ErrAlreadyExists
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	_, err = s.q.ExecContext(
		ctx,
		`INSERT INTO links (hub_domain, hub_vault_id, spoke_domain, spoke_vault_id, created_at)
		 VALUES (?, ?, ?, ?, strftime('%s','now') * 1000)`,
		string(link.Hub.Domain),
		link.Hub.VaultID,
		string(link.Spoke.Domain),
		link.Spoke.VaultID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent insert of the same key; re-read to decide.
			existing, getErr := s.GetSpoke(ctx, link.Hub, link.Spoke.Domain)
			if getErr == nil && existing == link.Spoke {
				return nil
			}
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// GetSpoke returns the spoke linked for one (hub, spoke domain).
func (s *Store) GetSpoke(ctx context.Context, hub domain.VaultRef, spokeDomain domain.Domain) (domain.VaultRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.VaultRef{}, err
	}
	if err := s.ready(); err != nil {
		return domain.VaultRef{}, err
	}

	row := s.q.QueryRowContext(
		ctx,
		`SELECT spoke_vault_id
		 FROM links
		 WHERE hub_domain = ? AND hub_vault_id = ? AND spoke_domain = ?`,
		string(hub.Domain),
		hub.VaultID,
		string(spokeDomain),
	)
	var spokeVaultID string
	if err := row.Scan(&spokeVaultID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VaultRef{}, storage.ErrNotFound
		}
		return domain.VaultRef{}, fmt.Errorf("get spoke: %w", err)
	}
	return domain.VaultRef{Domain: spokeDomain, VaultID: spokeVaultID}, nil
}

// ListSpokes returns every spoke linked to one hub, ordered by domain.
func (s *Store) ListSpokes(ctx context.Context, hub domain.VaultRef) ([]domain.VaultRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(
		ctx,
		`SELECT spoke_domain, spoke_vault_id
		 FROM links
		 WHERE hub_domain = ? AND hub_vault_id = ?
		 ORDER BY spoke_domain ASC`,
		string(hub.Domain),
		hub.VaultID,
	)
	if err != nil {
		return nil, fmt.Errorf("list spokes: %w", err)
	}
	defer rows.Close()

	var spokes []domain.VaultRef
	for rows.Next() {
		var (
			spokeDomain  string
			spokeVaultID string
		)
		if err := rows.Scan(&spokeDomain, &spokeVaultID); err != nil {
			return nil, fmt.Errorf("list spokes: %w", err)
		}
		spokes = append(spokes, domain.VaultRef{
			Domain:  domain.Domain(spokeDomain),
			VaultID: spokeVaultID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list spokes: %w", err)
	}
	return spokes, nil
}

// GetHub returns the hub a spoke is linked to.
func (s *Store) GetHub(ctx context.Context, spoke domain.VaultRef) (domain.VaultRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.VaultRef{}, err
	}
	if err := s.ready(); err != nil {
		return domain.VaultRef{}, err
	}

	row := s.q.QueryRowContext(
		ctx,
		`SELECT hub_domain, hub_vault_id
		 FROM links
		 WHERE spoke_domain = ? AND spoke_vault_id = ?`,
		string(spoke.Domain),
		spoke.VaultID,
	)
	var (
		hubDomain  string
		hubVaultID string
	)
	if err := row.Scan(&hubDomain, &hubVaultID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VaultRef{}, storage.ErrNotFound
		}
		return domain.VaultRef{}, fmt.Errorf("get hub: %w", err)
	}
	return domain.VaultRef{Domain: domain.Domain(hubDomain), VaultID: hubVaultID}, nil
}
