package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/storage"
)

// EscrowBalance returns the pending-native counter for one vault. Vaults
// without escrow activity report zero.
func (s *Store) EscrowBalance(ctx context.Context, vault domain.VaultRef) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, err
	}
	if err := s.ready(); err != nil {
		return decimal.Decimal{}, err
	}

	row := s.q.QueryRowContext(
		ctx,
		`SELECT balance FROM escrow WHERE domain = ? AND vault_id = ?`,
		string(vault.Domain),
		vault.VaultID,
	)
	var balance string
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Decimal{}, fmt.Errorf("escrow balance: %w", err)
	}
	return parseAmount(balance)
}

// AddEscrow applies a signed delta to the pending-native counter. A delta
// that would drive the balance below zero fails storage.ErrEscrowNegative
// with no write. Callers pair credits and debits with request transitions
// inside one RunInTx unit.
func (s *Store) AddEscrow(ctx context.Context, vault domain.VaultRef, delta decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}

	balance, err := s.EscrowBalance(ctx, vault)
	if err != nil {
		return err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return storage.ErrEscrowNegative
	}

	_, err = s.q.ExecContext(
		ctx,
		`INSERT INTO escrow (domain, vault_id, balance)
		 VALUES (?, ?, ?)
		 ON CONFLICT(domain, vault_id) DO UPDATE SET balance = excluded.balance`,
		string(vault.Domain),
		vault.VaultID,
		next.String(),
	)
	if err != nil {
		return fmt.Errorf("add escrow: %w", err)
	}
	return nil
}
