// Package escrow tracks native value bundled into in-flight requests,
// independent of settled accounting. Credits and debits are only ever
// applied inside the same storage transaction as the request transition
// they pair with.
package escrow

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
)

// Ledger is the pending-native escrow counter facade.
type Ledger struct {
	store storage.Store
}

// NewLedger creates an escrow ledger over durable storage.
func NewLedger(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns the pending-native counter for one vault.
func (l *Ledger) Balance(ctx context.Context, vault domain.VaultRef) (decimal.Decimal, error) {
	if l == nil || l.store == nil {
		return decimal.Decimal{}, errors.New("escrow ledger is not configured")
	}
	return l.store.EscrowBalance(ctx, vault)
}

// Credit increases the counter by amount within tx. Zero amounts are a
// no-op; negative amounts are rejected.
func (l *Ledger) Credit(ctx context.Context, tx storage.Store, vault domain.VaultRef, amount decimal.Decimal) error {
	if tx == nil {
		return errors.New("escrow credit requires a transaction")
	}
	if amount.IsNegative() {
		return apperrors.New(apperrors.CodeRequestNegativeAmount, "escrow credit is negative")
	}
	if amount.IsZero() {
		return nil
	}
	return tx.AddEscrow(ctx, vault, amount)
}

// Debit decreases the counter by amount within tx. A debit below zero
// violates the escrow invariant and fails with no write.
func (l *Ledger) Debit(ctx context.Context, tx storage.Store, vault domain.VaultRef, amount decimal.Decimal) error {
	if tx == nil {
		return errors.New("escrow debit requires a transaction")
	}
	if amount.IsNegative() {
		return apperrors.New(apperrors.CodeRequestNegativeAmount, "escrow debit is negative")
	}
	if amount.IsZero() {
		return nil
	}
	if err := tx.AddEscrow(ctx, vault, amount.Neg()); err != nil {
		if errors.Is(err, storage.ErrEscrowNegative) {
			return apperrors.Wrap(apperrors.CodeEscrowNegative, "escrow debit exceeds balance", err)
		}
		return err
	}
	return nil
}
