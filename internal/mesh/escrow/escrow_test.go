package escrow

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
	"github.com/vaultmesh/vaultmesh/internal/storage/sqlite"
)

func newTestLedger(t *testing.T) (*Ledger, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/escrow.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewLedger(store), store
}

func TestCreditDebitRoundTrip(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	vault := domain.VaultRef{Domain: "chain-a", VaultID: "hub-1"}
	wei := decimal.RequireFromString("1000000000000000000")

	err := store.RunInTx(ctx, func(tx storage.Store) error {
		return ledger.Credit(ctx, tx, vault, wei)
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	balance, err := ledger.Balance(ctx, vault)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(wei) {
		t.Fatalf("balance = %s, want %s", balance, wei)
	}

	err = store.RunInTx(ctx, func(tx storage.Store) error {
		return ledger.Debit(ctx, tx, vault, wei)
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err = ledger.Balance(ctx, vault)
	if err != nil {
		t.Fatalf("balance after debit: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("balance = %s, want 0", balance)
	}
}

func TestDebitBelowZeroFails(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	vault := domain.VaultRef{Domain: "chain-a", VaultID: "hub-1"}

	err := store.RunInTx(ctx, func(tx storage.Store) error {
		return ledger.Debit(ctx, tx, vault, decimal.NewFromInt(1))
	})
	if apperrors.CodeOf(err) != apperrors.CodeEscrowNegative {
		t.Fatalf("expected ESCROW_NEGATIVE, got %v", err)
	}
}

func TestNegativeAmountsRejected(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()
	vault := domain.VaultRef{Domain: "chain-a", VaultID: "hub-1"}

	err := store.RunInTx(ctx, func(tx storage.Store) error {
		return ledger.Credit(ctx, tx, vault, decimal.NewFromInt(-5))
	})
	if apperrors.CodeOf(err) != apperrors.CodeRequestNegativeAmount {
		t.Fatalf("expected REQUEST_NEGATIVE_AMOUNT for credit, got %v", err)
	}
	err = store.RunInTx(ctx, func(tx storage.Store) error {
		return ledger.Debit(ctx, tx, vault, decimal.NewFromInt(-5))
	})
	if apperrors.CodeOf(err) != apperrors.CodeRequestNegativeAmount {
		t.Fatalf("expected REQUEST_NEGATIVE_AMOUNT for debit, got %v", err)
	}
}
