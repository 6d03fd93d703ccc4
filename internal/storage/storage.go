// Package storage declares the durable state vaultmesh depends on: vault
// records, hub/spoke links, action requests, escrow counters, and
// accounting-manager overrides.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a conflicting record is already present.
var ErrAlreadyExists = errors.New("record already exists")

// ErrEscrowNegative indicates a debit would take an escrow balance below zero.
var ErrEscrowNegative = errors.New("escrow balance would go negative")

// Vault records one vault instance and its owner. CreatedAt anchors the
// spoke registration grace period.
type Vault struct {
	Ref       domain.VaultRef
	Owner     domain.Identity
	CreatedAt time.Time
}

// VaultStore persists vault records.
type VaultStore interface {
	PutVault(ctx context.Context, vault Vault) error
	GetVault(ctx context.Context, ref domain.VaultRef) (Vault, error)
}

// LinkStore persists hub/spoke links. Links are insert-only; InsertLink is
// a no-op for an identical existing link and fails ErrAlreadyExists when a
// different spoke is already recorded for the same (hub, spoke domain).
type LinkStore interface {
	InsertLink(ctx context.Context, link domain.HubSpokeLink) error
	GetSpoke(ctx context.Context, hub domain.VaultRef, spokeDomain domain.Domain) (domain.VaultRef, error)
	ListSpokes(ctx context.Context, hub domain.VaultRef) ([]domain.VaultRef, error)
	GetHub(ctx context.Context, spoke domain.VaultRef) (domain.VaultRef, error)
}

// RequestStore persists action requests keyed by guid. Requests are never
// deleted; InsertRequest fails ErrAlreadyExists on guid reuse.
type RequestStore interface {
	InsertRequest(ctx context.Context, request domain.ActionRequest) error
	GetRequest(ctx context.Context, guid string) (domain.ActionRequest, error)
	UpdateRequest(ctx context.Context, request domain.ActionRequest) error
}

// EscrowStore tracks the per-vault pending-native counter. AddEscrow
// applies a signed delta and fails ErrEscrowNegative when the result
// would be below zero.
type EscrowStore interface {
	EscrowBalance(ctx context.Context, vault domain.VaultRef) (decimal.Decimal, error)
	AddEscrow(ctx context.Context, vault domain.VaultRef, delta decimal.Decimal) error
}

// ManagerStore persists per-vault accounting-manager overrides.
type ManagerStore interface {
	PutAccountingManager(ctx context.Context, vault domain.VaultRef, manager domain.Identity) error
	GetAccountingManager(ctx context.Context, vault domain.VaultRef) (domain.Identity, error)
}

// Store combines all durable state with a transactional unit of work.
// RunInTx runs fn against a transaction-scoped view; every write inside fn
// commits or rolls back atomically. State transitions and their paired
// escrow movements always share one transaction.
type Store interface {
	VaultStore
	LinkStore
	RequestStore
	EscrowStore
	ManagerStore

	RunInTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}
