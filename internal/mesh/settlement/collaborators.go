package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
)

// ErrTransferRejected indicates the native transfer target refused the
// funds. Refund falls back to the recovery identity when it sees this.
var ErrTransferRejected = errors.New("native transfer rejected by recipient")

// UnitConverter converts an aggregated USD magnitude into the underlying
// units the vault settles in.
type UnitConverter interface {
	ToUnderlying(ctx context.Context, hub domain.VaultRef, aggregatedUSD decimal.Decimal) (decimal.Decimal, error)
}

// Execution is one staged action awaiting commit. Actual is the settled
// magnitude the stage produced. A stage ends with Commit, or with Abort
// on any failure. Abort leaves no persistent effects and must be
// idempotent: it is called after a failed Commit, and may also run after
// a Commit whose durable transition was lost, where it must be a no-op
// for anything the commit already applied.
type Execution interface {
	Actual() decimal.Decimal
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// ActionExecutor stages the vault-side effect of a fulfilled request.
// Execute performs no persistent writes; those happen at Commit.
type ActionExecutor interface {
	Execute(ctx context.Context, request domain.ActionRequest) (Execution, error)
}

// NativeTransferrer moves native value out of escrow custody to an
// identity. guid is an idempotency key: the engine may retry a payout
// whose transition failed to commit, so implementations apply at most
// one transfer per guid. A recipient may refuse; see ErrTransferRejected.
type NativeTransferrer interface {
	Transfer(ctx context.Context, guid string, to domain.Identity, amount decimal.Decimal) error
}

// ReadDispatcher issues the aggregated value read for a newly created
// request. The read aggregator implements it.
type ReadDispatcher interface {
	DispatchRead(ctx context.Context, hub domain.VaultRef, guid string) error
}
