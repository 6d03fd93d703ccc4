package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
)

// ActionKind enumerates the user actions settled through the request protocol.
type ActionKind string

const (
	ActionDeposit           ActionKind = "DEPOSIT"
	ActionMint              ActionKind = "MINT"
	ActionWithdraw          ActionKind = "WITHDRAW"
	ActionRedeem            ActionKind = "REDEEM"
	ActionMultiAssetDeposit ActionKind = "MULTI_ASSET_DEPOSIT"
)

// Valid reports whether the kind is a known action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionDeposit, ActionMint, ActionWithdraw, ActionRedeem, ActionMultiAssetDeposit:
		return true
	default:
		return false
	}
}

// OutboundMin reports whether the kind treats the slippage bound as a
// minimum acceptable output. Withdraw-direction kinds treat it as a
// maximum acceptable input instead.
func (k ActionKind) OutboundMin() bool {
	switch k {
	case ActionDeposit, ActionMint, ActionMultiAssetDeposit:
		return true
	default:
		return false
	}
}

// SlippageSatisfied reports whether actual settles within the bound for
// this kind's direction.
func (k ActionKind) SlippageSatisfied(actual, bound decimal.Decimal) bool {
	if k.OutboundMin() {
		return actual.GreaterThanOrEqual(bound)
	}
	return actual.LessThanOrEqual(bound)
}

// RequestState is the settlement lifecycle state of an action request.
type RequestState string

const (
	StateCreated           RequestState = "CREATED"
	StateAccountingUpdated RequestState = "ACCOUNTING_UPDATED"
	StateFinalized         RequestState = "FINALIZED"
	StateRefunded          RequestState = "REFUNDED"
)

// Terminal reports whether no further transition is valid from this state.
func (s RequestState) Terminal() bool {
	return s == StateFinalized || s == StateRefunded
}

// ActionParams carries the per-asset legs of an action request. Assets and
// Amounts are parallel; single-asset kinds carry exactly one leg.
// NativeValue is the native currency bundled into the request, zero when
// the action has no native leg.
type ActionParams struct {
	Assets      []string
	Amounts     []decimal.Decimal
	NativeValue decimal.Decimal
}

// Validate checks leg shape and amount signs for the given kind.
// Validation is synchronous and all-or-nothing; a failed call implies no
// state was touched.
func (p ActionParams) Validate(kind ActionKind) error {
	if !kind.Valid() {
		return apperrors.WithMetadata(apperrors.CodeRequestInvalidKind, "unknown action kind", map[string]string{
			"Kind": string(kind),
		})
	}
	if len(p.Assets) == 0 {
		return apperrors.New(apperrors.CodeRequestEmptyLegs, "at least one asset leg is required")
	}
	if len(p.Assets) != len(p.Amounts) {
		return apperrors.WithMetadata(apperrors.CodeRequestLegLengthMismatch, "asset and amount legs differ in length", map[string]string{
			"Assets":  fmt.Sprintf("%d", len(p.Assets)),
			"Amounts": fmt.Sprintf("%d", len(p.Amounts)),
		})
	}
	if kind != ActionMultiAssetDeposit && len(p.Assets) != 1 {
		return apperrors.New(apperrors.CodeRequestLegLengthMismatch, "single-asset kinds carry exactly one leg")
	}
	for i, asset := range p.Assets {
		if strings.TrimSpace(asset) == "" {
			return apperrors.New(apperrors.CodeRequestEmptyLegs, "asset id is required")
		}
		amount := p.Amounts[i]
		if amount.IsNegative() {
			return apperrors.WithMetadata(apperrors.CodeRequestNegativeAmount, "leg amount is negative", map[string]string{
				"Asset": asset,
			})
		}
		if amount.IsZero() {
			return apperrors.WithMetadata(apperrors.CodeRequestZeroAmount, "leg amount is zero", map[string]string{
				"Asset": asset,
			})
		}
	}
	if p.NativeValue.IsNegative() {
		return apperrors.New(apperrors.CodeRequestNegativeAmount, "native value is negative")
	}
	return nil
}

// ActionRequest is one asynchronous user action moving through the
// settlement state machine. GUID is the idempotency key; requests are
// never deleted once recorded.
type ActionRequest struct {
	GUID          string
	Hub           VaultRef
	Kind          ActionKind
	Initiator     Identity
	Owner         Identity // optional beneficiary; Initiator when empty
	Receiver      Identity
	Params        ActionParams
	SlippageBound decimal.Decimal
	CreatedAt     time.Time

	Fulfilled          bool
	State              RequestState
	AggregatedSnapshot decimal.Decimal // underlying units, set by accounting
	FailedAttempts     int             // accounting attempts with success=false
}

// ReceiverOrInitiator returns the identity finalize results are released to.
func (r ActionRequest) ReceiverOrInitiator() Identity {
	if r.Receiver != "" {
		return r.Receiver
	}
	if r.Owner != "" {
		return r.Owner
	}
	return r.Initiator
}

// Validate checks the request invariants that hold at creation time.
func (r ActionRequest) Validate() error {
	if strings.TrimSpace(r.GUID) == "" {
		return apperrors.New(apperrors.CodeRequestNotFound, "request guid is required")
	}
	if err := r.Hub.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(string(r.Initiator)) == "" {
		return apperrors.New(apperrors.CodeNotOwner, "request initiator is required")
	}
	if r.SlippageBound.IsNegative() {
		return apperrors.New(apperrors.CodeRequestNegativeAmount, "slippage bound is negative")
	}
	return r.Params.Validate(r.Kind)
}
