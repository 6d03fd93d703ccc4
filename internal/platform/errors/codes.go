// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation errors
	CodeRequestEmptyLegs         Code = "REQUEST_EMPTY_LEGS"
	CodeRequestZeroAmount        Code = "REQUEST_ZERO_AMOUNT"
	CodeRequestNegativeAmount    Code = "REQUEST_NEGATIVE_AMOUNT"
	CodeRequestLegLengthMismatch Code = "REQUEST_LEG_LENGTH_MISMATCH"
	CodeRequestInvalidKind       Code = "REQUEST_INVALID_KIND"

	// Authorization errors
	CodeNotOwner             Code = "NOT_OWNER"
	CodeNotAccountingManager Code = "NOT_ACCOUNTING_MANAGER"
	CodeOwnerMismatch        Code = "OWNER_MISMATCH"
	CodeGrantInvalid         Code = "GRANT_INVALID"
	CodeGrantExpired         Code = "GRANT_EXPIRED"
	CodeGrantMismatch        Code = "GRANT_MISMATCH"

	// Topology errors
	CodeSpokeAlreadyExists     Code = "SPOKE_ALREADY_EXISTS"
	CodeUnknownHub             Code = "UNKNOWN_HUB"
	CodeUnknownVault           Code = "UNKNOWN_VAULT"
	CodeFinalizationWindowOpen Code = "FINALIZATION_WINDOW_OPEN"
	CodeUnknownMessageType     Code = "UNKNOWN_MESSAGE_TYPE"

	// Settlement errors
	CodeRequestNotFound  Code = "REQUEST_NOT_FOUND"
	CodeNotFulfilled     Code = "REQUEST_NOT_FULFILLED"
	CodeAlreadyFinalized Code = "REQUEST_ALREADY_FINALIZED"
	CodeSlippageExceeded Code = "SLIPPAGE_EXCEEDED"
	CodeBatchWindowOpen  Code = "BATCH_WINDOW_OPEN"
	CodeAccountingFailed Code = "ACCOUNTING_FAILED"
	CodeEmptyReadSet     Code = "EMPTY_READ_SET"
	CodeEmptyAggregate   Code = "EMPTY_AGGREGATE"
	CodeBudgetExceeded   Code = "BUDGET_EXCEEDED"
	CodeTransferRejected Code = "TRANSFER_REJECTED"
	CodeEscrowNegative   Code = "ESCROW_NEGATIVE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeRequestEmptyLegs,
		CodeRequestZeroAmount,
		CodeRequestNegativeAmount,
		CodeRequestLegLengthMismatch,
		CodeRequestInvalidKind,
		CodeEmptyReadSet,
		CodeEmptyAggregate,
		CodeUnknownMessageType:
		return codes.InvalidArgument

	// PermissionDenied - caller identity checks
	case CodeNotOwner,
		CodeNotAccountingManager,
		CodeOwnerMismatch,
		CodeGrantInvalid,
		CodeGrantExpired,
		CodeGrantMismatch:
		return codes.PermissionDenied

	// FailedPrecondition - valid request at the wrong time
	case CodeFinalizationWindowOpen,
		CodeBatchWindowOpen,
		CodeNotFulfilled,
		CodeAlreadyFinalized,
		CodeSlippageExceeded,
		CodeBudgetExceeded:
		return codes.FailedPrecondition

	// AlreadyExists - conflicting records
	case CodeSpokeAlreadyExists:
		return codes.AlreadyExists

	// NotFound - missing records
	case CodeNotFound,
		CodeUnknownHub,
		CodeUnknownVault,
		CodeRequestNotFound:
		return codes.NotFound

	// Internal - invariant violations and collaborator failures
	case CodeAccountingFailed,
		CodeTransferRejected,
		CodeEscrowNegative:
		return codes.Internal

	default:
		return codes.Internal
	}
}
