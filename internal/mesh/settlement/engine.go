// Package settlement drives action requests through the lifecycle
// Created, AccountingUpdated, then exactly one of Finalized or Refunded.
// Every transition commits atomically with its paired escrow movement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/escrow"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
)

// Config wires an Engine.
type Config struct {
	Store    storage.Store
	Escrow   *escrow.Ledger
	Convert  UnitConverter
	Executor ActionExecutor
	Native   NativeTransferrer
	// Reads issues the aggregated value read for every created request.
	Reads ReadDispatcher
	// DefaultManager is the protocol-wide accounting manager, used for
	// vaults without a per-vault override.
	DefaultManager domain.Identity
	// Recovery receives refunded native value when the initiator rejects
	// the transfer.
	Recovery domain.Identity
	Clock    func() time.Time
	NewGUID  func() string
}

// CreateRequest is the caller-supplied shape of a new action request.
type CreateRequest struct {
	Hub           domain.VaultRef
	Kind          domain.ActionKind
	Initiator     domain.Identity
	Owner         domain.Identity
	Receiver      domain.Identity
	Params        domain.ActionParams
	SlippageBound decimal.Decimal
}

// Engine is the settlement state machine over durable requests.
type Engine struct {
	store    storage.Store
	escrow   *escrow.Ledger
	convert  UnitConverter
	executor ActionExecutor
	native   NativeTransferrer
	reads    ReadDispatcher
	manager  domain.Identity
	recovery domain.Identity
	clock    func() time.Time
	newGUID  func() string

	guids *guidLocks

	batchMu   sync.Mutex
	batchOpen map[string]bool
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement store is required")
	}
	if cfg.Escrow == nil {
		return nil, errors.New("settlement escrow ledger is required")
	}
	if cfg.Convert == nil {
		return nil, errors.New("settlement unit converter is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("settlement action executor is required")
	}
	if cfg.Native == nil {
		return nil, errors.New("settlement native transferrer is required")
	}
	if cfg.Reads == nil {
		return nil, errors.New("settlement read dispatcher is required")
	}
	if cfg.DefaultManager == "" {
		return nil, errors.New("settlement default accounting manager is required")
	}
	if cfg.Recovery == "" {
		return nil, errors.New("settlement recovery identity is required")
	}
	if cfg.NewGUID == nil {
		return nil, errors.New("settlement guid generator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		store:     cfg.Store,
		escrow:    cfg.Escrow,
		convert:   cfg.Convert,
		executor:  cfg.Executor,
		native:    cfg.Native,
		reads:     cfg.Reads,
		manager:   cfg.DefaultManager,
		recovery:  cfg.Recovery,
		clock:     cfg.Clock,
		newGUID:   cfg.NewGUID,
		guids:     newGUIDLocks(),
		batchOpen: make(map[string]bool),
	}, nil
}

// Create validates and records a new request in state Created, credits
// its bundled native value to the hub's escrow, and dispatches the
// aggregated value read that will fulfill it. Validation is synchronous
// and all-or-nothing; a failed Create, including a failed read dispatch,
// touches no state.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (string, error) {
	if e == nil || e.store == nil {
		return "", errors.New("settlement engine is not configured")
	}

	request := domain.ActionRequest{
		GUID:          e.newGUID(),
		Hub:           req.Hub,
		Kind:          req.Kind,
		Initiator:     req.Initiator,
		Owner:         req.Owner,
		Receiver:      req.Receiver,
		Params:        req.Params,
		SlippageBound: req.SlippageBound,
		CreatedAt:     e.clock().UTC(),
		State:         domain.StateCreated,
	}
	if err := request.Validate(); err != nil {
		return "", err
	}

	// Single-vault kinds are excluded while the hub's batch window is open.
	if req.Kind != domain.ActionMultiAssetDeposit && e.batchWindowOpen(req.Hub) {
		return "", apperrors.WithMetadata(apperrors.CodeBatchWindowOpen, "hub is inside an exclusive batch window", map[string]string{
			"Hub": req.Hub.String(),
		})
	}

	err := e.store.RunInTx(ctx, func(tx storage.Store) error {
		if err := tx.InsertRequest(ctx, request); err != nil {
			return fmt.Errorf("insert request %s: %w", request.GUID, err)
		}
		if err := e.escrow.Credit(ctx, tx, request.Hub, request.Params.NativeValue); err != nil {
			return err
		}
		// Dispatch last so a request whose read cannot be issued is
		// rolled back instead of stranded in Created.
		if err := e.reads.DispatchRead(ctx, request.Hub, request.GUID); err != nil {
			return fmt.Errorf("dispatch read for %s: %w", request.GUID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Printf("settlement created request guid=%s hub=%s kind=%s native=%s", request.GUID, request.Hub, request.Kind, request.Params.NativeValue)
	return request.GUID, nil
}

// UpdateAccounting records the outcome of one aggregated value read. The
// caller must be the hub's accounting manager. A failed read increments
// the attempt counter and leaves the request retryable. A successful read
// converts the USD aggregate into underlying units, stores the snapshot
// and moves the request to AccountingUpdated. Duplicate deliveries for an
// already-fulfilled or terminal guid are ignored.
func (e *Engine) UpdateAccounting(ctx context.Context, caller domain.Identity, guid string, aggregatedUSD decimal.Decimal, success bool) error {
	if e == nil || e.store == nil {
		return errors.New("settlement engine is not configured")
	}
	unlock := e.guids.lock(guid)
	defer unlock()

	request, err := e.getRequest(ctx, guid)
	if err != nil {
		return err
	}
	if err := e.requireManager(ctx, caller, request.Hub); err != nil {
		return err
	}
	if request.State.Terminal() || request.Fulfilled {
		return nil
	}

	if !success {
		request.FailedAttempts++
		if err := e.store.UpdateRequest(ctx, request); err != nil {
			return err
		}
		log.Printf("settlement accounting failed guid=%s attempts=%d", guid, request.FailedAttempts)
		return nil
	}

	if aggregatedUSD.IsNegative() {
		return apperrors.New(apperrors.CodeRequestNegativeAmount, "aggregated value is negative")
	}
	units, err := e.convert.ToUnderlying(ctx, request.Hub, aggregatedUSD)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAccountingFailed, "convert aggregate to underlying units", err)
	}
	request.AggregatedSnapshot = units
	request.Fulfilled = true
	request.State = domain.StateAccountingUpdated
	if err := e.store.UpdateRequest(ctx, request); err != nil {
		return err
	}
	log.Printf("settlement accounting updated guid=%s snapshot=%s", guid, units)
	return nil
}

// Finalize settles a fulfilled request. The action is staged through the
// executor exactly once; a staged result outside the slippage bound is
// aborted with no persistent effects. On success the state transition,
// the escrow debit and the staged commit apply atomically.
func (e *Engine) Finalize(ctx context.Context, guid string) error {
	if e == nil || e.store == nil {
		return errors.New("settlement engine is not configured")
	}
	unlock := e.guids.lock(guid)
	defer unlock()

	request, err := e.getRequest(ctx, guid)
	if err != nil {
		return err
	}
	if request.State.Terminal() {
		return apperrors.WithMetadata(apperrors.CodeAlreadyFinalized, "request is already terminal", map[string]string{
			"GUID":  guid,
			"State": string(request.State),
		})
	}
	if !request.Fulfilled {
		return apperrors.WithMetadata(apperrors.CodeNotFulfilled, "request accounting is not fulfilled", map[string]string{
			"GUID": guid,
		})
	}

	exec, err := e.executor.Execute(ctx, request)
	if err != nil {
		return fmt.Errorf("stage request %s: %w", guid, err)
	}
	actual := exec.Actual()
	if !request.Kind.SlippageSatisfied(actual, request.SlippageBound) {
		if abortErr := exec.Abort(ctx); abortErr != nil {
			log.Printf("settlement abort failed guid=%s err=%v", guid, abortErr)
		}
		return apperrors.WithMetadata(apperrors.CodeSlippageExceeded, "settled amount violates the slippage bound", map[string]string{
			"GUID":   guid,
			"Actual": actual.String(),
			"Bound":  request.SlippageBound.String(),
		})
	}

	request.State = domain.StateFinalized
	err = e.store.RunInTx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateRequest(ctx, request); err != nil {
			return err
		}
		if err := e.escrow.Debit(ctx, tx, request.Hub, request.Params.NativeValue); err != nil {
			return err
		}
		// Commit last so a failed commit rolls the transition back and
		// finalize stays retryable.
		return exec.Commit(ctx)
	})
	if err != nil {
		if abortErr := exec.Abort(ctx); abortErr != nil {
			log.Printf("settlement abort failed guid=%s err=%v", guid, abortErr)
		}
		return err
	}
	log.Printf("settlement finalized guid=%s actual=%s receiver=%s", guid, actual, request.ReceiverOrInitiator())
	return nil
}

// Refund returns a non-terminal request's escrowed native value to its
// initiator and moves it to Refunded. When the initiator rejects the
// transfer the funds go to the recovery identity instead, so they are
// never stranded. The payout shares the transition's transaction; a
// failed payout rolls everything back and the refund stays retryable.
// The transferrer dedupes by guid, so a retry after a lost commit does
// not pay twice.
func (e *Engine) Refund(ctx context.Context, guid string) error {
	if e == nil || e.store == nil {
		return errors.New("settlement engine is not configured")
	}
	unlock := e.guids.lock(guid)
	defer unlock()

	request, err := e.getRequest(ctx, guid)
	if err != nil {
		return err
	}
	if request.State.Terminal() {
		return apperrors.WithMetadata(apperrors.CodeAlreadyFinalized, "request is already terminal", map[string]string{
			"GUID":  guid,
			"State": string(request.State),
		})
	}

	request.State = domain.StateRefunded
	err = e.store.RunInTx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateRequest(ctx, request); err != nil {
			return err
		}
		if err := e.escrow.Debit(ctx, tx, request.Hub, request.Params.NativeValue); err != nil {
			return err
		}
		return e.payout(ctx, request)
	})
	if err != nil {
		return err
	}
	log.Printf("settlement refunded guid=%s native=%s", guid, request.Params.NativeValue)
	return nil
}

func (e *Engine) payout(ctx context.Context, request domain.ActionRequest) error {
	amount := request.Params.NativeValue
	if amount.IsZero() {
		return nil
	}
	err := e.native.Transfer(ctx, request.GUID, request.Initiator, amount)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTransferRejected) {
		return fmt.Errorf("refund transfer %s: %w", request.GUID, err)
	}
	log.Printf("settlement refund rejected guid=%s initiator=%s, routing to recovery", request.GUID, request.Initiator)
	if err := e.native.Transfer(ctx, request.GUID, e.recovery, amount); err != nil {
		return apperrors.Wrap(apperrors.CodeTransferRejected, "recovery transfer failed", err)
	}
	return nil
}

// SetAccountingManager records a per-vault accounting-manager override.
// Only the vault owner may set it.
func (e *Engine) SetAccountingManager(ctx context.Context, caller domain.Identity, vault domain.VaultRef, manager domain.Identity) error {
	if e == nil || e.store == nil {
		return errors.New("settlement engine is not configured")
	}
	record, err := e.store.GetVault(ctx, vault)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeUnknownVault, "vault is not registered")
		}
		return err
	}
	if record.Owner != caller {
		return apperrors.New(apperrors.CodeNotOwner, "only the vault owner may set its accounting manager")
	}
	return e.store.PutAccountingManager(ctx, vault, manager)
}

// BeginBatch opens the exclusive batched-operation window for one hub.
// Single-vault kinds are rejected while it is open.
func (e *Engine) BeginBatch(hub domain.VaultRef) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	e.batchOpen[hub.String()] = true
}

// EndBatch closes the hub's batch window.
func (e *Engine) EndBatch(hub domain.VaultRef) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	delete(e.batchOpen, hub.String())
}

func (e *Engine) batchWindowOpen(hub domain.VaultRef) bool {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.batchOpen[hub.String()]
}

func (e *Engine) getRequest(ctx context.Context, guid string) (domain.ActionRequest, error) {
	request, err := e.store.GetRequest(ctx, guid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ActionRequest{}, apperrors.WithMetadata(apperrors.CodeRequestNotFound, "no request recorded for guid", map[string]string{
				"GUID": guid,
			})
		}
		return domain.ActionRequest{}, err
	}
	return request, nil
}

func (e *Engine) requireManager(ctx context.Context, caller domain.Identity, hub domain.VaultRef) error {
	manager, err := e.store.GetAccountingManager(ctx, hub)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		manager = e.manager
	}
	if caller != manager {
		return apperrors.WithMetadata(apperrors.CodeNotAccountingManager, "caller is not the vault's accounting manager", map[string]string{
			"Caller": string(caller),
		})
	}
	return nil
}
