package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/escrow"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
	"github.com/vaultmesh/vaultmesh/internal/storage/sqlite"
)

// identityConverter maps one USD to one underlying unit.
type identityConverter struct{}

func (identityConverter) ToUnderlying(ctx context.Context, hub domain.VaultRef, aggregatedUSD decimal.Decimal) (decimal.Decimal, error) {
	return aggregatedUSD, nil
}

// fakeExecutor stages every request at a fixed actual magnitude and counts
// commits and aborts.
type fakeExecutor struct {
	mu      sync.Mutex
	actual  decimal.Decimal
	commits int
	aborts  int
}

func (f *fakeExecutor) Execute(ctx context.Context, request domain.ActionRequest) (Execution, error) {
	return &fakeExecution{parent: f}, nil
}

func (f *fakeExecutor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits, f.aborts
}

type fakeExecution struct {
	parent *fakeExecutor
	done   bool
}

func (e *fakeExecution) Actual() decimal.Decimal {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	return e.parent.actual
}

func (e *fakeExecution) Commit(ctx context.Context) error {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.commits++
	e.done = true
	return nil
}

func (e *fakeExecution) Abort(ctx context.Context) error {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	if e.done {
		return nil
	}
	e.parent.aborts++
	e.done = true
	return nil
}

type transfer struct {
	guid   string
	to     domain.Identity
	amount decimal.Decimal
}

// fakeNative records transfers, dedupes by guid per the transferrer
// contract, and can reject specific recipients.
type fakeNative struct {
	rejected  map[domain.Identity]bool
	applied   map[string]bool
	transfers []transfer
}

func (f *fakeNative) Transfer(ctx context.Context, guid string, to domain.Identity, amount decimal.Decimal) error {
	if f.applied[guid] {
		return nil
	}
	if f.rejected[to] {
		return ErrTransferRejected
	}
	f.applied[guid] = true
	f.transfers = append(f.transfers, transfer{guid: guid, to: to, amount: amount})
	return nil
}

type dispatchCall struct {
	hub  domain.VaultRef
	guid string
}

// fakeReads records the value reads the engine dispatches for created
// requests.
type fakeReads struct {
	err   error
	calls []dispatchCall
}

func (f *fakeReads) DispatchRead(ctx context.Context, hub domain.VaultRef, guid string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatchCall{hub: hub, guid: guid})
	return nil
}

var errCommitFailed = errors.New("simulated commit failure")

// flakyStore passes through to the real store, but when failTx is set it
// rolls the transaction back after fn succeeds, modeling a commit that
// is lost after every in-transaction step ran.
type flakyStore struct {
	storage.Store
	failTx bool
}

func (s *flakyStore) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if !s.failTx {
		return s.Store.RunInTx(ctx, fn)
	}
	return s.Store.RunInTx(ctx, func(tx storage.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommitFailed
	})
}

type engineFixture struct {
	engine   *Engine
	store    *sqlite.Store
	flaky    *flakyStore
	ledger   *escrow.Ledger
	executor *fakeExecutor
	native   *fakeNative
	reads    *fakeReads
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/settlement.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	flaky := &flakyStore{Store: store}
	ledger := escrow.NewLedger(store)
	executor := &fakeExecutor{actual: decimal.NewFromInt(100)}
	native := &fakeNative{rejected: map[domain.Identity]bool{}, applied: map[string]bool{}}
	reads := &fakeReads{}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	guid := 0
	engine, err := NewEngine(Config{
		Store:          flaky,
		Escrow:         ledger,
		Convert:        identityConverter{},
		Executor:       executor,
		Native:         native,
		Reads:          reads,
		DefaultManager: "oracle-1",
		Recovery:       "treasury",
		Clock:          func() time.Time { return now },
		NewGUID: func() string {
			guid++
			return fmt.Sprintf("guid-%d", guid)
		},
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return &engineFixture{
		engine:   engine,
		store:    store,
		flaky:    flaky,
		ledger:   ledger,
		executor: executor,
		native:   native,
		reads:    reads,
	}
}

func testHub() domain.VaultRef {
	return domain.VaultRef{Domain: "chain-a", VaultID: "hub-1"}
}

func depositRequest(native string) CreateRequest {
	return CreateRequest{
		Hub:       testHub(),
		Kind:      domain.ActionDeposit,
		Initiator: "alice",
		Receiver:  "bob",
		Params: domain.ActionParams{
			Assets:      []string{"usdc"},
			Amounts:     []decimal.Decimal{decimal.NewFromInt(100)},
			NativeValue: decimal.RequireFromString(native),
		},
		SlippageBound: decimal.NewFromInt(150),
	}
}

func (f *engineFixture) mustBalance(t *testing.T, want string) {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), testHub())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("escrow balance = %s, want %s", balance, want)
	}
}

func TestCreateValidationLeavesNoState(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	bad := depositRequest("0")
	bad.Params.Amounts = []decimal.Decimal{decimal.Zero}
	if _, err := f.engine.Create(ctx, bad); apperrors.CodeOf(err) != apperrors.CodeRequestZeroAmount {
		t.Fatalf("expected REQUEST_ZERO_AMOUNT, got %v", err)
	}
	f.mustBalance(t, "0")
}

func TestCreateCreditsEscrowAtomically(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	request := depositRequest("0")
	request.Kind = domain.ActionMultiAssetDeposit
	request.Params.NativeValue = decimal.RequireFromString("1000000000000000000")
	guid, err := f.engine.Create(ctx, request)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.mustBalance(t, "1000000000000000000")

	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.State != domain.StateCreated || stored.Fulfilled {
		t.Fatalf("fresh request = %+v", stored)
	}
}

func TestCreateDispatchesValueRead(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("0"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(f.reads.calls) != 1 {
		t.Fatalf("dispatched reads = %d, want 1", len(f.reads.calls))
	}
	call := f.reads.calls[0]
	if call.hub != testHub() || call.guid != guid {
		t.Fatalf("dispatched read = %+v, want hub %s guid %s", call, testHub(), guid)
	}
}

func TestCreateRollsBackWhenReadDispatchFails(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.reads.err = errors.New("no route to spokes")
	if _, err := f.engine.Create(ctx, depositRequest("500")); err == nil {
		t.Fatal("expected create to fail with the read dispatch")
	}

	// Nothing persisted: no request, no escrow.
	if _, err := f.store.GetRequest(ctx, "guid-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("request survived the rollback: %v", err)
	}
	f.mustBalance(t, "0")
}

func TestDepositLifecycleFinalizes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.mustBalance(t, "500")

	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(4200), true); err != nil {
		t.Fatalf("update accounting: %v", err)
	}
	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.State != domain.StateAccountingUpdated || !stored.Fulfilled {
		t.Fatalf("request after accounting = %+v", stored)
	}
	if !stored.AggregatedSnapshot.Equal(decimal.NewFromInt(4200)) {
		t.Fatalf("snapshot = %s, want 4200", stored.AggregatedSnapshot)
	}

	// Deposit with bound 150 settles at actual 160.
	f.executor.actual = decimal.NewFromInt(160)
	if err := f.engine.Finalize(ctx, guid); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	f.mustBalance(t, "0")

	stored, err = f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get finalized request: %v", err)
	}
	if stored.State != domain.StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", stored.State)
	}
	commits, aborts := f.executor.counts()
	if commits != 1 || aborts != 0 {
		t.Fatalf("commits=%d aborts=%d, want 1/0", commits, aborts)
	}

	// Terminal exclusivity: neither transition applies twice.
	if err := f.engine.Finalize(ctx, guid); apperrors.CodeOf(err) != apperrors.CodeAlreadyFinalized {
		t.Fatalf("expected ALREADY_FINALIZED, got %v", err)
	}
	if err := f.engine.Refund(ctx, guid); apperrors.CodeOf(err) != apperrors.CodeAlreadyFinalized {
		t.Fatalf("expected ALREADY_FINALIZED from refund, got %v", err)
	}
}

func TestFinalizeSlippageExceededAbortsWithoutEffects(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(4200), true); err != nil {
		t.Fatalf("update accounting: %v", err)
	}

	// Deposit with bound 150 settles at actual 100.
	f.executor.actual = decimal.NewFromInt(100)
	err = f.engine.Finalize(ctx, guid)
	if apperrors.CodeOf(err) != apperrors.CodeSlippageExceeded {
		t.Fatalf("expected SLIPPAGE_EXCEEDED, got %v", err)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error is not a domain error: %v", err)
	}
	if appErr.Metadata["Actual"] != "100" || appErr.Metadata["Bound"] != "150" {
		t.Fatalf("metadata = %v, want actual 100 bound 150", appErr.Metadata)
	}

	// Nothing moved: escrow intact, request still finalizable.
	f.mustBalance(t, "500")
	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.State != domain.StateAccountingUpdated {
		t.Fatalf("state = %s, want ACCOUNTING_UPDATED", stored.State)
	}
	commits, aborts := f.executor.counts()
	if commits != 0 || aborts != 1 {
		t.Fatalf("commits=%d aborts=%d, want 0/1", commits, aborts)
	}

	// A better settlement retries cleanly.
	f.executor.actual = decimal.NewFromInt(160)
	if err := f.engine.Finalize(ctx, guid); err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	f.mustBalance(t, "0")
}

func TestFinalizeRetriesAfterCommitFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(4200), true); err != nil {
		t.Fatalf("update accounting: %v", err)
	}
	f.executor.actual = decimal.NewFromInt(160)

	// The staged commit runs, then the surrounding transaction is lost.
	f.flaky.failTx = true
	if err := f.engine.Finalize(ctx, guid); !errors.Is(err, errCommitFailed) {
		t.Fatalf("expected the lost commit to surface, got %v", err)
	}

	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.State != domain.StateAccountingUpdated {
		t.Fatalf("state = %s, want ACCOUNTING_UPDATED after rollback", stored.State)
	}
	f.mustBalance(t, "500")

	f.flaky.failTx = false
	if err := f.engine.Finalize(ctx, guid); err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	f.mustBalance(t, "0")
	stored, err = f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get finalized request: %v", err)
	}
	if stored.State != domain.StateFinalized {
		t.Fatalf("state = %s, want FINALIZED", stored.State)
	}
}

func TestWithdrawSlippageDirection(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	request := depositRequest("0")
	request.Kind = domain.ActionWithdraw
	guid, err := f.engine.Create(ctx, request)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(4200), true); err != nil {
		t.Fatalf("update accounting: %v", err)
	}

	// Withdraw treats the bound as a maximum acceptable input.
	f.executor.actual = decimal.NewFromInt(160)
	if err := f.engine.Finalize(ctx, guid); apperrors.CodeOf(err) != apperrors.CodeSlippageExceeded {
		t.Fatalf("expected SLIPPAGE_EXCEEDED above bound, got %v", err)
	}
	f.executor.actual = decimal.NewFromInt(140)
	if err := f.engine.Finalize(ctx, guid); err != nil {
		t.Fatalf("finalize below bound: %v", err)
	}
}

func TestFailedAccountingBlocksFinalize(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("0"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(10), false); err != nil {
		t.Fatalf("record failed accounting: %v", err)
	}

	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Fulfilled || stored.State != domain.StateCreated || stored.FailedAttempts != 1 {
		t.Fatalf("request after failed accounting = %+v", stored)
	}

	if err := f.engine.Finalize(ctx, guid); apperrors.CodeOf(err) != apperrors.CodeNotFulfilled {
		t.Fatalf("expected NOT_FULFILLED, got %v", err)
	}

	// A later successful read still moves the request forward.
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(10), true); err != nil {
		t.Fatalf("update accounting: %v", err)
	}
	f.executor.actual = decimal.NewFromInt(160)
	if err := f.engine.Finalize(ctx, guid); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestUpdateAccountingAuthorization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("0"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = f.engine.UpdateAccounting(ctx, "mallory", guid, decimal.NewFromInt(10), true)
	if apperrors.CodeOf(err) != apperrors.CodeNotAccountingManager {
		t.Fatalf("expected NOT_ACCOUNTING_MANAGER, got %v", err)
	}

	// A per-vault override displaces the protocol-wide default.
	if err := f.store.PutAccountingManager(ctx, testHub(), "oracle-2"); err != nil {
		t.Fatalf("put override: %v", err)
	}
	err = f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(10), true)
	if apperrors.CodeOf(err) != apperrors.CodeNotAccountingManager {
		t.Fatalf("expected default manager to be displaced, got %v", err)
	}
	if err := f.engine.UpdateAccounting(ctx, "oracle-2", guid, decimal.NewFromInt(10), true); err != nil {
		t.Fatalf("override update accounting: %v", err)
	}
}

func TestUpdateAccountingIgnoresDuplicatesAfterFulfilled(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("0"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(4200), true); err != nil {
		t.Fatalf("update accounting: %v", err)
	}
	// Redelivered response with a different value is a no-op.
	if err := f.engine.UpdateAccounting(ctx, "oracle-1", guid, decimal.NewFromInt(9999), true); err != nil {
		t.Fatalf("duplicate update accounting: %v", err)
	}

	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !stored.AggregatedSnapshot.Equal(decimal.NewFromInt(4200)) {
		t.Fatalf("snapshot = %s, want first-applied 4200", stored.AggregatedSnapshot)
	}
}

func TestRefundReturnsEscrowToInitiator(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	request := depositRequest("0")
	request.Kind = domain.ActionMultiAssetDeposit
	request.Params.NativeValue = decimal.RequireFromString("1000000000000000000")
	guid, err := f.engine.Create(ctx, request)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.mustBalance(t, "1000000000000000000")

	if err := f.engine.Refund(ctx, guid); err != nil {
		t.Fatalf("refund: %v", err)
	}
	f.mustBalance(t, "0")

	if len(f.native.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(f.native.transfers))
	}
	payout := f.native.transfers[0]
	if payout.to != "alice" || !payout.amount.Equal(request.Params.NativeValue) {
		t.Fatalf("payout = %+v", payout)
	}

	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.State != domain.StateRefunded {
		t.Fatalf("state = %s, want REFUNDED", stored.State)
	}

	// Refunded is terminal for both transitions.
	if err := f.engine.Refund(ctx, guid); apperrors.CodeOf(err) != apperrors.CodeAlreadyFinalized {
		t.Fatalf("expected ALREADY_FINALIZED, got %v", err)
	}
	if err := f.engine.Finalize(ctx, guid); apperrors.CodeOf(err) != apperrors.CodeAlreadyFinalized {
		t.Fatalf("expected ALREADY_FINALIZED from finalize, got %v", err)
	}
}

func TestRefundFallsBackToRecovery(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.native.rejected["alice"] = true

	if err := f.engine.Refund(ctx, guid); err != nil {
		t.Fatalf("refund: %v", err)
	}
	f.mustBalance(t, "0")
	if len(f.native.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(f.native.transfers))
	}
	if f.native.transfers[0].to != "treasury" {
		t.Fatalf("fallback payout went to %q, want treasury", f.native.transfers[0].to)
	}
}

func TestRefundRetryAfterCommitFailureDoesNotDoublePay(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	guid, err := f.engine.Create(ctx, depositRequest("500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The payout runs, then the surrounding transaction is lost.
	f.flaky.failTx = true
	if err := f.engine.Refund(ctx, guid); !errors.Is(err, errCommitFailed) {
		t.Fatalf("expected the lost commit to surface, got %v", err)
	}
	f.mustBalance(t, "500")
	if len(f.native.transfers) != 1 {
		t.Fatalf("transfers after failed refund = %d, want 1", len(f.native.transfers))
	}

	// The retry reuses the guid as the idempotency key, so the
	// transferrer applies no second payout.
	f.flaky.failTx = false
	if err := f.engine.Refund(ctx, guid); err != nil {
		t.Fatalf("retry refund: %v", err)
	}
	f.mustBalance(t, "0")
	if len(f.native.transfers) != 1 {
		t.Fatalf("transfers after retry = %d, want 1", len(f.native.transfers))
	}
	if f.native.transfers[0].guid != guid {
		t.Fatalf("payout keyed by %q, want %q", f.native.transfers[0].guid, guid)
	}

	stored, err := f.store.GetRequest(ctx, guid)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.State != domain.StateRefunded {
		t.Fatalf("state = %s, want REFUNDED", stored.State)
	}
}

func TestBatchWindowExcludesSingleVaultKinds(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.engine.BeginBatch(testHub())
	if _, err := f.engine.Create(ctx, depositRequest("0")); apperrors.CodeOf(err) != apperrors.CodeBatchWindowOpen {
		t.Fatalf("expected BATCH_WINDOW_OPEN, got %v", err)
	}

	// The batched kind itself is still accepted.
	batched := depositRequest("0")
	batched.Kind = domain.ActionMultiAssetDeposit
	if _, err := f.engine.Create(ctx, batched); err != nil {
		t.Fatalf("create batched kind: %v", err)
	}

	f.engine.EndBatch(testHub())
	if _, err := f.engine.Create(ctx, depositRequest("0")); err != nil {
		t.Fatalf("create after window close: %v", err)
	}
}

func TestSetAccountingManagerRequiresOwner(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	if err := f.store.PutVault(ctx, storage.Vault{
		Ref:       testHub(),
		Owner:     "alice",
		CreatedAt: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("put vault: %v", err)
	}

	err := f.engine.SetAccountingManager(ctx, "mallory", testHub(), "oracle-2")
	if apperrors.CodeOf(err) != apperrors.CodeNotOwner {
		t.Fatalf("expected NOT_OWNER, got %v", err)
	}
	if err := f.engine.SetAccountingManager(ctx, "alice", testHub(), "oracle-2"); err != nil {
		t.Fatalf("set manager as owner: %v", err)
	}

	manager, err := f.store.GetAccountingManager(ctx, testHub())
	if err != nil {
		t.Fatalf("get manager: %v", err)
	}
	if manager != "oracle-2" {
		t.Fatalf("manager = %q, want oracle-2", manager)
	}
}
