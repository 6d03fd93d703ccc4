package app

import (
	"context"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/aggregate"
	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/settlement"
)

// Loopback collaborators back the single-process relay. Production
// deployments replace them with adapters to the real oracle, vault
// executor and native bridge.

// loopbackConverter treats one USD as one underlying unit.
type loopbackConverter struct{}

func (loopbackConverter) ToUnderlying(ctx context.Context, hub domain.VaultRef, aggregatedUSD decimal.Decimal) (decimal.Decimal, error) {
	return aggregatedUSD, nil
}

// loopbackExecutor settles at exactly the accounted snapshot.
type loopbackExecutor struct{}

func (loopbackExecutor) Execute(ctx context.Context, request domain.ActionRequest) (settlement.Execution, error) {
	return loopbackExecution{actual: request.AggregatedSnapshot, guid: request.GUID}, nil
}

type loopbackExecution struct {
	actual decimal.Decimal
	guid   string
}

func (e loopbackExecution) Actual() decimal.Decimal { return e.actual }

func (e loopbackExecution) Commit(ctx context.Context) error {
	log.Printf("loopback executor committed guid=%s actual=%s", e.guid, e.actual)
	return nil
}

func (e loopbackExecution) Abort(ctx context.Context) error {
	return nil
}

// loopbackTransferrer logs transfers instead of moving real funds. It
// honors the per-guid idempotency contract so retried refunds stay
// single payouts.
type loopbackTransferrer struct {
	mu   sync.Mutex
	paid map[string]bool
}

func newLoopbackTransferrer() *loopbackTransferrer {
	return &loopbackTransferrer{paid: make(map[string]bool)}
}

func (t *loopbackTransferrer) Transfer(ctx context.Context, guid string, to domain.Identity, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paid[guid] {
		log.Printf("loopback transfer already applied guid=%s", guid)
		return nil
	}
	t.paid[guid] = true
	log.Printf("loopback transfer guid=%s to=%s amount=%s", guid, to, amount)
	return nil
}

// loopbackValueReader reports zero value for every spoke.
type loopbackValueReader struct{}

func (loopbackValueReader) SpokeValue(ctx context.Context, spoke domain.VaultRef) (string, error) {
	return "0", nil
}

// readDispatcher connects the settlement engine's created requests to
// the read aggregator. The aggregator field is set right after both are
// built; the engine and aggregator reference each other, so one side is
// bound late.
type readDispatcher struct {
	agg *aggregate.Aggregator
}

func (r *readDispatcher) DispatchRead(ctx context.Context, hub domain.VaultRef, guid string) error {
	_, err := r.agg.Dispatch(ctx, hub, guid, aggregate.Options{})
	return err
}
