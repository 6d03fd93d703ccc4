// Package aggregate issues scatter-gather value reads across a hub's spoke
// set and reduces the gathered results into one aggregate magnitude.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

// AccountingSink receives reduced aggregates. The settlement engine
// implements it; the aggregator calls it with the accounting-manager
// identity it was configured with.
type AccountingSink interface {
	UpdateAccounting(ctx context.Context, caller domain.Identity, guid string, aggregatedUSD decimal.Decimal, success bool) error
}

// Options carries caller-supplied extras attached to a dispatched read.
type Options struct {
	Metadata map[string]string
}

// Config wires an Aggregator.
type Config struct {
	Store     storage.Store
	Transport transport.Transport
	Sink      AccountingSink
	// Manager is the identity this aggregator reports accounting under.
	Manager     domain.Identity
	LocalDomain domain.Domain
	Clock       func() time.Time
}

// Aggregator dispatches cross-domain value reads over the registry's
// current spoke set, gathers the per-spoke responses and forwards one
// reduced aggregate per guid to the accounting sink.
type Aggregator struct {
	store     storage.Store
	transport transport.Transport
	sink      AccountingSink
	manager   domain.Identity
	local     domain.Domain
	clock     func() time.Time

	// mu guards pending only. No storage, transport or sink call ever
	// runs while it is held.
	mu      sync.Mutex
	pending map[string]*gather
}

// gather tracks one in-flight scatter-gather read. awaited holds the
// spokes dispatched to that have not answered yet; values holds the
// per-spoke results gathered so far.
type gather struct {
	awaited map[string]bool
	values  map[string]decimal.Decimal
}

// NewAggregator creates a read aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, errors.New("aggregator store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("aggregator transport is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("aggregator accounting sink is required")
	}
	if cfg.Manager == "" {
		return nil, errors.New("aggregator manager identity is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Aggregator{
		store:     cfg.Store,
		transport: cfg.Transport,
		sink:      cfg.Sink,
		manager:   cfg.Manager,
		local:     cfg.LocalDomain,
		clock:     cfg.Clock,
		pending:   make(map[string]*gather),
	}, nil
}

// Quote returns the total fee one Dispatch over the hub's current spoke
// set will charge. Quote and Dispatch walk the same spoke set with the
// same per-destination quotes, so the amounts always agree.
func (a *Aggregator) Quote(ctx context.Context, hub domain.VaultRef) (decimal.Decimal, error) {
	if a == nil || a.store == nil {
		return decimal.Decimal{}, errors.New("aggregator is not configured")
	}
	spokes, err := a.store.ListSpokes(ctx, hub)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return a.quoteSpokes(ctx, spokes)
}

// Dispatch issues exactly one scatter-gather read for guid covering the
// hub's spoke set as of dispatch time. A hub with no spokes fails
// EMPTY_READ_SET: there is nothing to read and a vacuous success would be
// indistinguishable from total failure.
func (a *Aggregator) Dispatch(ctx context.Context, hub domain.VaultRef, guid string, opts Options) (transport.Receipt, error) {
	if a == nil || a.store == nil {
		return transport.Receipt{}, errors.New("aggregator is not configured")
	}
	spokes, err := a.store.ListSpokes(ctx, hub)
	if err != nil {
		return transport.Receipt{}, err
	}
	fee, err := a.quoteSpokes(ctx, spokes)
	if err != nil {
		return transport.Receipt{}, err
	}

	receipt := transport.Receipt{
		GUID:         guid,
		Fee:          fee,
		DispatchedAt: a.clock().UTC(),
	}
	// Register the gather before the fan-out so a response racing the
	// remaining sends is still matched to its dispatch.
	a.beginGather(guid, spokes)
	for _, spoke := range spokes {
		payload, err := transport.EncodePayload(transport.ValueReadRequestPayload{
			Hub:      hub,
			Spoke:    spoke,
			Metadata: opts.Metadata,
		})
		if err != nil {
			a.dropGather(guid)
			return transport.Receipt{}, err
		}
		env := transport.Envelope{
			GUID:        guid,
			Kind:        transport.KindValueReadRequest,
			Source:      a.local,
			Destination: spoke.Domain,
			Payload:     payload,
		}
		if _, err := a.transport.Dispatch(ctx, env); err != nil {
			a.dropGather(guid)
			return transport.Receipt{}, fmt.Errorf("dispatch read to %s: %w", spoke.Domain, err)
		}
		receipt.Destinations = append(receipt.Destinations, spoke.Domain)
	}
	log.Printf("aggregate dispatched read guid=%s hub=%s spokes=%d fee=%s", guid, hub, len(spokes), fee)
	return receipt, nil
}

func (a *Aggregator) quoteSpokes(ctx context.Context, spokes []domain.VaultRef) (decimal.Decimal, error) {
	if len(spokes) == 0 {
		return decimal.Decimal{}, apperrors.New(apperrors.CodeEmptyReadSet, "hub has no linked spokes to read")
	}
	total := decimal.Zero
	for _, spoke := range spokes {
		fee, err := a.transport.Quote(ctx, spoke.Domain, transport.KindValueReadRequest)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("quote read to %s: %w", spoke.Domain, err)
		}
		total = total.Add(fee)
	}
	return total, nil
}

// HandleResponse consumes one per-spoke read response. Partial results
// accumulate against the dispatch's gather; the sink is called exactly
// once per guid, with the reduction over every dispatched spoke, after
// the last one has answered. A single failed spoke fails the whole read
// and is forwarded as one failed accounting attempt. Responses for a
// guid with no in-flight gather are dropped; the redelivered envelope of
// an already-applied read lands here harmlessly.
func (a *Aggregator) HandleResponse(ctx context.Context, env transport.Envelope) error {
	if a == nil || a.sink == nil {
		return errors.New("aggregator is not configured")
	}
	if env.Kind != transport.KindValueReadResponse {
		return apperrors.WithMetadata(apperrors.CodeUnknownMessageType, "aggregator received a non-response envelope", map[string]string{
			"Kind": string(env.Kind),
		})
	}
	var payload transport.ValueReadResponsePayload
	if err := transport.DecodePayload(env.Payload, &payload); err != nil {
		return fmt.Errorf("read response %s: %w", env.GUID, err)
	}

	if !payload.Success {
		if !a.hasGather(env.GUID) {
			log.Printf("aggregate dropped failure for unknown read guid=%s", env.GUID)
			return nil
		}
		log.Printf("aggregate read failed guid=%s hub=%s", env.GUID, payload.Hub)
		if err := a.sink.UpdateAccounting(ctx, a.manager, env.GUID, decimal.Zero, false); err != nil {
			return err
		}
		a.dropGather(env.GUID)
		return nil
	}

	values, complete, known, err := a.recordResults(env.GUID, payload.Results)
	if err != nil {
		return fmt.Errorf("read response %s: %w", env.GUID, err)
	}
	if !known {
		log.Printf("aggregate dropped response for unknown read guid=%s", env.GUID)
		return nil
	}
	if !complete {
		return nil
	}

	aggregate, err := Reduce(values)
	if err != nil {
		return err
	}
	// The gather is dropped only after the sink accepts the aggregate, so
	// a failed sink call is retried by the bus redelivery of this envelope
	// with the full result set still gathered.
	if err := a.sink.UpdateAccounting(ctx, a.manager, env.GUID, aggregate, true); err != nil {
		return err
	}
	a.dropGather(env.GUID)
	return nil
}

func (a *Aggregator) beginGather(guid string, spokes []domain.VaultRef) {
	g := &gather{
		awaited: make(map[string]bool, len(spokes)),
		values:  make(map[string]decimal.Decimal, len(spokes)),
	}
	for _, spoke := range spokes {
		g.awaited[spoke.String()] = true
	}
	a.mu.Lock()
	a.pending[guid] = g
	a.mu.Unlock()
}

func (a *Aggregator) dropGather(guid string) {
	a.mu.Lock()
	delete(a.pending, guid)
	a.mu.Unlock()
}

func (a *Aggregator) hasGather(guid string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[guid]
	return ok
}

// recordResults folds one response's results into the guid's gather and
// reports whether every awaited spoke has now answered. The gather stays
// registered; the caller drops it once the aggregate is applied. A
// redelivered partial overwrites the spoke's previous value instead of
// double counting it.
func (a *Aggregator) recordResults(guid string, results []transport.SpokeValue) (values []decimal.Decimal, complete, known bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.pending[guid]
	if !ok {
		return nil, false, false, nil
	}
	for _, result := range results {
		key := result.Spoke.String()
		if !g.awaited[key] {
			if _, seen := g.values[key]; !seen {
				log.Printf("aggregate ignored result for undispatched spoke guid=%s spoke=%s", guid, result.Spoke)
				continue
			}
		}
		value, err := decimal.NewFromString(result.ValueUSD)
		if err != nil {
			return nil, false, true, fmt.Errorf("parse value for %s: %w", result.Spoke, err)
		}
		g.values[key] = value
		delete(g.awaited, key)
	}
	if len(g.awaited) > 0 {
		return nil, false, true, nil
	}
	values = make([]decimal.Decimal, 0, len(g.values))
	for _, value := range g.values {
		values = append(values, value)
	}
	return values, true, true, nil
}
