// Package memory provides an in-process Transport for tests and the
// single-process relay. Delivery is asynchronous, unordered between
// envelopes, and at-least-once: duplicate delivery can be enabled to
// exercise consumer idempotency, and failed handlers are redelivered with
// exponential backoff.
package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

// Bus routes envelopes between in-process domain consumers.
type Bus struct {
	mu         sync.Mutex
	handlers   map[domain.Domain]transport.Handler
	fees       map[domain.Domain]decimal.Decimal
	defaultFee decimal.Decimal
	duplicates bool
	maxTries   uint

	inflight sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithDefaultFee sets the fee quoted for destinations without an override.
func WithDefaultFee(fee decimal.Decimal) Option {
	return func(b *Bus) { b.defaultFee = fee }
}

// WithDuplicateDelivery delivers every envelope twice to exercise
// at-least-once consumers.
func WithDuplicateDelivery() Option {
	return func(b *Bus) { b.duplicates = true }
}

// WithMaxDeliveryTries bounds redelivery attempts per envelope.
func WithMaxDeliveryTries(tries uint) Option {
	return func(b *Bus) { b.maxTries = tries }
}

// NewBus creates an in-process bus.
func NewBus(opts ...Option) *Bus {
	bus := &Bus{
		handlers:   make(map[domain.Domain]transport.Handler),
		fees:       make(map[domain.Domain]decimal.Decimal),
		defaultFee: decimal.Zero,
		maxTries:   5,
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Subscribe registers the consumer for one domain, replacing any previous one.
func (b *Bus) Subscribe(dom domain.Domain, handler transport.Handler) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[dom] = handler
}

// SetFee overrides the quoted fee for one destination domain.
func (b *Bus) SetFee(dom domain.Domain, fee decimal.Decimal) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fees[dom] = fee
}

// Quote returns the fee charged to send one envelope to destination.
func (b *Bus) Quote(ctx context.Context, destination domain.Domain, kind transport.MessageKind) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, err
	}
	if !kind.Valid() {
		return decimal.Decimal{}, fmt.Errorf("unknown message kind %q", kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if fee, ok := b.fees[destination]; ok {
		return fee, nil
	}
	return b.defaultFee, nil
}

// Dispatch queues an envelope for asynchronous delivery to its destination
// consumer. The returned receipt records the charged fee.
func (b *Bus) Dispatch(ctx context.Context, env transport.Envelope) (transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return transport.Receipt{}, err
	}
	if err := env.Validate(); err != nil {
		return transport.Receipt{}, err
	}

	fee, err := b.Quote(ctx, env.Destination, env.Kind)
	if err != nil {
		return transport.Receipt{}, err
	}

	deliveries := 1
	if b.duplicates {
		deliveries = 2
	}
	for i := 0; i < deliveries; i++ {
		b.inflight.Add(1)
		go b.deliver(env)
	}

	return transport.Receipt{
		GUID:         env.GUID,
		Destinations: []domain.Domain{env.Destination},
		Fee:          fee,
		DispatchedAt: time.Now().UTC(),
	}, nil
}

// Wait blocks until every queued delivery has been attempted. Test helper.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.inflight.Wait()
}

func (b *Bus) deliver(env transport.Envelope) {
	defer b.inflight.Done()

	b.mu.Lock()
	handler := b.handlers[env.Destination]
	b.mu.Unlock()
	if handler == nil {
		log.Printf("memory bus dropped envelope guid=%s kind=%s destination=%s: no consumer", env.GUID, env.Kind, env.Destination)
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 5 * time.Millisecond
	expo.MaxInterval = 100 * time.Millisecond
	_, err := backoff.Retry(
		context.Background(),
		func() (struct{}, error) {
			return struct{}{}, handler.HandleEnvelope(context.Background(), env)
		},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(b.maxTries),
	)
	if err != nil {
		log.Printf("memory bus gave up on envelope guid=%s kind=%s destination=%s: %v", env.GUID, env.Kind, env.Destination, err)
	}
}

var _ transport.Transport = (*Bus)(nil)
