package topology

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

// feeBudget is the remaining-funds allocator for one funded fan-out call.
// It is a value scoped strictly to the broadcasting call; nothing outlives
// the call, so no later caller can observe a stale balance.
type feeBudget struct {
	remaining decimal.Decimal
}

// debit consumes fee from the budget, failing before any spend when the
// fee exceeds what remains.
func (b *feeBudget) debit(fee decimal.Decimal, destination domain.Domain) error {
	if fee.GreaterThan(b.remaining) {
		return apperrors.WithMetadata(apperrors.CodeBudgetExceeded, "destination fee exceeds remaining broadcast budget", map[string]string{
			"Destination": string(destination),
			"Fee":         fee.String(),
			"Remaining":   b.remaining.String(),
		})
	}
	b.remaining = b.remaining.Sub(fee)
	return nil
}

// BroadcastNewSpoke announces one new hub/spoke link to a set of peer
// domains with a single funded call. Destinations are charged in order
// against the call-local budget; each destination's quoted fee is checked
// all-or-nothing before its send, so a shortfall fails the call before the
// underfunded send and leaves the unspent remainder intact. The remainder
// is returned to the caller on every exit path.
func (r *Registry) BroadcastNewSpoke(ctx context.Context, hub domain.VaultRef, newSpoke domain.VaultRef, destinations []domain.Domain, budget decimal.Decimal) (decimal.Decimal, error) {
	if r == nil || r.transport == nil {
		return budget, errors.New("registry is not configured")
	}
	link := domain.HubSpokeLink{Hub: hub, Spoke: newSpoke}
	if err := link.Validate(); err != nil {
		return budget, err
	}
	if budget.IsNegative() {
		return budget, apperrors.New(apperrors.CodeRequestNegativeAmount, "broadcast budget is negative")
	}

	payload, err := transport.EncodePayload(transport.SpokeAnnouncePayload{
		Hub:   hub,
		Spoke: newSpoke,
	})
	if err != nil {
		return budget, err
	}

	allocator := feeBudget{remaining: budget}
	for _, destination := range destinations {
		fee, err := r.transport.Quote(ctx, destination, transport.KindSpokeAnnounce)
		if err != nil {
			return allocator.remaining, err
		}
		if err := allocator.debit(fee, destination); err != nil {
			return allocator.remaining, err
		}

		env := transport.Envelope{
			GUID:        r.newGUID(),
			Kind:        transport.KindSpokeAnnounce,
			Source:      r.local,
			Destination: destination,
			Payload:     payload,
		}
		if _, err := r.transport.Dispatch(ctx, env); err != nil {
			return allocator.remaining, err
		}
		log.Printf("topology announced spoke hub=%s spoke=%s destination=%s fee=%s", hub, newSpoke, destination, fee)
	}
	return allocator.remaining, nil
}
