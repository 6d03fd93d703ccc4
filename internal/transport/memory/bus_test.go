package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

type recordingHandler struct {
	mu        sync.Mutex
	envelopes []transport.Envelope
	failures  int
}

func (h *recordingHandler) HandleEnvelope(ctx context.Context, env transport.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return errors.New("transient failure")
	}
	h.envelopes = append(h.envelopes, env)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envelopes)
}

func announceEnvelope(guid string) transport.Envelope {
	payload, _ := transport.EncodePayload(transport.SpokeAnnouncePayload{
		Hub:   domain.VaultRef{Domain: "chain-a", VaultID: "hub-1"},
		Spoke: domain.VaultRef{Domain: "chain-b", VaultID: "spoke-1"},
	})
	return transport.Envelope{
		GUID:        guid,
		Kind:        transport.KindSpokeAnnounce,
		Source:      "chain-a",
		Destination: "chain-b",
		Payload:     payload,
	}
}

func TestDispatchDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	handler := &recordingHandler{}
	bus.Subscribe("chain-b", handler)

	receipt, err := bus.Dispatch(context.Background(), announceEnvelope("guid-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.GUID != "guid-1" {
		t.Fatalf("receipt guid = %q, want guid-1", receipt.GUID)
	}
	bus.Wait()

	if got := handler.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	if handler.envelopes[0].GUID != "guid-1" {
		t.Fatalf("delivered guid = %q, want guid-1", handler.envelopes[0].GUID)
	}
}

func TestQuoteMatchesDispatchFee(t *testing.T) {
	fee := decimal.RequireFromString("0.25")
	bus := NewBus(WithDefaultFee(fee))
	bus.Subscribe("chain-b", &recordingHandler{})
	bus.SetFee("chain-c", decimal.NewFromInt(3))

	quoted, err := bus.Quote(context.Background(), "chain-b", transport.KindSpokeAnnounce)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	receipt, err := bus.Dispatch(context.Background(), announceEnvelope("guid-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	bus.Wait()
	if !quoted.Equal(receipt.Fee) {
		t.Fatalf("quote %s != charged %s", quoted, receipt.Fee)
	}

	override, err := bus.Quote(context.Background(), "chain-c", transport.KindSpokeAnnounce)
	if err != nil {
		t.Fatalf("quote override: %v", err)
	}
	if !override.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("override quote = %s, want 3", override)
	}
}

func TestDuplicateDeliveryExercisesAtLeastOnce(t *testing.T) {
	bus := NewBus(WithDuplicateDelivery())
	handler := &recordingHandler{}
	bus.Subscribe("chain-b", handler)

	if _, err := bus.Dispatch(context.Background(), announceEnvelope("guid-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	bus.Wait()

	if got := handler.count(); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
}

func TestRedeliveryAfterHandlerFailure(t *testing.T) {
	bus := NewBus(WithMaxDeliveryTries(4))
	handler := &recordingHandler{failures: 2}
	bus.Subscribe("chain-b", handler)

	if _, err := bus.Dispatch(context.Background(), announceEnvelope("guid-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	bus.Wait()

	if got := handler.count(); got != 1 {
		t.Fatalf("deliveries after retries = %d, want 1", got)
	}
}

func TestDispatchRejectsInvalidEnvelope(t *testing.T) {
	bus := NewBus()
	env := announceEnvelope("guid-1")
	env.Kind = transport.MessageKind("GOSSIP")
	if _, err := bus.Dispatch(context.Background(), env); err == nil {
		t.Fatal("expected invalid envelope to be rejected")
	}
}
