// Package transport defines the cross-domain messaging contract vaultmesh
// depends on. Delivery is asynchronous, at-least-once, and unordered; the
// only guarantee is that a delivered response's guid matches its dispatch.
// Consumers deduplicate by guid.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
)

// MessageKind discriminates cross-domain envelope payloads.
type MessageKind string

const (
	// KindSpokeAnnounce notifies peer domains about one new hub/spoke link.
	KindSpokeAnnounce MessageKind = "SPOKE_ANNOUNCE"
	// KindTopologyBootstrap carries a full known-spoke snapshot for merge.
	KindTopologyBootstrap MessageKind = "TOPOLOGY_BOOTSTRAP"
	// KindValueReadRequest asks one spoke domain for its vault value.
	KindValueReadRequest MessageKind = "VALUE_READ_REQUEST"
	// KindValueReadResponse returns per-spoke vault values to the hub.
	KindValueReadResponse MessageKind = "VALUE_READ_RESPONSE"
)

// Valid reports whether the kind is known to this protocol version.
func (k MessageKind) Valid() bool {
	switch k {
	case KindSpokeAnnounce, KindTopologyBootstrap, KindValueReadRequest, KindValueReadResponse:
		return true
	default:
		return false
	}
}

// Envelope is one cross-domain message. Payload is CBOR-encoded per Kind.
type Envelope struct {
	GUID        string
	Kind        MessageKind
	Source      domain.Domain
	Destination domain.Domain
	Payload     []byte
}

// Validate checks the envelope header fields.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.GUID) == "" {
		return apperrors.New(apperrors.CodeRequestNotFound, "envelope guid is required")
	}
	if !e.Kind.Valid() {
		return apperrors.WithMetadata(apperrors.CodeUnknownMessageType, "unknown message kind", map[string]string{
			"Kind": string(e.Kind),
		})
	}
	if strings.TrimSpace(string(e.Destination)) == "" {
		return apperrors.New(apperrors.CodeUnknownVault, "envelope destination is required")
	}
	return nil
}

// Receipt acknowledges a dispatch and records what it charged.
type Receipt struct {
	GUID         string
	Destinations []domain.Domain
	Fee          decimal.Decimal
	DispatchedAt time.Time
}

// Handler consumes inbound envelopes on one domain. Redelivery of the same
// guid must be harmless.
type Handler interface {
	HandleEnvelope(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope) error

// HandleEnvelope implements Handler for HandlerFunc.
func (fn HandlerFunc) HandleEnvelope(ctx context.Context, env Envelope) error {
	return fn(ctx, env)
}

// Transport sends envelopes across domains. Quote must return exactly what
// Dispatch will charge for the same destination and kind.
type Transport interface {
	Quote(ctx context.Context, destination domain.Domain, kind MessageKind) (decimal.Decimal, error)
	Dispatch(ctx context.Context, env Envelope) (Receipt, error)
}

// SpokeValue is one spoke's reported vault value in USD.
type SpokeValue struct {
	Spoke    domain.VaultRef `cbor:"spoke"`
	ValueUSD string          `cbor:"value_usd"`
}

// SpokeAnnouncePayload announces one new hub/spoke link.
type SpokeAnnouncePayload struct {
	Hub   domain.VaultRef `cbor:"hub"`
	Spoke domain.VaultRef `cbor:"spoke"`
}

// TopologyBootstrapPayload carries a hub's full known spoke set.
type TopologyBootstrapPayload struct {
	Hub    domain.VaultRef   `cbor:"hub"`
	Spokes []domain.VaultRef `cbor:"spokes"`
}

// ValueReadRequestPayload asks one spoke for its current vault value.
type ValueReadRequestPayload struct {
	Hub      domain.VaultRef   `cbor:"hub"`
	Spoke    domain.VaultRef   `cbor:"spoke"`
	Metadata map[string]string `cbor:"metadata,omitempty"`
}

// ValueReadResponsePayload returns gathered per-spoke values. Success=false
// marks a failed read attempt; its results are never applied.
type ValueReadResponsePayload struct {
	Hub     domain.VaultRef `cbor:"hub"`
	Results []SpokeValue    `cbor:"results"`
	Success bool            `cbor:"success"`
}
