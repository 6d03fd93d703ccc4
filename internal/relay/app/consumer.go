package app

import (
	"context"
	"fmt"
	"log"

	"github.com/vaultmesh/vaultmesh/internal/mesh/aggregate"
	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/topology"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

// ValueReader answers inbound value reads for spokes hosted on this domain.
type ValueReader interface {
	SpokeValue(ctx context.Context, spoke domain.VaultRef) (string, error)
}

// consumer demultiplexes inbound envelopes for the local domain by kind.
type consumer struct {
	registry   *topology.Registry
	aggregator *aggregate.Aggregator
	bus        transport.Transport
	values     ValueReader
	local      domain.Domain
}

func (c *consumer) HandleEnvelope(ctx context.Context, env transport.Envelope) error {
	switch env.Kind {
	case transport.KindSpokeAnnounce, transport.KindTopologyBootstrap:
		return c.registry.HandleInbound(ctx, []transport.Envelope{env})
	case transport.KindValueReadRequest:
		return c.handleValueRead(ctx, env)
	case transport.KindValueReadResponse:
		return c.aggregator.HandleResponse(ctx, env)
	default:
		return apperrors.WithMetadata(apperrors.CodeUnknownMessageType, "relay received an unknown message kind", map[string]string{
			"GUID": env.GUID,
			"Kind": string(env.Kind),
		})
	}
}

// handleValueRead answers one spoke value read. The response reuses the
// request guid so the aggregator can match it to its dispatch.
func (c *consumer) handleValueRead(ctx context.Context, env transport.Envelope) error {
	var request transport.ValueReadRequestPayload
	if err := transport.DecodePayload(env.Payload, &request); err != nil {
		return fmt.Errorf("value read %s: %w", env.GUID, err)
	}

	response := transport.ValueReadResponsePayload{Hub: request.Hub}
	value, err := c.values.SpokeValue(ctx, request.Spoke)
	if err != nil {
		log.Printf("value read failed guid=%s spoke=%s err=%v", env.GUID, request.Spoke, err)
		response.Success = false
	} else {
		response.Success = true
		response.Results = []transport.SpokeValue{{Spoke: request.Spoke, ValueUSD: value}}
	}

	payload, err := transport.EncodePayload(response)
	if err != nil {
		return err
	}
	_, err = c.bus.Dispatch(ctx, transport.Envelope{
		GUID:        env.GUID,
		Kind:        transport.KindValueReadResponse,
		Source:      c.local,
		Destination: env.Source,
		Payload:     payload,
	})
	return err
}
