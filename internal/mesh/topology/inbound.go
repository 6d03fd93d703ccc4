package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
	"github.com/vaultmesh/vaultmesh/internal/storage"
	"github.com/vaultmesh/vaultmesh/internal/transport"
)

// HandleInbound processes one batch of inbound topology envelopes. An
// unknown message kind fails the whole batch with UNKNOWN_MESSAGE_TYPE
// before anything is applied; a decode or merge failure rolls the batch
// back. Redelivered envelopes are harmless: link application is
// idempotent.
func (r *Registry) HandleInbound(ctx context.Context, batch []transport.Envelope) error {
	if r == nil || r.store == nil {
		return errors.New("registry is not configured")
	}

	// Reject the whole batch before applying anything.
	for _, env := range batch {
		switch env.Kind {
		case transport.KindSpokeAnnounce, transport.KindTopologyBootstrap:
		default:
			return apperrors.WithMetadata(apperrors.CodeUnknownMessageType, "inbound batch carries an unknown message kind", map[string]string{
				"GUID": env.GUID,
				"Kind": string(env.Kind),
			})
		}
	}

	return r.store.RunInTx(ctx, func(tx storage.Store) error {
		for _, env := range batch {
			if err := r.applyInbound(ctx, tx, env); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Registry) applyInbound(ctx context.Context, tx storage.Store, env transport.Envelope) error {
	switch env.Kind {
	case transport.KindSpokeAnnounce:
		var payload transport.SpokeAnnouncePayload
		if err := transport.DecodePayload(env.Payload, &payload); err != nil {
			return fmt.Errorf("spoke announce %s: %w", env.GUID, err)
		}
		link := domain.HubSpokeLink{Hub: payload.Hub, Spoke: payload.Spoke}
		if err := link.Validate(); err != nil {
			return err
		}
		if err := tx.InsertLink(ctx, link); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return apperrors.WithMetadata(apperrors.CodeSpokeAlreadyExists, "announce contradicts an existing link", map[string]string{
					"GUID": env.GUID,
				})
			}
			return err
		}
		return nil

	case transport.KindTopologyBootstrap:
		var payload transport.TopologyBootstrapPayload
		if err := transport.DecodePayload(env.Payload, &payload); err != nil {
			return fmt.Errorf("topology bootstrap %s: %w", env.GUID, err)
		}
		snapshot := domain.TopologySnapshot{Hub: payload.Hub, Spokes: payload.Spokes}
		if err := snapshot.Validate(); err != nil {
			return err
		}
		for _, spoke := range snapshot.Spokes {
			link := domain.HubSpokeLink{Hub: snapshot.Hub, Spoke: spoke}
			if err := tx.InsertLink(ctx, link); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					return apperrors.WithMetadata(apperrors.CodeSpokeAlreadyExists, "snapshot contradicts an existing link", map[string]string{
						"GUID": env.GUID,
					})
				}
				return err
			}
		}
		return nil

	default:
		return apperrors.New(apperrors.CodeUnknownMessageType, "unknown message kind")
	}
}
