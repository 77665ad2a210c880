// Package ingest carries request changes out of the engine: to Kafka for downstream
// consumers and to connected websocket sessions so UIs refresh without polling.
package ingest

import (
	"context"
	"errors"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
)

// Publisher accepts committed request changes.
type Publisher interface {
	Publish(ctx context.Context, c models.RequestChange) error
}

type Multi []Publisher

func (m Multi) Publish(ctx context.Context, c models.RequestChange) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hub pushes changes to the sessions that care: the client, the assigned or addressed
// technician, and every technician while a broadcast request is still pending.
type Hub struct {
	Sessions *dispatch.WSRegistry
}

func NewHub(reg *dispatch.WSRegistry) *Hub { return &Hub{Sessions: reg} }

func (h *Hub) Publish(_ context.Context, c models.RequestChange) error {
	frame := dispatch.Envelope{Type: "request_change", Data: c}
	_ = h.Sessions.SendTo(c.ClientID, frame)
	if c.TechnicianID != nil {
		_ = h.Sessions.SendTo(*c.TechnicianID, frame)
		return nil
	}
	if c.Status == models.StatusPending {
		h.Sessions.SendToRole(models.RoleTechnician, frame)
	}
	return nil
}
