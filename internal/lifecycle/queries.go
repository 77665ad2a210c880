package lifecycle

import (
	"context"
	"errors"

	"github.com/example/service-dispatch/internal/directory"
	"github.com/example/service-dispatch/internal/models"
)

func (e *Engine) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return e.load(ctx, id)
}

func (e *Engine) ListClientRequests(ctx context.Context, clientID string) ([]*models.ServiceRequest, error) {
	return e.store.ListByClient(ctx, clientID)
}

// ListTechnicianRequests returns rows assigned or addressed to the technician, newest first.
func (e *Engine) ListTechnicianRequests(ctx context.Context, technicianID string) ([]*models.ServiceRequest, error) {
	return e.store.ListByTechnician(ctx, technicianID)
}

func (e *Engine) ListVisibleRequests(ctx context.Context, technicianID string) ([]*models.ServiceRequest, error) {
	rs, err := e.router.ListVisible(ctx, technicianID)
	if errors.Is(err, directory.ErrUnknownTechnician) {
		return nil, ErrForbidden
	}
	return rs, err
}

// ActiveJob returns the technician's accepted or in_progress request, or ErrNotFound.
func (e *Engine) ActiveJob(ctx context.Context, technicianID string) (*models.ServiceRequest, error) {
	rs, err := e.store.ListByTechnician(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		if r.Status.Active() {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (e *Engine) SetPresence(ctx context.Context, u models.PresenceUpdate) error {
	if u.Updated.IsZero() {
		u.Updated = e.now()
	}
	err := e.dir.SetPresence(ctx, u)
	if errors.Is(err, directory.ErrUnknownTechnician) {
		return ErrForbidden
	}
	return err
}

// Technician returns the directory view of a technician, or ErrForbidden when unknown.
func (e *Engine) Technician(ctx context.Context, id string) (*models.Technician, error) {
	t, err := e.dir.Technician(ctx, id)
	if errors.Is(err, directory.ErrUnknownTechnician) {
		return nil, ErrForbidden
	}
	return t, err
}
