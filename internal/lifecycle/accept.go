package lifecycle

import (
	"context"
	"errors"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

// Accept claims a pending request for technicianID. The pre-claim guard rejects technicians
// who already hold an active job; the claim itself only succeeds while the row is still
// pending and unclaimed (or addressed to this technician), so of several concurrent
// accepts exactly one wins and the rest get ErrAlreadyTaken.
func (e *Engine) Accept(ctx context.Context, technicianID, requestID string) (*models.ServiceRequest, error) {
	if err := e.guard(ctx, technicianID); err != nil {
		return nil, e.rejected("accept", err)
	}
	now := e.now()
	r, err := e.claim(ctx, technicianID, requestID, storage.Patch{
		TechnicianID: &technicianID,
		Status:       ptr(models.StatusAccepted),
		AcceptedAt:   &now,
	})
	if err != nil {
		return nil, e.rejected("accept", err)
	}
	e.committed(ctx, "accept", r, note(dispatch.KindAccepted, r.ClientID, r, map[string]interface{}{
		"technician_id": technicianID,
	}))
	return r, nil
}

// claim is the conditional pending→accepted write shared by accept and first quote.
func (e *Engine) claim(ctx context.Context, technicianID, requestID string, p storage.Patch) (*models.ServiceRequest, error) {
	cond := storage.Condition{
		Status:      statuses(models.StatusPending),
		ClaimableBy: technicianID,
	}
	r, err := e.store.UpdateRequest(ctx, requestID, cond, p)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrActiveJobExists):
		return nil, ErrAlreadyActive
	case errors.Is(err, storage.ErrConditionFailed):
		return nil, e.claimFailure(ctx, requestID, technicianID)
	default:
		return nil, err
	}
}
