package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
)

// Start moves an accepted request to in_progress. A quote that is still outstanding or was
// rejected blocks the start.
func (e *Engine) Start(ctx context.Context, technicianID, requestID string) (*models.ServiceRequest, error) {
	now := e.now()
	cond := storage.Condition{
		Status:       statuses(models.StatusAccepted),
		TechnicianID: technicianID,
		QuoteStatus:  []models.QuoteStatus{models.QuoteNone, models.QuoteApproved},
	}
	r, err := e.store.UpdateRequest(ctx, requestID, cond, storage.Patch{
		Status:    ptr(models.StatusInProgress),
		StartedAt: &now,
	})
	if err != nil {
		return nil, e.rejected("start", e.startFailure(ctx, requestID, technicianID, err))
	}
	e.committed(ctx, "start", r, note(dispatch.KindStarted, r.ClientID, r, nil))
	return r, nil
}

func (e *Engine) startFailure(ctx context.Context, requestID, technicianID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if !errors.Is(err, storage.ErrConditionFailed) {
		return err
	}
	cur, err := e.load(ctx, requestID)
	if err != nil {
		return err
	}
	switch {
	case !cur.AssignedTo(technicianID):
		return ErrForbidden
	case cur.Status != models.StatusAccepted:
		return ErrInvalidTransition
	default:
		return ErrQuoteAwaitingApproval
	}
}

type CompleteInput struct {
	Code   string         `json:"completion_code" validate:"required,len=4,numeric"`
	Extras []models.Extra `json:"extras" validate:"omitempty,dive"`
	Photos []string       `json:"photos" validate:"omitempty,dive,required"`
}

// Complete finishes an in_progress request. The supplied code is checked by the store as part
// of the write; on a mismatch nothing changes and ErrInvalidCode is returned. Extras and photos
// replace the stored ones when supplied, and the total is recomputed.
func (e *Engine) Complete(ctx context.Context, actor models.Actor, requestID string, in CompleteInput) (*models.ServiceRequest, error) {
	in.Code = strings.TrimSpace(in.Code)
	if err := e.check(in); err != nil {
		return nil, err
	}
	cur, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !mayAct(actor, cur) {
		return nil, e.rejected("complete", ErrForbidden)
	}
	if cur.Status != models.StatusInProgress {
		return nil, e.rejected("complete", ErrInvalidTransition)
	}

	extras := cur.Extras
	if in.Extras != nil {
		extras = in.Extras
	}
	now := e.now()
	p := storage.Patch{
		Status:           ptr(models.StatusCompleted),
		CompletedAt:      &now,
		TotalPrice:       ptr(e.pricing.Total(cur.BasePrice, cur.Urgency, extras, cur.QuoteAmount)),
		Extras:           in.Extras,
		CompletionPhotos: in.Photos,
	}
	cond := storage.Condition{
		Status:         statuses(models.StatusInProgress),
		TechnicianID:   *cur.TechnicianID,
		CompletionCode: in.Code,
	}
	r, err := e.store.UpdateRequest(ctx, requestID, cond, p)
	if err != nil {
		if errors.Is(err, storage.ErrConditionFailed) {
			err = e.completeFailure(ctx, requestID)
		}
		return nil, e.rejected("complete", err)
	}
	e.committed(ctx, "complete", r, note(dispatch.KindCompleted, r.ClientID, r, map[string]interface{}{
		"total_price": r.TotalPrice,
	}))
	return r, nil
}

func (e *Engine) completeFailure(ctx context.Context, requestID string) error {
	cur, err := e.load(ctx, requestID)
	if err != nil {
		return err
	}
	if cur.Status != models.StatusInProgress {
		return ErrInvalidTransition
	}
	return ErrInvalidCode
}

// Cancel ends a non-terminal request and returns the fee charged. Only a client cancelling
// work that has already started pays the fee, read from the fee source at this moment.
// The write is conditioned on the status the fee was decided on; if the status moved
// underneath, the decision is retried against the new state.
func (e *Engine) Cancel(ctx context.Context, actor models.Actor, requestID, reason string) (*models.ServiceRequest, int64, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, 0, invalid("reason", "is required")
	}
	if actor.Role != models.RoleClient && actor.Role != models.RoleTechnician {
		return nil, 0, invalid("role", "must be client or technician")
	}

	for attempt := 0; attempt < e.attempts; attempt++ {
		cur, err := e.load(ctx, requestID)
		if err != nil {
			return nil, 0, err
		}
		if !mayAct(actor, cur) {
			return nil, 0, e.rejected("cancel", ErrForbidden)
		}
		if cur.Status.Terminal() {
			return nil, 0, e.rejected("cancel", ErrInvalidTransition)
		}

		var fee int64
		if actor.Role == models.RoleClient && cur.Status == models.StatusInProgress {
			if fee, err = e.fees.CancellationFee(ctx); err != nil {
				return nil, 0, err
			}
		}
		now := e.now()
		r, err := e.store.UpdateRequest(ctx, requestID, storage.Condition{Status: statuses(cur.Status)}, storage.Patch{
			Status:             ptr(models.StatusCancelled),
			CancelledAt:        &now,
			CancellationReason: &reason,
			CancelledBy:        &actor.Role,
			CancellationFee:    &fee,
		})
		if errors.Is(err, storage.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		if fee > 0 {
			observability.CancellationFees.Add(float64(fee))
		}
		data := map[string]interface{}{"reason": reason, "cancelled_by": actor.Role, "fee": fee}
		var notes []dispatch.Notification
		if actor.Role == models.RoleClient && r.TechnicianID != nil {
			notes = append(notes, note(dispatch.KindCancelled, *r.TechnicianID, r, data))
		}
		if actor.Role == models.RoleTechnician {
			notes = append(notes, note(dispatch.KindCancelled, r.ClientID, r, data))
		}
		e.committed(ctx, "cancel", r, notes...)
		return r, fee, nil
	}
	return nil, 0, e.rejected("cancel", fmt.Errorf("%w: request kept changing", ErrInvalidTransition))
}

// mayAct reports whether actor is a party to r: its client, or its assigned or addressed
// technician.
func mayAct(actor models.Actor, r *models.ServiceRequest) bool {
	switch actor.Role {
	case models.RoleClient:
		return r.ClientID == actor.ID
	case models.RoleTechnician:
		return r.AssignedTo(actor.ID)
	default:
		return false
	}
}
