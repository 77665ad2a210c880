package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

// Quote sub-states: none -> sent -> approved | rejected, rejected -> sent.
var quoteEdges = map[models.QuoteStatus][]models.QuoteStatus{
	models.QuoteNone:     {models.QuoteSent},
	models.QuoteSent:     {models.QuoteApproved, models.QuoteRejected},
	models.QuoteRejected: {models.QuoteSent},
}

// quoteFrom lists the sub-states from which to is reachable.
func quoteFrom(to models.QuoteStatus) []models.QuoteStatus {
	out := make([]models.QuoteStatus, 0, 2)
	for from, edges := range quoteEdges {
		for _, e := range edges {
			if e == to {
				out = append(out, from)
			}
		}
	}
	return out
}

type QuoteInput struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	Description string `json:"description"`
}

// SendQuote proposes a price for a quote-type request. On a pending request it claims the
// request in the same write; on a request the technician already holds it only replaces the
// quote, which is allowed before the first quote and after a rejection.
func (e *Engine) SendQuote(ctx context.Context, technicianID, requestID string, in QuoteInput) (*models.ServiceRequest, error) {
	in.Description = strings.TrimSpace(in.Description)
	if err := e.check(in); err != nil {
		return nil, err
	}
	cur, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	svc, err := e.catalog.ServiceForCategory(ctx, cur.CategoryID)
	if err != nil {
		return nil, err
	}
	if svc.PriceMode != models.PriceQuote {
		return nil, invalid("amount", "service has a fixed price")
	}

	now := e.now()
	p := storage.Patch{
		QuoteStatus: ptr(models.QuoteSent),
		QuoteAmount: &in.Amount,
		TotalPrice:  ptr(e.pricing.Total(cur.BasePrice, cur.Urgency, cur.Extras, &in.Amount)),
		QuoteSentAt: &now,
	}
	if in.Description != "" {
		p.QuoteDescription = &in.Description
	}

	var r *models.ServiceRequest
	if cur.Status == models.StatusPending {
		if err := e.guard(ctx, technicianID); err != nil {
			return nil, e.rejected("quote", err)
		}
		p.TechnicianID = &technicianID
		p.Status = ptr(models.StatusAccepted)
		p.AcceptedAt = &now
		r, err = e.claim(ctx, technicianID, requestID, p)
	} else {
		r, err = e.requote(ctx, technicianID, cur, p)
	}
	if err != nil {
		return nil, e.rejected("quote", err)
	}

	data := map[string]interface{}{"amount": in.Amount, "technician_id": technicianID}
	if in.Description != "" {
		data["description"] = in.Description
	}
	e.committed(ctx, "quote_sent", r, note(dispatch.KindQuoteSent, r.ClientID, r, data))
	return r, nil
}

func (e *Engine) requote(ctx context.Context, technicianID string, cur *models.ServiceRequest, p storage.Patch) (*models.ServiceRequest, error) {
	if !cur.AssignedTo(technicianID) {
		if cur.Broadcast() {
			return nil, ErrInvalidTransition
		}
		return nil, ErrAlreadyTaken
	}
	tech, err := e.dir.Technician(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	if tech.WalletBlocked {
		return nil, ErrWalletBlocked
	}
	cond := storage.Condition{
		Status:       statuses(models.StatusAccepted),
		TechnicianID: technicianID,
		QuoteStatus:  quoteFrom(models.QuoteSent),
	}
	r, err := e.store.UpdateRequest(ctx, cur.ID, cond, p)
	if errors.Is(err, storage.ErrConditionFailed) {
		return nil, ErrInvalidTransition
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// ApproveQuote accepts the outstanding quote. Only the request's client may decide.
func (e *Engine) ApproveQuote(ctx context.Context, clientID, requestID string) (*models.ServiceRequest, error) {
	now := e.now()
	r, err := e.decideQuote(ctx, clientID, requestID, storage.Patch{
		QuoteStatus:     ptr(models.QuoteApproved),
		QuoteApprovedAt: &now,
	})
	if err != nil {
		return nil, e.rejected("quote_approve", err)
	}
	e.committed(ctx, "quote_approved", r, note(dispatch.KindQuoteApproved, *r.TechnicianID, r, map[string]interface{}{
		"amount": *r.QuoteAmount,
	}))
	return r, nil
}

// RejectQuote declines the outstanding quote. The technician stays assigned and may re-quote.
func (e *Engine) RejectQuote(ctx context.Context, clientID, requestID string) (*models.ServiceRequest, error) {
	r, err := e.decideQuote(ctx, clientID, requestID, storage.Patch{
		QuoteStatus: ptr(models.QuoteRejected),
	})
	if err != nil {
		return nil, e.rejected("quote_reject", err)
	}
	e.committed(ctx, "quote_rejected", r, note(dispatch.KindQuoteRejected, *r.TechnicianID, r, map[string]interface{}{
		"amount": *r.QuoteAmount,
	}))
	return r, nil
}

func (e *Engine) decideQuote(ctx context.Context, clientID, requestID string, p storage.Patch) (*models.ServiceRequest, error) {
	cond := storage.Condition{
		Status:      statuses(models.StatusAccepted),
		ClientID:    clientID,
		QuoteStatus: quoteFrom(*p.QuoteStatus),
	}
	r, err := e.store.UpdateRequest(ctx, requestID, cond, p)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case !errors.Is(err, storage.ErrConditionFailed):
		return nil, err
	}

	cur, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.ClientID != clientID:
		return nil, ErrForbidden
	case cur.QuoteStatus != models.QuoteSent:
		return nil, ErrQuoteNotPending
	default:
		return nil, ErrInvalidTransition
	}
}
