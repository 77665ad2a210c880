package lifecycle

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

type RateInput struct {
	Rating   int     `json:"rating" validate:"min=1,max=5"`
	Feedback *string `json:"feedback"`
}

// Rate records the client's rating of a completed request and recomputes the technician's
// average from every review they have. The stamp, the review row and the new aggregate commit
// together; a second submission for the same request is rejected with ErrAlreadyRated.
func (e *Engine) Rate(ctx context.Context, clientID, requestID string, in RateInput) (*models.ServiceRequest, error) {
	if err := e.check(in); err != nil {
		return nil, err
	}
	if in.Feedback != nil {
		f := strings.TrimSpace(*in.Feedback)
		in.Feedback = &f
		if f == "" {
			in.Feedback = nil
		}
	}
	cur, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.ClientID != clientID:
		return nil, e.rejected("rate", ErrForbidden)
	case cur.Rating != nil:
		return nil, e.rejected("rate", ErrAlreadyRated)
	case cur.Status != models.StatusCompleted || cur.TechnicianID == nil:
		return nil, e.rejected("rate", ErrInvalidTransition)
	}
	technicianID := *cur.TechnicianID

	var out *models.ServiceRequest
	err = e.store.Atomic(ctx, func(ctx context.Context, tx storage.RequestStore) error {
		// Serialises recomputes of this technician's aggregate.
		if err := tx.LockTechnician(ctx, technicianID); err != nil {
			return err
		}
		cond := storage.Condition{
			Status:   statuses(models.StatusCompleted),
			ClientID: clientID,
			Unrated:  true,
		}
		r, err := tx.UpdateRequest(ctx, requestID, cond, storage.Patch{Rating: &in.Rating, Feedback: in.Feedback})
		if errors.Is(err, storage.ErrConditionFailed) {
			return ErrAlreadyRated
		}
		if err != nil {
			return err
		}
		if _, err := tx.InsertReview(ctx, models.Review{
			ID:               e.newID(),
			ServiceRequestID: requestID,
			ClientID:         clientID,
			TechnicianID:     technicianID,
			Rating:           in.Rating,
			Comment:          in.Feedback,
			CreatedAt:        e.now(),
		}); err != nil {
			return err
		}
		ratings, err := tx.TechnicianRatings(ctx, technicianID)
		if err != nil {
			return err
		}
		if err := tx.UpdateTechnicianRating(ctx, technicianID, Average(ratings), len(ratings)); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, e.rejected("rate", err)
	}

	data := map[string]interface{}{"rating": in.Rating}
	if in.Feedback != nil {
		data["feedback"] = *in.Feedback
	}
	e.committed(ctx, "rate", out, note(dispatch.KindRatingReceived, technicianID, out, data))
	return out, nil
}

// Average is the arithmetic mean rounded to two decimals; zero when there are no ratings.
func Average(ratings []int) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r
	}
	avg := float64(sum) / float64(len(ratings))
	return math.Round(avg*100) / 100
}
