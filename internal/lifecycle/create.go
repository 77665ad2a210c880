package lifecycle

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/catalog"
	"github.com/example/service-dispatch/internal/directory"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
)

type CreateInput struct {
	ClientID       string                `json:"client_id" validate:"required"`
	CategoryID     string                `json:"category_id" validate:"required"`
	Description    string                `json:"description" validate:"required"`
	Address        string                `json:"address" validate:"required"`
	Urgency        models.Urgency        `json:"urgency" validate:"omitempty,oneof=normal urgent"`
	SchedulingType models.SchedulingType `json:"scheduling_type" validate:"omitempty,oneof=now scheduled"`
	ScheduledDate  *string               `json:"scheduled_date" validate:"omitempty,datetime=2006-01-02"`
	ScheduledTime  *string               `json:"scheduled_time" validate:"omitempty,datetime=15:04"`
	Latitude       *float64              `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude      *float64              `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Photos         []string              `json:"photos" validate:"omitempty,dive,required"`
	AudioURL       *string               `json:"audio_url" validate:"omitempty,url"`
	// TechnicianID addresses the request to one technician instead of broadcasting it.
	TechnicianID *string `json:"technician_id" validate:"omitempty,min=1"`
}

func (in *CreateInput) normalize() {
	in.Description = strings.TrimSpace(in.Description)
	in.Address = strings.TrimSpace(in.Address)
	if in.Urgency == "" {
		in.Urgency = models.UrgencyNormal
	}
	if in.SchedulingType == "" {
		in.SchedulingType = models.SchedulingNow
	}
}

func (in *CreateInput) checkScheduling() error {
	fields := map[string]string{}
	if in.SchedulingType == models.SchedulingScheduled {
		if in.ScheduledDate == nil {
			fields["scheduled_date"] = "is required when scheduling_type is scheduled"
		}
		if in.ScheduledTime == nil {
			fields["scheduled_time"] = "is required when scheduling_type is scheduled"
		}
	} else {
		if in.ScheduledDate != nil {
			fields["scheduled_date"] = "only allowed when scheduling_type is scheduled"
		}
		if in.ScheduledTime != nil {
			fields["scheduled_time"] = "only allowed when scheduling_type is scheduled"
		}
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		fields["latitude"] = "latitude and longitude must be given together"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// CreateRequest stores a new pending request priced from its category's service, then fans it
// out to the technicians who should hear about it.
func (e *Engine) CreateRequest(ctx context.Context, in CreateInput) (*models.ServiceRequest, error) {
	in.normalize()
	if err := e.check(in); err != nil {
		return nil, err
	}
	if err := in.checkScheduling(); err != nil {
		return nil, err
	}

	if _, err := e.catalog.Category(ctx, in.CategoryID); err != nil {
		if errors.Is(err, catalog.ErrCategoryNotFound) {
			return nil, invalid("category_id", "unknown category")
		}
		return nil, err
	}
	svc, err := e.catalog.ServiceForCategory(ctx, in.CategoryID)
	if err != nil {
		if errors.Is(err, catalog.ErrServiceNotFound) {
			return nil, invalid("category_id", "category has no service")
		}
		return nil, err
	}

	if in.TechnicianID != nil {
		if *in.TechnicianID == in.ClientID {
			return nil, invalid("technician_id", "cannot address a request to yourself")
		}
		if _, err := e.dir.Technician(ctx, *in.TechnicianID); err != nil {
			if errors.Is(err, directory.ErrUnknownTechnician) {
				return nil, invalid("technician_id", "unknown technician")
			}
			return nil, err
		}
	}

	code, err := e.newCode()
	if err != nil {
		return nil, err
	}

	r := &models.ServiceRequest{
		ID:             e.newID(),
		ClientID:       in.ClientID,
		TechnicianID:   in.TechnicianID,
		CategoryID:     in.CategoryID,
		ServiceID:      svc.ID,
		Urgency:        in.Urgency,
		SchedulingType: in.SchedulingType,
		ScheduledDate:  in.ScheduledDate,
		ScheduledTime:  in.ScheduledTime,
		Description:    in.Description,
		Address:        in.Address,
		Latitude:       in.Latitude,
		Longitude:      in.Longitude,
		Photos:         in.Photos,
		AudioURL:       in.AudioURL,
		BasePrice:      svc.BasePrice,
		TotalPrice:     e.pricing.Total(svc.BasePrice, in.Urgency, nil, nil),
		Status:         models.StatusPending,
		CompletionCode: code,
		CreatedAt:      e.now(),
	}
	if err := e.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()

	recipients, err := e.router.Recipients(ctx, r, svc.Name)
	if err != nil {
		// fan-out is best effort; the request is already visible to matching technicians
		e.log.Warn("fan-out failed", zap.String("request_id", r.ID), zap.Error(err))
	}
	notes := make([]dispatch.Notification, 0, len(recipients))
	for _, id := range recipients {
		notes = append(notes, note(dispatch.KindNewRequest, id, r, map[string]interface{}{
			"category_id": r.CategoryID,
			"service":     svc.Name,
			"urgency":     r.Urgency,
			"direct":      !r.Broadcast(),
			"total_price": r.TotalPrice,
		}))
	}
	e.committed(ctx, "create", r, notes...)
	return r, nil
}
