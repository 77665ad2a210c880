package storage

import (
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// Condition is the predicate a conditional write is guarded by. Every non-zero field must hold
// on the current row or the write affects nothing and ErrConditionFailed is returned.
type Condition struct {
	Status      []models.Status
	QuoteStatus []models.QuoteStatus
	ClientID    string
	// TechnicianID requires the row to be assigned to this technician.
	TechnicianID string
	// ClaimableBy requires the row to be unassigned or addressed to this technician.
	ClaimableBy string
	// CompletionCode is compared inside the store so the stored code never leaves it.
	CompletionCode string
	Unrated        bool
}

func (c Condition) matches(r *models.ServiceRequest) bool {
	if len(c.Status) > 0 && !containsStatus(c.Status, r.Status) {
		return false
	}
	if len(c.QuoteStatus) > 0 && !containsQuote(c.QuoteStatus, r.QuoteStatus) {
		return false
	}
	if c.ClientID != "" && r.ClientID != c.ClientID {
		return false
	}
	if c.TechnicianID != "" && !r.AssignedTo(c.TechnicianID) {
		return false
	}
	if c.ClaimableBy != "" && r.TechnicianID != nil && *r.TechnicianID != c.ClaimableBy {
		return false
	}
	if c.CompletionCode != "" && r.CompletionCode != c.CompletionCode {
		return false
	}
	if c.Unrated && r.Rating != nil {
		return false
	}
	return true
}

// Patch lists the fields a write sets. Nil fields are left untouched. Timestamps are set-once:
// a timestamp that is already present on the row is never overwritten.
type Patch struct {
	TechnicianID     *string
	Status           *models.Status
	QuoteStatus      *models.QuoteStatus
	QuoteAmount      *int64
	QuoteDescription *string
	TotalPrice       *int64
	Extras           []models.Extra
	CompletionPhotos []string

	Rating             *int
	Feedback           *string
	CancellationReason *string
	CancelledBy        *models.Role
	CancellationFee    *int64

	AcceptedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	QuoteSentAt     *time.Time
	QuoteApprovedAt *time.Time
}

func (p Patch) apply(r *models.ServiceRequest) {
	if p.TechnicianID != nil {
		v := *p.TechnicianID
		r.TechnicianID = &v
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.QuoteStatus != nil {
		r.QuoteStatus = *p.QuoteStatus
	}
	if p.QuoteAmount != nil {
		v := *p.QuoteAmount
		r.QuoteAmount = &v
	}
	if p.QuoteDescription != nil {
		v := *p.QuoteDescription
		r.QuoteDescription = &v
	}
	if p.TotalPrice != nil {
		r.TotalPrice = *p.TotalPrice
	}
	if p.Extras != nil {
		r.Extras = append([]models.Extra(nil), p.Extras...)
	}
	if p.CompletionPhotos != nil {
		r.CompletionPhotos = append([]string(nil), p.CompletionPhotos...)
	}
	if p.Rating != nil {
		v := *p.Rating
		r.Rating = &v
	}
	if p.Feedback != nil {
		v := *p.Feedback
		r.Feedback = &v
	}
	if p.CancellationReason != nil {
		v := *p.CancellationReason
		r.CancellationReason = &v
	}
	if p.CancelledBy != nil {
		v := *p.CancelledBy
		r.CancelledBy = &v
	}
	if p.CancellationFee != nil {
		r.CancellationFee = *p.CancellationFee
	}
	setOnce(&r.AcceptedAt, p.AcceptedAt)
	setOnce(&r.StartedAt, p.StartedAt)
	setOnce(&r.CompletedAt, p.CompletedAt)
	setOnce(&r.CancelledAt, p.CancelledAt)
	setOnce(&r.QuoteSentAt, p.QuoteSentAt)
	setOnce(&r.QuoteApprovedAt, p.QuoteApprovedAt)
}

func setOnce(dst **time.Time, v *time.Time) {
	if v == nil || *dst != nil {
		return
	}
	t := *v
	*dst = &t
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsQuote(list []models.QuoteStatus, s models.QuoteStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
