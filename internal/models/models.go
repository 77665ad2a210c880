package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
)

type SchedulingType string

const (
	SchedulingNow       SchedulingType = "now"
	SchedulingScheduled SchedulingType = "scheduled"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a request in s counts against the technician's single active job.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusInProgress
}

// QuoteStatus is empty until the first quote is sent.
type QuoteStatus string

const (
	QuoteNone     QuoteStatus = ""
	QuoteSent     QuoteStatus = "sent"
	QuoteApproved QuoteStatus = "approved"
	QuoteRejected QuoteStatus = "rejected"
)

type Role string

const (
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
)

// Actor identifies who issues a command.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Extra struct {
	Name  string `json:"name" validate:"required"`
	Price int64  `json:"price" validate:"gte=0"`
}

// ServiceRequest is the central record. Money amounts are integer currency units.
type ServiceRequest struct {
	ID           string  `json:"id"`
	ClientID     string  `json:"client_id"`
	TechnicianID *string `json:"technician_id"`

	CategoryID string  `json:"category_id"`
	ServiceID  string  `json:"service_id"`
	Urgency    Urgency `json:"urgency"`

	SchedulingType SchedulingType `json:"scheduling_type"`
	ScheduledDate  *string        `json:"scheduled_date,omitempty"`
	ScheduledTime  *string        `json:"scheduled_time,omitempty"`

	Description string   `json:"description"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Photos      []string `json:"photos,omitempty"`
	AudioURL    *string  `json:"audio_url,omitempty"`

	BasePrice        int64   `json:"base_price"`
	Extras           []Extra `json:"extras,omitempty"`
	TotalPrice       int64   `json:"total_price"`
	QuoteAmount      *int64  `json:"quote_amount,omitempty"`
	QuoteDescription *string `json:"quote_description,omitempty"`

	Status      Status      `json:"status"`
	QuoteStatus QuoteStatus `json:"quote_status,omitempty"`

	CompletionCode   string   `json:"-"`
	CompletionPhotos []string `json:"completion_photos,omitempty"`

	Rating             *int    `json:"rating,omitempty"`
	Feedback           *string `json:"feedback,omitempty"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`
	CancelledBy        *Role   `json:"cancelled_by,omitempty"`
	CancellationFee    int64   `json:"cancellation_fee"`

	CreatedAt       time.Time  `json:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	QuoteSentAt     *time.Time `json:"quote_sent_at,omitempty"`
	QuoteApprovedAt *time.Time `json:"quote_approved_at,omitempty"`
}

// Broadcast reports whether the request is unassigned and open to all matching technicians.
func (r *ServiceRequest) Broadcast() bool { return r.TechnicianID == nil }

// AssignedTo reports whether technicianID owns (or is addressed by) the request.
func (r *ServiceRequest) AssignedTo(technicianID string) bool {
	return r.TechnicianID != nil && *r.TechnicianID == technicianID
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (r *ServiceRequest) Clone() *ServiceRequest {
	c := *r
	c.TechnicianID = cloneString(r.TechnicianID)
	c.ScheduledDate = cloneString(r.ScheduledDate)
	c.ScheduledTime = cloneString(r.ScheduledTime)
	c.AudioURL = cloneString(r.AudioURL)
	c.QuoteDescription = cloneString(r.QuoteDescription)
	c.Feedback = cloneString(r.Feedback)
	c.CancellationReason = cloneString(r.CancellationReason)
	if r.Latitude != nil {
		v := *r.Latitude
		c.Latitude = &v
	}
	if r.Longitude != nil {
		v := *r.Longitude
		c.Longitude = &v
	}
	if r.QuoteAmount != nil {
		v := *r.QuoteAmount
		c.QuoteAmount = &v
	}
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	if r.CancelledBy != nil {
		v := *r.CancelledBy
		c.CancelledBy = &v
	}
	c.Photos = append([]string(nil), r.Photos...)
	c.CompletionPhotos = append([]string(nil), r.CompletionPhotos...)
	c.Extras = append([]Extra(nil), r.Extras...)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.QuoteSentAt = cloneTime(r.QuoteSentAt)
	c.QuoteApprovedAt = cloneTime(r.QuoteApprovedAt)
	return &c
}

// Technician is the directory view of a field worker.
type Technician struct {
	UserID          string    `json:"user_id"`
	Specialties     []string  `json:"specialties"`
	Active          bool      `json:"active"`
	WalletAccountID string    `json:"wallet_account_id,omitempty"`
	WalletBlocked   bool      `json:"wallet_blocked"`
	Rating          float64   `json:"rating"`
	ReviewCount     int       `json:"review_count"`
	ActiveJobs      int       `json:"active_jobs"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Review struct {
	ID               string    `json:"id"`
	ServiceRequestID string    `json:"service_request_id"`
	ClientID         string    `json:"client_id"`
	TechnicianID     string    `json:"technician_id"`
	Rating           int       `json:"rating"`
	Comment          *string   `json:"comment,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type PriceMode string

const (
	PriceFixed PriceMode = "fixed"
	PriceQuote PriceMode = "quote"
)

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Service struct {
	ID         string    `json:"id"`
	CategoryID string    `json:"category_id"`
	Name       string    `json:"name"`
	PriceMode  PriceMode `json:"price_mode"`
	BasePrice  int64     `json:"base_price"`
	MinPrice   int64     `json:"min_price"`
	MaxPrice   int64     `json:"max_price"`
}

type Specialty struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
}

// PresenceUpdate is emitted by technician apps when they go on/offline or move.
type PresenceUpdate struct {
	TechnicianID string    `json:"technician_id"`
	Online       bool      `json:"online"`
	Loc          *Coord    `json:"loc,omitempty"`
	Updated      time.Time `json:"updated"`
}

// RequestChange is one row change pushed on the change feed.
type RequestChange struct {
	RequestID    string      `json:"request_id"`
	ClientID     string      `json:"client_id"`
	TechnicianID *string     `json:"technician_id,omitempty"`
	Status       Status      `json:"status"`
	QuoteStatus  QuoteStatus `json:"quote_status,omitempty"`
	TotalPrice   int64       `json:"total_price"`
	ChangedAt    time.Time   `json:"changed_at"`
}

// ChangeOf builds the change-feed record for r.
func ChangeOf(r *ServiceRequest, at time.Time) RequestChange {
	return RequestChange{
		RequestID:    r.ID,
		ClientID:     r.ClientID,
		TechnicianID: cloneString(r.TechnicianID),
		Status:       r.Status,
		QuoteStatus:  r.QuoteStatus,
		TotalPrice:   r.TotalPrice,
		ChangedAt:    at,
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
