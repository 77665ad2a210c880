package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/service-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConditionFailed means a conditional write matched zero rows.
	ErrConditionFailed = errors.New("condition failed")
	// ErrActiveJobExists means the write would give a technician a second active job.
	ErrActiveJobExists = errors.New("technician already has an active job")
	ErrDuplicate       = errors.New("duplicate")
)

// RequestStore is the authoritative record of requests, reviews and technician profiles.
// All lifecycle transitions go through UpdateRequest so each one is a single conditional write.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	// ListPending returns pending rows, newest first.
	ListPending(ctx context.Context) ([]*models.ServiceRequest, error)
	ListByClient(ctx context.Context, clientID string) ([]*models.ServiceRequest, error)
	ListByTechnician(ctx context.Context, technicianID string) ([]*models.ServiceRequest, error)
	// CountActive counts rows owned by technicianID in accepted or in_progress.
	CountActive(ctx context.Context, technicianID string) (int, error)
	// UpdateRequest applies p only if cond holds on the row, returning the updated row.
	UpdateRequest(ctx context.Context, id string, cond Condition, p Patch) (*models.ServiceRequest, error)

	// InsertReview stores rv unless a review for the same request exists; it reports whether
	// a row was inserted.
	InsertReview(ctx context.Context, rv models.Review) (bool, error)
	TechnicianRatings(ctx context.Context, technicianID string) ([]int, error)

	UpsertTechnician(ctx context.Context, t models.Technician) error
	GetTechnician(ctx context.Context, id string) (*models.Technician, error)
	ListTechnicians(ctx context.Context) ([]models.Technician, error)
	UpdateTechnicianRating(ctx context.Context, id string, rating float64, count int) error
	// LockTechnician serialises writers of the technician's aggregate inside Atomic.
	LockTechnician(ctx context.Context, id string) error

	// Atomic runs fn against a store whose writes all commit together or not at all.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx RequestStore) error) error
}

type memState struct {
	requests    map[string]*models.ServiceRequest
	order       []string
	reviews     map[string]models.Review // keyed by service request id
	technicians map[string]models.Technician
}

func newMemState() *memState {
	return &memState{
		requests:    make(map[string]*models.ServiceRequest),
		reviews:     make(map[string]models.Review),
		technicians: make(map[string]models.Technician),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, r := range s.requests {
		c.requests[id] = r.Clone()
	}
	c.order = append([]string(nil), s.order...)
	for k, v := range s.reviews {
		c.reviews[k] = v
	}
	for k, v := range s.technicians {
		v.Specialties = append([]string(nil), v.Specialties...)
		c.technicians[k] = v
	}
	return c
}

// MemoryStore keeps everything in process memory. A single lock serializes writes, which gives
// conditional writes the same all-or-nothing behaviour as the Postgres store.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.requests[r.ID]; ok {
		return ErrDuplicate
	}
	m.st.requests[r.ID] = r.Clone()
	m.st.order = append(m.st.order, r.ID)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.st.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*models.ServiceRequest, error) {
	return m.list(func(r *models.ServiceRequest) bool { return r.Status == models.StatusPending }), nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string) ([]*models.ServiceRequest, error) {
	return m.list(func(r *models.ServiceRequest) bool { return r.ClientID == clientID }), nil
}

func (m *MemoryStore) ListByTechnician(_ context.Context, technicianID string) ([]*models.ServiceRequest, error) {
	return m.list(func(r *models.ServiceRequest) bool { return r.AssignedTo(technicianID) }), nil
}

// list walks rows newest first.
func (m *MemoryStore) list(keep func(*models.ServiceRequest) bool) []*models.ServiceRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ServiceRequest, 0)
	for i := len(m.st.order) - 1; i >= 0; i-- {
		r := m.st.requests[m.st.order[i]]
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (m *MemoryStore) CountActive(_ context.Context, technicianID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(technicianID, ""), nil
}

func (m *MemoryStore) countActiveLocked(technicianID, exceptID string) int {
	n := 0
	for id, r := range m.st.requests {
		if id != exceptID && r.AssignedTo(technicianID) && r.Status.Active() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) UpdateRequest(_ context.Context, id string, cond Condition, p Patch) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !cond.matches(r) {
		return nil, ErrConditionFailed
	}
	next := r.Clone()
	p.apply(next)
	// mirrors the partial unique index on (technician_id) for active statuses
	if next.Status.Active() && next.TechnicianID != nil && !r.Status.Active() {
		if m.countActiveLocked(*next.TechnicianID, id) > 0 {
			return nil, ErrActiveJobExists
		}
	}
	m.st.requests[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) InsertReview(_ context.Context, rv models.Review) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.reviews[rv.ServiceRequestID]; ok {
		return false, nil
	}
	m.st.reviews[rv.ServiceRequestID] = rv
	return true, nil
}

func (m *MemoryStore) TechnicianRatings(_ context.Context, technicianID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reviews := make([]models.Review, 0)
	for _, rv := range m.st.reviews {
		if rv.TechnicianID == technicianID {
			reviews = append(reviews, rv)
		}
	}
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].CreatedAt.Before(reviews[j].CreatedAt) })
	out := make([]int, len(reviews))
	for i, rv := range reviews {
		out[i] = rv.Rating
	}
	return out, nil
}

func (m *MemoryStore) UpsertTechnician(_ context.Context, t models.Technician) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Specialties = append([]string(nil), t.Specialties...)
	m.st.technicians[t.UserID] = t
	return nil
}

func (m *MemoryStore) GetTechnician(_ context.Context, id string) (*models.Technician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.st.technicians[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Specialties = append([]string(nil), t.Specialties...)
	return &t, nil
}

func (m *MemoryStore) ListTechnicians(_ context.Context) ([]models.Technician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Technician, 0, len(m.st.technicians))
	for _, t := range m.st.technicians {
		t.Specialties = append([]string(nil), t.Specialties...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) UpdateTechnicianRating(_ context.Context, id string, rating float64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.st.technicians[id]
	if !ok {
		return ErrNotFound
	}
	t.Rating = rating
	t.ReviewCount = count
	m.st.technicians[id] = t
	return nil
}

// LockTechnician only checks existence; Atomic already holds the store lock.
func (m *MemoryStore) LockTechnician(_ context.Context, id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.st.technicians[id]; !ok {
		return ErrNotFound
	}
	return nil
}

// Atomic runs fn on a private copy of the state and swaps it in only when fn succeeds.
// Other callers block for the duration.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx RequestStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	child := &MemoryStore{st: m.st.clone()}
	if err := fn(ctx, child); err != nil {
		return err
	}
	m.st = child.st
	return nil
}
