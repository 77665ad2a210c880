package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/example/service-dispatch/internal/models"
)

var (
	ErrCategoryNotFound = errors.New("category not found")
	ErrServiceNotFound  = errors.New("no service for category")
)

// Catalog is read-only reference data consulted by the engine.
type Catalog interface {
	Category(ctx context.Context, id string) (models.Category, error)
	ServiceForCategory(ctx context.Context, categoryID string) (models.Service, error)
	Specialties(ctx context.Context) ([]models.Specialty, error)
}

// Memory serves the catalog from maps. It is also the cache the Postgres loader fills.
type Memory struct {
	mu          sync.RWMutex
	categories  map[string]models.Category
	services    map[string]models.Service // keyed by category id
	specialties []models.Specialty
}

func NewMemory() *Memory {
	return &Memory{
		categories: make(map[string]models.Category),
		services:   make(map[string]models.Service),
	}
}

func (m *Memory) AddCategory(c models.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID] = c
}

// AddService registers the service offered under its category. A category carries one service.
func (m *Memory) AddService(s models.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.CategoryID] = s
}

func (m *Memory) AddSpecialty(s models.Specialty) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specialties = append(m.specialties, s)
}

func (m *Memory) Category(_ context.Context, id string) (models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return models.Category{}, ErrCategoryNotFound
	}
	return c, nil
}

func (m *Memory) ServiceForCategory(_ context.Context, categoryID string) (models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[categoryID]
	if !ok {
		return models.Service{}, ErrServiceNotFound
	}
	return s, nil
}

func (m *Memory) Specialties(_ context.Context) ([]models.Specialty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Specialty(nil), m.specialties...), nil
}

// CategoriesForTags maps free-text technician tags onto catalog category ids.
// A tag matches a specialty whose name is equal ignoring case; the result is deduplicated
// and keeps first-seen order.
func CategoriesForTags(specialties []models.Specialty, tags []string) []string {
	byName := make(map[string][]string, len(specialties))
	for _, s := range specialties {
		k := strings.ToLower(strings.TrimSpace(s.Name))
		byName[k] = append(byName[k], s.CategoryID)
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		for _, id := range byName[strings.ToLower(strings.TrimSpace(tag))] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
