package catalog

import "github.com/example/service-dispatch/internal/models"

// Seed returns a small starter catalog for running without Postgres.
func Seed() *Memory {
	m := NewMemory()
	entries := []struct {
		category  models.Category
		service   models.Service
		specialty string
	}{
		{
			models.Category{ID: "plumbing", Name: "Plumbing"},
			models.Service{ID: "svc-pipe-repair", Name: "Pipe Repair", PriceMode: models.PriceFixed, BasePrice: 10000},
			"Plumber",
		},
		{
			models.Category{ID: "electrical", Name: "Electrical"},
			models.Service{ID: "svc-wiring", Name: "Electrical Wiring", PriceMode: models.PriceFixed, BasePrice: 12000},
			"Electrician",
		},
		{
			models.Category{ID: "renovation", Name: "Renovation"},
			models.Service{ID: "svc-kitchen", Name: "Kitchen Renovation", PriceMode: models.PriceQuote, BasePrice: 5000, MinPrice: 50000, MaxPrice: 500000},
			"Carpenter",
		},
	}
	for _, e := range entries {
		m.AddCategory(e.category)
		e.service.CategoryID = e.category.ID
		m.AddService(e.service)
		m.AddSpecialty(models.Specialty{ID: "spec-" + e.category.ID, Name: e.specialty, CategoryID: e.category.ID})
	}
	return m
}
