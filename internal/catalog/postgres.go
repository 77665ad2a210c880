package catalog

import (
	"context"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/example/service-dispatch/internal/models"
)

type serviceRow struct {
	ID         string `db:"id"`
	CategoryID string `db:"category_id"`
	Name       string `db:"name"`
	PriceMode  string `db:"price_mode"`
	BasePrice  int64  `db:"base_price"`
	MinPrice   int64  `db:"min_price"`
	MaxPrice   int64  `db:"max_price"`
}

// LoadPostgres reads the catalog tables once. The catalog is static for the engine's lifetime.
func LoadPostgres(ctx context.Context, db *sqlx.DB) (*Memory, error) {
	m := NewMemory()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "name").From("categories")
	q, args := sb.Build()
	var cats []models.Category
	if err := sqlx.SelectContext(ctx, db, &cats, q, args...); err != nil {
		return nil, errors.Wrap(err, "load categories")
	}
	for _, c := range cats {
		m.AddCategory(c)
	}

	sb = sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "category_id", "name", "price_mode", "base_price", "min_price", "max_price").From("services")
	q, args = sb.Build()
	var svcs []serviceRow
	if err := sqlx.SelectContext(ctx, db, &svcs, q, args...); err != nil {
		return nil, errors.Wrap(err, "load services")
	}
	for _, s := range svcs {
		m.AddService(models.Service{
			ID:         s.ID,
			CategoryID: s.CategoryID,
			Name:       s.Name,
			PriceMode:  models.PriceMode(s.PriceMode),
			BasePrice:  s.BasePrice,
			MinPrice:   s.MinPrice,
			MaxPrice:   s.MaxPrice,
		})
	}

	sb = sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "name", "category_id").From("specialties")
	q, args = sb.Build()
	var specs []struct {
		ID         string `db:"id"`
		Name       string `db:"name"`
		CategoryID string `db:"category_id"`
	}
	if err := sqlx.SelectContext(ctx, db, &specs, q, args...); err != nil {
		return nil, errors.Wrap(err, "load specialties")
	}
	for _, s := range specs {
		m.AddSpecialty(models.Specialty{ID: s.ID, Name: s.Name, CategoryID: s.CategoryID})
	}
	return m, nil
}
