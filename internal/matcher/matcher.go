// Package matcher decides who sees and who is told about a request.
package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/catalog"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
)

type Directory interface {
	Technician(ctx context.Context, id string) (*models.Technician, error)
	Technicians(ctx context.Context) ([]models.Technician, error)
}

type Router struct {
	Catalog   catalog.Catalog
	Directory Directory
	Store     storage.RequestStore
	Matcher   SpecialtyMatcher
	Log       *zap.Logger
}

func NewRouter(cat catalog.Catalog, dir Directory, store storage.RequestStore, m SpecialtyMatcher, log *zap.Logger) *Router {
	if m == nil {
		m = FuzzyMatcher{Threshold: DefaultThreshold}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{Catalog: cat, Directory: dir, Store: store, Matcher: m, Log: log}
}

// ListVisible returns the pending requests technicianID may pick up, newest first.
// Direct requests addressed to the technician are always included; broadcast requests
// need the technician online and either a generalist or holding a specialty mapped to
// the request's category. Wallet-blocked technicians see nothing.
func (r *Router) ListVisible(ctx context.Context, technicianID string) ([]*models.ServiceRequest, error) {
	tech, err := r.Directory.Technician(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ServiceRequest, 0)
	if tech.WalletBlocked {
		return out, nil
	}

	pending, err := r.Store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	var allowed map[string]bool
	if len(tech.Specialties) > 0 {
		specs, err := r.Catalog.Specialties(ctx)
		if err != nil {
			return nil, err
		}
		allowed = make(map[string]bool)
		for _, id := range catalog.CategoriesForTags(specs, tech.Specialties) {
			allowed[id] = true
		}
	}

	for _, req := range pending {
		switch {
		case req.AssignedTo(technicianID):
			out = append(out, req)
		case !req.Broadcast() || !tech.Active:
		case allowed == nil || allowed[req.CategoryID]:
			out = append(out, req)
		}
	}
	return out, nil
}

// Recipients picks the technicians to notify about a freshly created request.
// A direct request goes to its addressee only. A broadcast request goes to every online,
// unblocked technician that is a generalist or whose tags fuzzily match serviceName.
func (r *Router) Recipients(ctx context.Context, req *models.ServiceRequest, serviceName string) ([]string, error) {
	if !req.Broadcast() {
		return []string{*req.TechnicianID}, nil
	}
	techs, err := r.Directory.Technicians(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, t := range techs {
		if !t.Active || t.WalletBlocked {
			continue
		}
		if len(t.Specialties) == 0 || r.Matcher.MatchSpecialties(serviceName, t.Specialties) {
			out = append(out, t.UserID)
		}
	}
	r.Log.Debug("fan-out recipients",
		zap.String("request_id", req.ID),
		zap.String("service", serviceName),
		zap.Int("count", len(out)))
	return out, nil
}
