// Package directory merges everything the engine knows about a technician into one view:
// the stored profile, the presence flag, the wallet gate and the active-job count.
package directory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/storage"
	"github.com/example/service-dispatch/internal/wallet"
)

var ErrUnknownTechnician = errors.New("unknown technician")

type Directory interface {
	Technician(ctx context.Context, id string) (*models.Technician, error)
	Technicians(ctx context.Context) ([]models.Technician, error)
	SetPresence(ctx context.Context, u models.PresenceUpdate) error
}

type Service struct {
	Store    storage.RequestStore
	Presence Presence
	Ledger   wallet.Ledger
	Log      *zap.Logger
}

func New(store storage.RequestStore, presence Presence, ledger wallet.Ledger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{Store: store, Presence: presence, Ledger: ledger, Log: log}
}

// Register creates or replaces a technician profile.
func (s *Service) Register(ctx context.Context, t models.Technician) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	return s.Store.UpsertTechnician(ctx, t)
}

func (s *Service) Technician(ctx context.Context, id string) (*models.Technician, error) {
	t, err := s.Store.GetTechnician(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownTechnician
	}
	if err != nil {
		return nil, err
	}
	if err := s.enrich(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) Technicians(ctx context.Context) ([]models.Technician, error) {
	list, err := s.Store.ListTechnicians(ctx)
	if err != nil {
		return nil, err
	}
	// Technicians whose lookups fail are left out of the result.
	out := list[:0]
	for i := range list {
		if err := s.enrich(ctx, &list[i]); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.Log.Warn("skipping technician", zap.String("technician_id", list[i].UserID), zap.Error(err))
			continue
		}
		out = append(out, list[i])
	}
	return out, nil
}

// SetPresence fails for technicians without a profile.
func (s *Service) SetPresence(ctx context.Context, u models.PresenceUpdate) error {
	if _, err := s.Store.GetTechnician(ctx, u.TechnicianID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownTechnician
		}
		return err
	}
	if err := s.Presence.Set(ctx, u); err != nil {
		return err
	}
	if c, ok := s.Presence.(interface{ OnlineCount() int }); ok {
		observability.TechniciansOnline.Set(float64(c.OnlineCount()))
	}
	return nil
}

func (s *Service) enrich(ctx context.Context, t *models.Technician) error {
	online, err := s.Presence.Online(ctx, t.UserID)
	if err != nil {
		// presence is advisory; an unreachable presence store reads as offline
		s.Log.Warn("presence lookup failed", zap.String("technician_id", t.UserID), zap.Error(err))
		online = false
	}
	t.Active = online

	if s.Ledger != nil {
		account := t.WalletAccountID
		if account == "" {
			account = t.UserID
		}
		blocked, err := s.Ledger.Blocked(ctx, account)
		if err != nil {
			return errors.Wrapf(err, "wallet lookup for %s", t.UserID)
		}
		t.WalletBlocked = blocked
	}

	n, err := s.Store.CountActive(ctx, t.UserID)
	if err != nil {
		return err
	}
	t.ActiveJobs = n
	return nil
}
