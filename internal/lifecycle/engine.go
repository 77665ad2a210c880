// Package lifecycle is the request dispatch and lifecycle engine. Every command is one
// conditional write against the request store; notifications and change events are emitted
// only after that write commits, and their failure never undoes it.
package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/catalog"
	"github.com/example/service-dispatch/internal/directory"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/pricing"
	"github.com/example/service-dispatch/internal/storage"
)

// Notifier queues a notification for asynchronous delivery.
type Notifier interface {
	Enqueue(n dispatch.Notification) bool
}

// Router answers visibility and fan-out questions.
type Router interface {
	ListVisible(ctx context.Context, technicianID string) ([]*models.ServiceRequest, error)
	Recipients(ctx context.Context, r *models.ServiceRequest, serviceName string) ([]string, error)
}

type Deps struct {
	Store     storage.RequestStore
	Catalog   catalog.Catalog
	Directory directory.Directory
	Router    Router
	Notifier  Notifier
	Changes   ingest.Publisher
	Fees      FeeSource
	Pricing   pricing.Calculator
	Log       *zap.Logger

	// Optional overrides, mostly for tests.
	Now      func() time.Time
	NewID    func() string
	NewCode  func() (string, error)
	Attempts int
}

type Engine struct {
	store    storage.RequestStore
	catalog  catalog.Catalog
	dir      directory.Directory
	router   Router
	notifier Notifier
	changes  ingest.Publisher
	fees     FeeSource
	pricing  pricing.Calculator
	log      *zap.Logger
	validate *validator.Validate

	now      func() time.Time
	newID    func() string
	newCode  func() (string, error)
	attempts int
}

func New(d Deps) *Engine {
	e := &Engine{
		store:    d.Store,
		catalog:  d.Catalog,
		dir:      d.Directory,
		router:   d.Router,
		notifier: d.Notifier,
		changes:  d.Changes,
		fees:     d.Fees,
		pricing:  d.Pricing,
		log:      d.Log,
		validate: newValidator(),
		now:      d.Now,
		newID:    d.NewID,
		newCode:  d.NewCode,
		attempts: d.Attempts,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.fees == nil {
		e.fees = StaticFee(DefaultCancellationFee)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.newCode == nil {
		e.newCode = completionCode
	}
	if e.attempts <= 0 {
		e.attempts = 3
	}
	return e
}

// completionCode returns a uniformly random 4-digit code.
func completionCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func (e *Engine) load(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// committed runs the post-commit side effects of a transition.
func (e *Engine) committed(ctx context.Context, transition string, r *models.ServiceRequest, notes ...dispatch.Notification) {
	observability.TransitionsTotal.WithLabelValues(transition).Inc()
	e.log.Info("request transition",
		zap.String("transition", transition),
		zap.String("request_id", r.ID),
		zap.String("status", string(r.Status)))
	e.publish(ctx, r)
	for _, n := range notes {
		e.notify(n)
	}
}

func (e *Engine) publish(ctx context.Context, r *models.ServiceRequest) {
	if e.changes == nil {
		return
	}
	if err := e.changes.Publish(ctx, models.ChangeOf(r, e.now())); err != nil {
		e.log.Warn("change publish failed", zap.String("request_id", r.ID), zap.Error(err))
	}
}

func (e *Engine) notify(n dispatch.Notification) {
	if e.notifier == nil || n.Recipient == "" {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}
	if !e.notifier.Enqueue(n) {
		e.log.Warn("notification not queued",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.Recipient),
			zap.String("request_id", n.RequestID))
	}
}

func note(kind dispatch.Kind, recipient string, r *models.ServiceRequest, data map[string]interface{}) dispatch.Notification {
	return dispatch.Notification{Kind: kind, Recipient: recipient, RequestID: r.ID, Data: data}
}

// rejected records a failed command in metrics and passes the error through.
func (e *Engine) rejected(op string, err error) error {
	if KindOf(err) == KindConflict || KindOf(err) == KindInvalidCode {
		observability.ConflictsTotal.WithLabelValues(conflictReason(err)).Inc()
	}
	e.log.Debug("command rejected", zap.String("op", op), zap.Error(err))
	return err
}

// guard enforces the pre-claim checks: the technician exists, is not wallet-blocked and does
// not already hold an active job. The claim itself must still be a conditional write.
func (e *Engine) guard(ctx context.Context, technicianID string) error {
	tech, err := e.dir.Technician(ctx, technicianID)
	if errors.Is(err, directory.ErrUnknownTechnician) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if tech.WalletBlocked {
		return ErrWalletBlocked
	}
	if tech.ActiveJobs > 0 {
		return ErrAlreadyActive
	}
	return nil
}

// claimFailure explains why a pending-conditioned claim by technicianID affected no row.
func (e *Engine) claimFailure(ctx context.Context, id, technicianID string) error {
	r, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case r.AssignedTo(technicianID):
		return ErrInvalidTransition
	case r.Status == models.StatusPending, r.Status.Active(), r.Status == models.StatusCompleted:
		return ErrAlreadyTaken
	default:
		return ErrInvalidTransition
	}
}

func statuses(s ...models.Status) []models.Status { return s }

func ptr[T any](v T) *T { return &v }
