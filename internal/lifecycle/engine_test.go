package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/catalog"
	"github.com/example/service-dispatch/internal/directory"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/storage"
	"github.com/example/service-dispatch/internal/wallet"
)

const (
	catFixed = "plumbing"
	catQuote = "renovation"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []dispatch.Notification
}

func (r *recordingNotifier) Enqueue(n dispatch.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return true
}

func (r *recordingNotifier) kinds(recipient string) []dispatch.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Kind, 0)
	for _, n := range r.got {
		if n.Recipient == recipient {
			out = append(out, n.Kind)
		}
	}
	return out
}

type recordingFeed struct {
	mu      sync.Mutex
	changes []models.RequestChange
}

func (f *recordingFeed) Publish(_ context.Context, c models.RequestChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
	return nil
}

type harness struct {
	engine   *Engine
	deps     Deps
	store    *storage.MemoryStore
	dir      *directory.Service
	ledger   *wallet.StaticLedger
	notifier *recordingNotifier
	feed     *recordingFeed
	fee      *StaticFee
}

type feeFunc struct{ h *harness }

func (f feeFunc) CancellationFee(ctx context.Context) (int64, error) {
	return f.h.fee.CancellationFee(ctx)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat := catalog.NewMemory()
	cat.AddCategory(models.Category{ID: catFixed, Name: "Plumbing"})
	cat.AddCategory(models.Category{ID: catQuote, Name: "Renovation"})
	cat.AddService(models.Service{ID: "svc-pipe", CategoryID: catFixed, Name: "Pipe Repair", PriceMode: models.PriceFixed, BasePrice: 10000})
	cat.AddService(models.Service{ID: "svc-reno", CategoryID: catQuote, Name: "Kitchen Renovation", PriceMode: models.PriceQuote, BasePrice: 5000})
	cat.AddSpecialty(models.Specialty{ID: "sp1", Name: "Plumber", CategoryID: catFixed})

	store := storage.NewMemoryStore()
	ledger := wallet.NewStaticLedger()
	dir := directory.New(store, directory.NewMemoryPresence(), ledger, nil)
	router := matcher.NewRouter(cat, dir, store, nil, nil)

	fee := StaticFee(DefaultCancellationFee)
	h := &harness{
		store:    store,
		dir:      dir,
		ledger:   ledger,
		notifier: &recordingNotifier{},
		feed:     &recordingFeed{},
		fee:      &fee,
	}
	h.deps = Deps{
		Store:     store,
		Catalog:   cat,
		Directory: dir,
		Router:    router,
		Notifier:  h.notifier,
		Changes:   h.feed,
		Fees:      feeFunc{h: h},
		NewCode:   func() (string, error) { return "4321", nil },
	}
	h.engine = New(h.deps)
	return h
}

func (h *harness) technician(t *testing.T, id string, specialties ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.dir.Register(ctx, models.Technician{UserID: id, Specialties: specialties}))
	require.NoError(t, h.dir.SetPresence(ctx, models.PresenceUpdate{TechnicianID: id, Online: true}))
}

func (h *harness) create(t *testing.T, category string, urgency models.Urgency) *models.ServiceRequest {
	t.Helper()
	r, err := h.engine.CreateRequest(context.Background(), CreateInput{
		ClientID:    "client-1",
		CategoryID:  category,
		Description: "leaking sink",
		Address:     "1 Main St",
		Urgency:     urgency,
	})
	require.NoError(t, err)
	return r
}

// inProgress creates a fixed-price request and drives it to in_progress with tech.
func (h *harness) inProgress(t *testing.T, tech string, urgency models.Urgency) *models.ServiceRequest {
	t.Helper()
	ctx := context.Background()
	r := h.create(t, catFixed, urgency)
	_, err := h.engine.Accept(ctx, tech, r.ID)
	require.NoError(t, err)
	r, err = h.engine.Start(ctx, tech, r.ID)
	require.NoError(t, err)
	return r
}

func TestCreateRequest_Pricing(t *testing.T) {
	h := newHarness(t)
	normal := h.create(t, catFixed, models.UrgencyNormal)
	assert.Equal(t, int64(10000), normal.TotalPrice)
	assert.Equal(t, models.StatusPending, normal.Status)
	assert.Nil(t, normal.TechnicianID)
	assert.Equal(t, "4321", normal.CompletionCode)
	assert.Equal(t, "svc-pipe", normal.ServiceID)

	urgent := h.create(t, catFixed, models.UrgencyUrgent)
	assert.Equal(t, int64(12000), urgent.TotalPrice)
}

func TestCreateRequest_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	date := "2026-05-01"
	badTime := "25:99"
	lat := 91.0
	ghost := "ghost"

	cases := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing client", CreateInput{CategoryID: catFixed, Description: "d", Address: "a"}, "client_id"},
		{"missing address", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "  "}, "address"},
		{"bad urgency", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "a", Urgency: "asap"}, "urgency"},
		{"scheduled without time", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "a", SchedulingType: models.SchedulingScheduled, ScheduledDate: &date}, "scheduled_time"},
		{"now with date", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "a", ScheduledDate: &date}, "scheduled_date"},
		{"bad time format", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "a", SchedulingType: models.SchedulingScheduled, ScheduledDate: &date, ScheduledTime: &badTime}, "scheduled_time"},
		{"latitude out of range", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "a", Latitude: &lat}, "latitude"},
		{"unknown category", CreateInput{ClientID: "c", CategoryID: "nope", Description: "d", Address: "a"}, "category_id"},
		{"unknown technician", CreateInput{ClientID: "c", CategoryID: catFixed, Description: "d", Address: "a", TechnicianID: &ghost}, "technician_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.CreateRequest(ctx, tc.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tc.field)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}

	rows, _ := h.store.ListPending(ctx)
	assert.Empty(t, rows)
}

func TestCreateRequest_FanOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "generalist")
	h.technician(t, "piper", "pipe repairs")
	h.technician(t, "painter", "painting")
	h.technician(t, "broke")
	h.ledger.SetBalance("broke", 0)

	r := h.create(t, catFixed, models.UrgencyNormal)
	assert.Equal(t, []dispatch.Kind{dispatch.KindNewRequest}, h.notifier.kinds("generalist"))
	assert.Equal(t, []dispatch.Kind{dispatch.KindNewRequest}, h.notifier.kinds("piper"))
	assert.Empty(t, h.notifier.kinds("painter"))
	assert.Empty(t, h.notifier.kinds("broke"))
	require.Len(t, h.feed.changes, 1)
	assert.Equal(t, r.ID, h.feed.changes[0].RequestID)

	addressee := "painter"
	direct, err := h.engine.CreateRequest(ctx, CreateInput{
		ClientID: "client-1", CategoryID: catFixed, Description: "d", Address: "a", TechnicianID: &addressee,
	})
	require.NoError(t, err)
	require.NotNil(t, direct.TechnicianID)
	assert.Equal(t, []dispatch.Kind{dispatch.KindNewRequest}, h.notifier.kinds("painter"))
}

func TestAccept_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 8
	techs := make([]string, n)
	for i := range techs {
		techs[i] = "tech-" + string(rune('a'+i))
		h.technician(t, techs[i])
	}
	r := h.create(t, catFixed, models.UrgencyNormal)

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := range techs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Accept(ctx, techs[i], r.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyTaken)
	}
	assert.Equal(t, 1, winners)

	got, err := h.engine.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	require.NotNil(t, got.TechnicianID)
	assert.NotNil(t, got.AcceptedAt)
}

func TestAccept_ExclusivityGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	first := h.create(t, catFixed, models.UrgencyNormal)
	second := h.create(t, catFixed, models.UrgencyNormal)

	_, err := h.engine.Accept(ctx, "t1", first.ID)
	require.NoError(t, err)

	_, err = h.engine.Accept(ctx, "t1", second.ID)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, KindConflict, KindOf(err))

	got, _ := h.engine.GetRequest(ctx, second.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.TechnicianID)

	active, err := h.engine.ActiveJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
}

func TestAccept_Gating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	h.technician(t, "t2")
	h.ledger.SetBalance("t2", -5)

	r := h.create(t, catFixed, models.UrgencyNormal)
	_, err := h.engine.Accept(ctx, "t2", r.ID)
	assert.ErrorIs(t, err, ErrWalletBlocked)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = h.engine.Accept(ctx, "stranger", r.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.engine.Accept(ctx, "t1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccept_DirectRequestOnlyByAddressee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	h.technician(t, "t2")
	addressee := "t1"
	r, err := h.engine.CreateRequest(ctx, CreateInput{
		ClientID: "client-1", CategoryID: catFixed, Description: "d", Address: "a", TechnicianID: &addressee,
	})
	require.NoError(t, err)

	_, err = h.engine.Accept(ctx, "t2", r.ID)
	assert.ErrorIs(t, err, ErrAlreadyTaken)

	got, err := h.engine.Accept(ctx, "t1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestQuoteFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	r := h.create(t, catQuote, models.UrgencyNormal)

	got, err := h.engine.SendQuote(ctx, "t1", r.ID, QuoteInput{Amount: 8000, Description: "materials included"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, models.QuoteSent, got.QuoteStatus)
	assert.Equal(t, int64(8000), got.TotalPrice)
	require.NotNil(t, got.TechnicianID)
	assert.Equal(t, "t1", *got.TechnicianID)
	firstSent := *got.QuoteSentAt

	_, err = h.engine.SendQuote(ctx, "t1", r.ID, QuoteInput{Amount: 8500})
	assert.ErrorIs(t, err, ErrInvalidTransition, "re-quote needs a rejection first")

	_, err = h.engine.Start(ctx, "t1", r.ID)
	assert.ErrorIs(t, err, ErrQuoteAwaitingApproval)

	_, err = h.engine.RejectQuote(ctx, "someone-else", r.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err = h.engine.RejectQuote(ctx, "client-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QuoteRejected, got.QuoteStatus)
	assert.Equal(t, models.StatusAccepted, got.Status)

	_, err = h.engine.ApproveQuote(ctx, "client-1", r.ID)
	assert.ErrorIs(t, err, ErrQuoteNotPending)

	_, err = h.engine.Start(ctx, "t1", r.ID)
	assert.ErrorIs(t, err, ErrQuoteAwaitingApproval)

	got, err = h.engine.SendQuote(ctx, "t1", r.ID, QuoteInput{Amount: 9000})
	require.NoError(t, err)
	assert.Equal(t, models.QuoteSent, got.QuoteStatus)
	assert.Equal(t, int64(9000), got.TotalPrice)
	assert.Equal(t, "t1", *got.TechnicianID)
	assert.True(t, got.QuoteSentAt.Equal(firstSent))

	got, err = h.engine.ApproveQuote(ctx, "client-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QuoteApproved, got.QuoteStatus)
	assert.NotNil(t, got.QuoteApprovedAt)

	_, err = h.engine.SendQuote(ctx, "t1", r.ID, QuoteInput{Amount: 9500})
	assert.ErrorIs(t, err, ErrInvalidTransition, "approved is final")

	_, err = h.engine.Start(ctx, "t1", r.ID)
	require.NoError(t, err)

	got, err = h.engine.Complete(ctx, models.Actor{ID: "t1", Role: models.RoleTechnician}, r.ID, CompleteInput{
		Code:   "4321",
		Extras: []models.Extra{{Name: "tiles", Price: 500}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9500), got.TotalPrice)

	assert.Equal(t, []dispatch.Kind{
		dispatch.KindQuoteSent, dispatch.KindQuoteSent, dispatch.KindStarted, dispatch.KindCompleted,
	}, h.notifier.kinds("client-1"))
	assert.Equal(t, []dispatch.Kind{
		dispatch.KindNewRequest, dispatch.KindQuoteRejected, dispatch.KindQuoteApproved,
	}, h.notifier.kinds("t1"))
}

func TestSendQuote_FixedPriceRejected(t *testing.T) {
	h := newHarness(t)
	h.technician(t, "t1")
	r := h.create(t, catFixed, models.UrgencyNormal)
	_, err := h.engine.SendQuote(context.Background(), "t1", r.ID, QuoteInput{Amount: 100})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = h.engine.SendQuote(context.Background(), "t1", r.ID, QuoteInput{Amount: 0})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestSendQuote_RespectsExclusivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	busy := h.create(t, catFixed, models.UrgencyNormal)
	_, err := h.engine.Accept(ctx, "t1", busy.ID)
	require.NoError(t, err)

	r := h.create(t, catQuote, models.UrgencyNormal)
	_, err = h.engine.SendQuote(ctx, "t1", r.ID, QuoteInput{Amount: 100})
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("urgent with extra", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyUrgent)
		assert.Equal(t, int64(12000), r.TotalPrice)

		got, err := h.engine.Complete(ctx, models.Actor{ID: "t1", Role: models.RoleTechnician}, r.ID, CompleteInput{
			Code:   "4321",
			Extras: []models.Extra{{Name: "valve", Price: 1500}},
			Photos: []string{"https://cdn.example/p1.jpg"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, int64(13500), got.TotalPrice)
		assert.Equal(t, []string{"https://cdn.example/p1.jpg"}, got.CompletionPhotos)
		assert.NotNil(t, got.CompletedAt)
		assert.Contains(t, h.notifier.kinds("client-1"), dispatch.KindCompleted)
	})

	t.Run("wrong code changes nothing", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)

		_, err := h.engine.Complete(ctx, models.Actor{ID: "t1", Role: models.RoleTechnician}, r.ID, CompleteInput{
			Code:   "0000",
			Extras: []models.Extra{{Name: "valve", Price: 1500}},
		})
		assert.ErrorIs(t, err, ErrInvalidCode)
		assert.Equal(t, KindInvalidCode, KindOf(err))

		got, _ := h.engine.GetRequest(ctx, r.ID)
		assert.Equal(t, models.StatusInProgress, got.Status)
		assert.Empty(t, got.Extras)
		assert.Equal(t, int64(10000), got.TotalPrice)
	})

	t.Run("missing code is validation", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		_, err := h.engine.Complete(ctx, models.Actor{ID: "t1", Role: models.RoleTechnician}, r.ID, CompleteInput{})
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("client may complete", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		got, err := h.engine.Complete(ctx, models.Actor{ID: "client-1", Role: models.RoleClient}, r.ID, CompleteInput{Code: "4321"})
		require.NoError(t, err)
		assert.Equal(t, int64(10000), got.TotalPrice)
	})

	t.Run("outsider forbidden", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		_, err := h.engine.Complete(ctx, models.Actor{ID: "t9", Role: models.RoleTechnician}, r.ID, CompleteInput{Code: "4321"})
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestTransitions_OnlyForward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	tech := models.Actor{ID: "t1", Role: models.RoleTechnician}
	r := h.create(t, catFixed, models.UrgencyNormal)

	_, err := h.engine.Start(ctx, "t1", r.ID)
	assert.ErrorIs(t, err, ErrForbidden, "pending request has no technician yet")

	_, err = h.engine.Complete(ctx, models.Actor{ID: "client-1", Role: models.RoleClient}, r.ID, CompleteInput{Code: "4321"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.Accept(ctx, "t1", r.ID)
	require.NoError(t, err)
	_, err = h.engine.Accept(ctx, "t1", r.ID)
	assert.Error(t, err)

	_, err = h.engine.Complete(ctx, tech, r.ID, CompleteInput{Code: "4321"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.Start(ctx, "t1", r.ID)
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, "t1", r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.Complete(ctx, tech, r.ID, CompleteInput{Code: "4321"})
	require.NoError(t, err)

	_, _, err = h.engine.Cancel(ctx, tech, r.ID, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel_Fees(t *testing.T) {
	ctx := context.Background()
	client := models.Actor{ID: "client-1", Role: models.RoleClient}
	tech := models.Actor{ID: "t1", Role: models.RoleTechnician}

	t.Run("client while in progress pays", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		got, fee, err := h.engine.Cancel(ctx, client, r.ID, "too slow")
		require.NoError(t, err)
		assert.Equal(t, int64(2000), fee)
		assert.Equal(t, int64(2000), got.CancellationFee)
		assert.Equal(t, models.StatusCancelled, got.Status)
		require.NotNil(t, got.CancelledBy)
		assert.Equal(t, models.RoleClient, *got.CancelledBy)
		assert.Contains(t, h.notifier.kinds("t1"), dispatch.KindCancelled)
	})

	t.Run("fee read at cancellation time", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		*h.fee = 3500
		_, fee, err := h.engine.Cancel(ctx, client, r.ID, "too slow")
		require.NoError(t, err)
		assert.Equal(t, int64(3500), fee)
	})

	t.Run("client while pending is free", func(t *testing.T) {
		h := newHarness(t)
		r := h.create(t, catFixed, models.UrgencyNormal)
		got, fee, err := h.engine.Cancel(ctx, client, r.ID, "not needed")
		require.NoError(t, err)
		assert.Zero(t, fee)
		assert.Zero(t, got.CancellationFee)
	})

	t.Run("client while accepted is free", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.create(t, catFixed, models.UrgencyNormal)
		_, err := h.engine.Accept(ctx, "t1", r.ID)
		require.NoError(t, err)
		_, fee, err := h.engine.Cancel(ctx, client, r.ID, "found someone")
		require.NoError(t, err)
		assert.Zero(t, fee)
	})

	t.Run("technician never pays", func(t *testing.T) {
		h := newHarness(t)
		h.technician(t, "t1")
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		_, fee, err := h.engine.Cancel(ctx, tech, r.ID, "emergency")
		require.NoError(t, err)
		assert.Zero(t, fee)
		assert.Contains(t, h.notifier.kinds("client-1"), dispatch.KindCancelled)

		// the technician is free for new work afterwards
		next := h.create(t, catFixed, models.UrgencyNormal)
		_, err = h.engine.Accept(ctx, "t1", next.ID)
		require.NoError(t, err)
	})

	t.Run("reason required", func(t *testing.T) {
		h := newHarness(t)
		r := h.create(t, catFixed, models.UrgencyNormal)
		_, _, err := h.engine.Cancel(ctx, client, r.ID, "  ")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("outsiders cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		r := h.create(t, catFixed, models.UrgencyNormal)
		_, _, err := h.engine.Cancel(ctx, tech, r.ID, "spam")
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestRate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	client := models.Actor{ID: "client-1", Role: models.RoleClient}

	complete := func() *models.ServiceRequest {
		r := h.inProgress(t, "t1", models.UrgencyNormal)
		r, err := h.engine.Complete(ctx, client, r.ID, CompleteInput{Code: "4321"})
		require.NoError(t, err)
		return r
	}

	first := complete()
	pending := h.create(t, catFixed, models.UrgencyNormal)
	_, err := h.engine.Rate(ctx, "client-1", pending.ID, RateInput{Rating: 5})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.Rate(ctx, "client-1", first.ID, RateInput{Rating: 6})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = h.engine.Rate(ctx, "intruder", first.ID, RateInput{Rating: 5})
	assert.ErrorIs(t, err, ErrForbidden)

	feedback := "great work"
	got, err := h.engine.Rate(ctx, "client-1", first.ID, RateInput{Rating: 5, Feedback: &feedback})
	require.NoError(t, err)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 5, *got.Rating)

	_, err = h.engine.Rate(ctx, "client-1", first.ID, RateInput{Rating: 1})
	assert.ErrorIs(t, err, ErrAlreadyRated)

	_, _, err = h.engine.Cancel(ctx, client, pending.ID, "no longer needed")
	require.NoError(t, err)

	second := complete()
	_, err = h.engine.Rate(ctx, "client-1", second.ID, RateInput{Rating: 4})
	require.NoError(t, err)
	third := complete()
	_, err = h.engine.Rate(ctx, "client-1", third.ID, RateInput{Rating: 4})
	require.NoError(t, err)

	ratings, _ := h.store.TechnicianRatings(ctx, "t1")
	assert.Len(t, ratings, 3)
	tech, err := h.dir.Technician(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, tech.ReviewCount)
	assert.Equal(t, 4.33, tech.Rating)
	assert.Contains(t, h.notifier.kinds("t1"), dispatch.KindRatingReceived)
}

func TestRate_ConcurrentSubmissionsCountOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	r := h.inProgress(t, "t1", models.UrgencyNormal)
	_, err := h.engine.Complete(ctx, models.Actor{ID: "t1", Role: models.RoleTechnician}, r.ID, CompleteInput{Code: "4321"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Rate(ctx, "client-1", r.ID, RateInput{Rating: 3})
		}()
	}
	wg.Wait()

	ratings, _ := h.store.TechnicianRatings(ctx, "t1")
	assert.Equal(t, []int{3}, ratings)
	tech, _ := h.dir.Technician(ctx, "t1")
	assert.Equal(t, 1, tech.ReviewCount)
	assert.Equal(t, 3.0, tech.Rating)
}

func TestListVisibleRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "generalist")
	h.technician(t, "plumber", "plumber")
	plumb := h.create(t, catFixed, models.UrgencyNormal)
	reno := h.create(t, catQuote, models.UrgencyNormal)

	all, err := h.engine.ListVisibleRequests(ctx, "generalist")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, reno.ID, all[0].ID)

	own, err := h.engine.ListVisibleRequests(ctx, "plumber")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, plumb.ID, own[0].ID)

	_, err = h.engine.ListVisibleRequests(ctx, "nobody")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAverage(t *testing.T) {
	assert.Equal(t, 0.0, Average(nil))
	assert.Equal(t, 4.33, Average([]int{5, 4, 4}))
	assert.Equal(t, 4.67, Average([]int{5, 5, 4}))
	assert.Equal(t, 2.5, Average([]int{2, 3}))
}

func TestCompletionCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := completionCode()
		require.NoError(t, err)
		assert.Len(t, code, 4)
		assert.Regexp(t, `^\d{4}$`, code)
	}
}

func TestNotificationFailureDoesNotUndoTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.technician(t, "t1")
	h.engine.notifier = dispatch.NewOutbox(failingSink{}, 1, nil)
	r := h.create(t, catFixed, models.UrgencyNormal)

	got, err := h.engine.Accept(ctx, "t1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

type failingSink struct{}

func (failingSink) Deliver(context.Context, dispatch.Notification) error {
	return assert.AnError
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(ErrAlreadyTaken))
	assert.Equal(t, KindConflict, KindOf(ErrQuoteAwaitingApproval))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
	assert.Equal(t, "validation", KindValidation.String())
}
