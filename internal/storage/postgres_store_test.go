package storage

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func sqlLike(fragments ...string) string {
	out := ""
	for i, f := range fragments {
		if i > 0 {
			out += ".*"
		}
		out += regexp.QuoteMeta(f)
	}
	return out
}

// emptyArray matches a bound TEXT[] argument that encodes as '{}' rather than NULL.
type emptyArray struct{}

func (emptyArray) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && s == "{}"
}

func TestInsertRequestQuery_NilPhotosBindEmptyArray(t *testing.T) {
	q, args := insertRequestQuery(&models.ServiceRequest{ID: "r1", Status: models.StatusPending})
	assert.Contains(t, q, "INSERT INTO service_requests")
	require.Len(t, args, 21)

	photos, ok := args[13].(pq.StringArray)
	require.True(t, ok, "photos bound as %T", args[13])
	v, err := photos.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	extras, err := args[16].(extrasColumn).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), extras)
}

func TestPostgresStore_CreateRequest(t *testing.T) {
	ctx := context.Background()
	r := &models.ServiceRequest{
		ID:             "r1",
		ClientID:       "c1",
		CategoryID:     "plumbing",
		Urgency:        models.UrgencyNormal,
		SchedulingType: models.SchedulingNow,
		Status:         models.StatusPending,
		CompletionCode: "1234",
		CreatedAt:      time.Now(),
	}
	args := make([]driver.Value, 21)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	args[13] = emptyArray{}

	t.Run("nil photos insert as an empty array", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec(sqlLike("INSERT INTO service_requests", "photos")).
			WithArgs(args...).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, p.CreateRequest(ctx, r))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to duplicate", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec(sqlLike("INSERT INTO service_requests")).
			WillReturnError(&pq.Error{Code: "23505"})
		assert.ErrorIs(t, p.CreateRequest(ctx, r), ErrDuplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConditionExprs(t *testing.T) {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("service_requests").Set(ub.Assign("status", "accepted"))
	ub.Where(conditionExprs(ub, "r1", Condition{
		Status:         []models.Status{models.StatusPending, models.StatusAccepted},
		QuoteStatus:    []models.QuoteStatus{models.QuoteNone, models.QuoteRejected},
		ClaimableBy:    "t1",
		CompletionCode: "4321",
		Unrated:        true,
	})...)
	q, args := ub.Build()

	assert.Contains(t, q, "id = $2")
	assert.Contains(t, q, "status IN ($3, $4)")
	assert.Contains(t, q, "(quote_status IS NULL OR quote_status = $5)")
	assert.Contains(t, q, "(technician_id IS NULL OR technician_id = $6)")
	assert.Contains(t, q, "completion_code = $7")
	assert.Contains(t, q, "rating IS NULL")
	assert.Equal(t, []interface{}{"accepted", "r1", "pending", "accepted", "rejected", "t1", "4321"}, args)
}

func TestPatchAssignments(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tech := "t1"
	st := models.StatusAccepted
	none := models.QuoteNone

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("service_requests")
	ub.Set(patchAssignments(ub, Patch{TechnicianID: &tech, Status: &st, QuoteStatus: &none, AcceptedAt: &at, CompletedAt: &at})...)
	ub.Where(ub.Equal("id", "r1"))
	q, args := ub.Build()

	assert.Contains(t, q, "accepted_at = COALESCE(accepted_at, $")
	assert.Contains(t, q, "completed_at = COALESCE(completed_at, $")
	assert.Contains(t, q, "quote_status = $3")
	assert.NotContains(t, q, "started_at")
	assert.Nil(t, args[2], "QuoteNone clears the column")
}

func TestPatchAssignments_EmptyCompletionPhotos(t *testing.T) {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("service_requests")
	ub.Set(patchAssignments(ub, Patch{CompletionPhotos: []string{}})...)
	_, args := ub.Build()
	require.Len(t, args, 1)
	v, err := args[0].(pq.StringArray).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

func TestPostgresStore_UpdateRequest(t *testing.T) {
	ctx := context.Background()
	cond := Condition{Status: []models.Status{models.StatusPending}, ClaimableBy: "t1"}
	update := sqlLike("UPDATE service_requests SET", "accepted_at = COALESCE(accepted_at,", "WHERE id = ", "RETURNING id, client_id")
	get := sqlLike("SELECT id, client_id", "FROM service_requests WHERE id = $1")

	t.Run("returns the updated row", func(t *testing.T) {
		p, mock := newMockStore(t)
		at := time.Now().UTC()
		mock.ExpectQuery(update).WillReturnRows(
			sqlmock.NewRows([]string{"id", "client_id", "technician_id", "status", "accepted_at"}).
				AddRow("r1", "c1", "t1", "accepted", at))

		r, err := p.UpdateRequest(ctx, "r1", cond, acceptPatch("t1", at))
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, r.Status)
		require.NotNil(t, r.TechnicianID)
		assert.Equal(t, "t1", *r.TechnicianID)
		require.NotNil(t, r.AcceptedAt)
		assert.True(t, at.Equal(*r.AcceptedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second active job maps to ErrActiveJobExists", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectQuery(update).WillReturnError(&pq.Error{Code: "23505"})
		_, err := p.UpdateRequest(ctx, "r1", cond, acceptPatch("t1", time.Now()))
		assert.ErrorIs(t, err, ErrActiveJobExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rows on an existing request is a failed condition", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(get).WithArgs("r1").WillReturnRows(
			sqlmock.NewRows([]string{"id", "status"}).AddRow("r1", "accepted"))
		_, err := p.UpdateRequest(ctx, "r1", cond, acceptPatch("t1", time.Now()))
		assert.ErrorIs(t, err, ErrConditionFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rows on a missing request is not found", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(get).WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		_, err := p.UpdateRequest(ctx, "r1", cond, acceptPatch("t1", time.Now()))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_InsertReview(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockStore(t)
	insert := sqlLike("INSERT INTO reviews", "ON CONFLICT (service_request_id) DO NOTHING")
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 0))

	rv := models.Review{ID: "rv1", ServiceRequestID: "r1", ClientID: "c1", TechnicianID: "t1", Rating: 5, CreatedAt: time.Now()}
	ok, err := p.InsertReview(ctx, rv)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.InsertReview(ctx, rv)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertTechnician_NilSpecialties(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(sqlLike("INSERT INTO technicians", "ON CONFLICT (user_id) DO UPDATE")).
		WithArgs("t1", emptyArray{}, "", 0.0, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.UpsertTechnician(context.Background(), models.Technician{UserID: "t1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTechnicianRating_Missing(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(sqlLike("UPDATE technicians SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, p.UpdateTechnicianRating(context.Background(), "ghost", 4.5, 2), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AtomicLocksTechnicianFirst(t *testing.T) {
	ctx := context.Background()
	lock := sqlLike("SELECT user_id FROM technicians WHERE user_id = $1 FOR UPDATE")

	t.Run("commit", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lock).WithArgs("t1").WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("t1"))
		mock.ExpectQuery(sqlLike("SELECT rating FROM reviews WHERE technician_id = $1")).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"rating"}).AddRow(4).AddRow(5))
		mock.ExpectExec(sqlLike("UPDATE technicians SET")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := p.Atomic(ctx, func(ctx context.Context, tx RequestStore) error {
			if err := tx.LockTechnician(ctx, "t1"); err != nil {
				return err
			}
			ratings, err := tx.TechnicianRatings(ctx, "t1")
			if err != nil {
				return err
			}
			assert.Equal(t, []int{4, 5}, ratings)
			return tx.UpdateTechnicianRating(ctx, "t1", 4.5, len(ratings))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing technician rolls back", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lock).WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
		mock.ExpectRollback()

		err := p.Atomic(ctx, func(ctx context.Context, tx RequestStore) error {
			return tx.LockTechnician(ctx, "ghost")
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
