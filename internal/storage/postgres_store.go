package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/example/service-dispatch/internal/models"
)

const uniqueViolation = "23505"

var requestColumns = []string{
	"id", "client_id", "technician_id", "category_id", "service_id", "urgency",
	"scheduling_type", "scheduled_date", "scheduled_time", "description", "address",
	"latitude", "longitude", "photos", "audio_url", "base_price", "extras", "total_price",
	"quote_amount", "quote_description", "status", "quote_status", "completion_code",
	"completion_photos", "rating", "feedback", "cancellation_reason", "cancelled_by",
	"cancellation_fee", "created_at", "accepted_at", "started_at", "completed_at",
	"cancelled_at", "quote_sent_at", "quote_approved_at",
}

// extrasColumn stores extras as JSONB.
type extrasColumn []models.Extra

func (e *extrasColumn) Scan(src any) error {
	if src == nil {
		*e = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("extras: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, (*[]models.Extra)(e))
}

func (e extrasColumn) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]models.Extra(e))
}

type requestRow struct {
	ID                 string          `db:"id"`
	ClientID           string          `db:"client_id"`
	TechnicianID       sql.NullString  `db:"technician_id"`
	CategoryID         string          `db:"category_id"`
	ServiceID          string          `db:"service_id"`
	Urgency            string          `db:"urgency"`
	SchedulingType     string          `db:"scheduling_type"`
	ScheduledDate      sql.NullString  `db:"scheduled_date"`
	ScheduledTime      sql.NullString  `db:"scheduled_time"`
	Description        string          `db:"description"`
	Address            string          `db:"address"`
	Latitude           sql.NullFloat64 `db:"latitude"`
	Longitude          sql.NullFloat64 `db:"longitude"`
	Photos             pq.StringArray  `db:"photos"`
	AudioURL           sql.NullString  `db:"audio_url"`
	BasePrice          int64           `db:"base_price"`
	Extras             extrasColumn    `db:"extras"`
	TotalPrice         int64           `db:"total_price"`
	QuoteAmount        sql.NullInt64   `db:"quote_amount"`
	QuoteDescription   sql.NullString  `db:"quote_description"`
	Status             string          `db:"status"`
	QuoteStatus        sql.NullString  `db:"quote_status"`
	CompletionCode     string          `db:"completion_code"`
	CompletionPhotos   pq.StringArray  `db:"completion_photos"`
	Rating             sql.NullInt64   `db:"rating"`
	Feedback           sql.NullString  `db:"feedback"`
	CancellationReason sql.NullString  `db:"cancellation_reason"`
	CancelledBy        sql.NullString  `db:"cancelled_by"`
	CancellationFee    int64           `db:"cancellation_fee"`
	CreatedAt          time.Time       `db:"created_at"`
	AcceptedAt         sql.NullTime    `db:"accepted_at"`
	StartedAt          sql.NullTime    `db:"started_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"`
	CancelledAt        sql.NullTime    `db:"cancelled_at"`
	QuoteSentAt        sql.NullTime    `db:"quote_sent_at"`
	QuoteApprovedAt    sql.NullTime    `db:"quote_approved_at"`
}

func (row *requestRow) toModel() *models.ServiceRequest {
	r := &models.ServiceRequest{
		ID:                 row.ID,
		ClientID:           row.ClientID,
		TechnicianID:       nullString(row.TechnicianID),
		CategoryID:         row.CategoryID,
		ServiceID:          row.ServiceID,
		Urgency:            models.Urgency(row.Urgency),
		SchedulingType:     models.SchedulingType(row.SchedulingType),
		ScheduledDate:      nullString(row.ScheduledDate),
		ScheduledTime:      nullString(row.ScheduledTime),
		Description:        row.Description,
		Address:            row.Address,
		Photos:             []string(row.Photos),
		AudioURL:           nullString(row.AudioURL),
		BasePrice:          row.BasePrice,
		Extras:             []models.Extra(row.Extras),
		TotalPrice:         row.TotalPrice,
		QuoteDescription:   nullString(row.QuoteDescription),
		Status:             models.Status(row.Status),
		QuoteStatus:        models.QuoteStatus(row.QuoteStatus.String),
		CompletionCode:     row.CompletionCode,
		CompletionPhotos:   []string(row.CompletionPhotos),
		Feedback:           nullString(row.Feedback),
		CancellationReason: nullString(row.CancellationReason),
		CancellationFee:    row.CancellationFee,
		CreatedAt:          row.CreatedAt,
		AcceptedAt:         nullTime(row.AcceptedAt),
		StartedAt:          nullTime(row.StartedAt),
		CompletedAt:        nullTime(row.CompletedAt),
		CancelledAt:        nullTime(row.CancelledAt),
		QuoteSentAt:        nullTime(row.QuoteSentAt),
		QuoteApprovedAt:    nullTime(row.QuoteApprovedAt),
	}
	if row.Latitude.Valid {
		v := row.Latitude.Float64
		r.Latitude = &v
	}
	if row.Longitude.Valid {
		v := row.Longitude.Float64
		r.Longitude = &v
	}
	if row.QuoteAmount.Valid {
		v := row.QuoteAmount.Int64
		r.QuoteAmount = &v
	}
	if row.Rating.Valid {
		v := int(row.Rating.Int64)
		r.Rating = &v
	}
	if row.CancelledBy.Valid {
		v := models.Role(row.CancelledBy.String)
		r.CancelledBy = &v
	}
	return r
}

type technicianRow struct {
	UserID          string         `db:"user_id"`
	Specialties     pq.StringArray `db:"specialties"`
	WalletAccountID sql.NullString `db:"wallet_account_id"`
	Rating          float64        `db:"rating"`
	ReviewCount     int            `db:"review_count"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (row technicianRow) toModel() models.Technician {
	return models.Technician{
		UserID:          row.UserID,
		Specialties:     []string(row.Specialties),
		WalletAccountID: row.WalletAccountID.String,
		Rating:          row.Rating,
		ReviewCount:     row.ReviewCount,
		UpdatedAt:       row.UpdatedAt,
	}
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
}

type PostgresStore struct {
	db *sqlx.DB
	q  queryer
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{db: db, q: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	q, args := insertRequestQuery(r)
	if _, err := p.q.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "insert service request")
	}
	return nil
}

func insertRequestQuery(r *models.ServiceRequest) (string, []interface{}) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("service_requests")
	ib.Cols(
		"id", "client_id", "technician_id", "category_id", "service_id", "urgency",
		"scheduling_type", "scheduled_date", "scheduled_time", "description", "address",
		"latitude", "longitude", "photos", "audio_url", "base_price", "extras", "total_price",
		"status", "completion_code", "created_at",
	)
	ib.Values(
		r.ID, r.ClientID, r.TechnicianID, r.CategoryID, r.ServiceID, string(r.Urgency),
		string(r.SchedulingType), r.ScheduledDate, r.ScheduledTime, r.Description, r.Address,
		r.Latitude, r.Longitude, textArray(r.Photos), r.AudioURL, r.BasePrice,
		extrasColumn(r.Extras), r.TotalPrice, string(r.Status), r.CompletionCode, r.CreatedAt,
	)
	return ib.Build()
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(requestColumns...).From("service_requests").Where(sb.Equal("id", id))
	q, args := sb.Build()
	var row requestRow
	if err := sqlx.GetContext(ctx, p.q, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get service request")
	}
	return row.toModel(), nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*models.ServiceRequest, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(requestColumns...).From("service_requests").Where(sb.Equal("status", string(models.StatusPending)))
	return p.selectRequests(ctx, sb)
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string) ([]*models.ServiceRequest, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(requestColumns...).From("service_requests").Where(sb.Equal("client_id", clientID))
	return p.selectRequests(ctx, sb)
}

func (p *PostgresStore) ListByTechnician(ctx context.Context, technicianID string) ([]*models.ServiceRequest, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(requestColumns...).From("service_requests").Where(sb.Equal("technician_id", technicianID))
	return p.selectRequests(ctx, sb)
}

func (p *PostgresStore) selectRequests(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*models.ServiceRequest, error) {
	sb.OrderBy("created_at").Desc()
	q, args := sb.Build()
	var rows []requestRow
	if err := sqlx.SelectContext(ctx, p.q, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "list service requests")
	}
	out := make([]*models.ServiceRequest, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (p *PostgresStore) CountActive(ctx context.Context, technicianID string) (int, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)").From("service_requests").Where(
		sb.Equal("technician_id", technicianID),
		sb.In("status", string(models.StatusAccepted), string(models.StatusInProgress)),
	)
	q, args := sb.Build()
	var n int
	if err := sqlx.GetContext(ctx, p.q, &n, q, args...); err != nil {
		return 0, errors.Wrap(err, "count active jobs")
	}
	return n, nil
}

// UpdateRequest issues one UPDATE ... WHERE <cond> RETURNING. Zero rows means the condition
// did not hold at write time.
func (p *PostgresStore) UpdateRequest(ctx context.Context, id string, cond Condition, patch Patch) (*models.ServiceRequest, error) {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("service_requests")
	ub.Set(patchAssignments(ub, patch)...)
	ub.Where(conditionExprs(ub, id, cond)...)
	q, args := ub.Build()
	q += " RETURNING " + strings.Join(requestColumns, ", ")

	var row requestRow
	if err := sqlx.GetContext(ctx, p.q, &row, q, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveJobExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(err, "update service request")
		}
		if _, gerr := p.GetRequest(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConditionFailed
	}
	return row.toModel(), nil
}

func conditionExprs(ub *sqlbuilder.UpdateBuilder, id string, c Condition) []string {
	where := []string{ub.Equal("id", id)}
	if len(c.Status) > 0 {
		vals := make([]any, len(c.Status))
		for i, s := range c.Status {
			vals[i] = string(s)
		}
		where = append(where, ub.In("status", vals...))
	}
	if len(c.QuoteStatus) > 0 {
		var ors []string
		for _, s := range c.QuoteStatus {
			if s == models.QuoteNone {
				ors = append(ors, ub.IsNull("quote_status"))
				continue
			}
			ors = append(ors, ub.Equal("quote_status", string(s)))
		}
		where = append(where, ub.Or(ors...))
	}
	if c.ClientID != "" {
		where = append(where, ub.Equal("client_id", c.ClientID))
	}
	if c.TechnicianID != "" {
		where = append(where, ub.Equal("technician_id", c.TechnicianID))
	}
	if c.ClaimableBy != "" {
		where = append(where, ub.Or(ub.IsNull("technician_id"), ub.Equal("technician_id", c.ClaimableBy)))
	}
	if c.CompletionCode != "" {
		where = append(where, ub.Equal("completion_code", c.CompletionCode))
	}
	if c.Unrated {
		where = append(where, ub.IsNull("rating"))
	}
	return where
}

func patchAssignments(ub *sqlbuilder.UpdateBuilder, p Patch) []string {
	var set []string
	if p.TechnicianID != nil {
		set = append(set, ub.Assign("technician_id", *p.TechnicianID))
	}
	if p.Status != nil {
		set = append(set, ub.Assign("status", string(*p.Status)))
	}
	if p.QuoteStatus != nil {
		var v any
		if *p.QuoteStatus != models.QuoteNone {
			v = string(*p.QuoteStatus)
		}
		set = append(set, ub.Assign("quote_status", v))
	}
	if p.QuoteAmount != nil {
		set = append(set, ub.Assign("quote_amount", *p.QuoteAmount))
	}
	if p.QuoteDescription != nil {
		set = append(set, ub.Assign("quote_description", *p.QuoteDescription))
	}
	if p.TotalPrice != nil {
		set = append(set, ub.Assign("total_price", *p.TotalPrice))
	}
	if p.Extras != nil {
		set = append(set, ub.Assign("extras", extrasColumn(p.Extras)))
	}
	if p.CompletionPhotos != nil {
		set = append(set, ub.Assign("completion_photos", textArray(p.CompletionPhotos)))
	}
	if p.Rating != nil {
		set = append(set, ub.Assign("rating", *p.Rating))
	}
	if p.Feedback != nil {
		set = append(set, ub.Assign("feedback", *p.Feedback))
	}
	if p.CancellationReason != nil {
		set = append(set, ub.Assign("cancellation_reason", *p.CancellationReason))
	}
	if p.CancelledBy != nil {
		set = append(set, ub.Assign("cancelled_by", string(*p.CancelledBy)))
	}
	if p.CancellationFee != nil {
		set = append(set, ub.Assign("cancellation_fee", *p.CancellationFee))
	}
	stamps := []struct {
		col string
		v   *time.Time
	}{
		{"accepted_at", p.AcceptedAt},
		{"started_at", p.StartedAt},
		{"completed_at", p.CompletedAt},
		{"cancelled_at", p.CancelledAt},
		{"quote_sent_at", p.QuoteSentAt},
		{"quote_approved_at", p.QuoteApprovedAt},
	}
	for _, s := range stamps {
		if s.v != nil {
			set = append(set, fmt.Sprintf("%s = COALESCE(%s, %s)", s.col, s.col, ub.Var(*s.v)))
		}
	}
	return set
}

func (p *PostgresStore) InsertReview(ctx context.Context, rv models.Review) (bool, error) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("reviews")
	ib.Cols("id", "service_request_id", "client_id", "technician_id", "rating", "comment", "created_at")
	ib.Values(rv.ID, rv.ServiceRequestID, rv.ClientID, rv.TechnicianID, rv.Rating, rv.Comment, rv.CreatedAt)
	q, args := ib.Build()
	q += " ON CONFLICT (service_request_id) DO NOTHING"
	res, err := p.q.ExecContext(ctx, q, args...)
	if err != nil {
		return false, errors.Wrap(err, "insert review")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert review rows affected")
	}
	return n == 1, nil
}

func (p *PostgresStore) TechnicianRatings(ctx context.Context, technicianID string) ([]int, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("rating").From("reviews").Where(sb.Equal("technician_id", technicianID)).OrderBy("created_at")
	q, args := sb.Build()
	var out []int
	if err := sqlx.SelectContext(ctx, p.q, &out, q, args...); err != nil {
		return nil, errors.Wrap(err, "select technician ratings")
	}
	return out, nil
}

func (p *PostgresStore) UpsertTechnician(ctx context.Context, t models.Technician) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("technicians")
	ib.Cols("user_id", "specialties", "wallet_account_id", "rating", "review_count", "updated_at")
	ib.Values(t.UserID, textArray(t.Specialties), t.WalletAccountID, t.Rating, t.ReviewCount, time.Now().UTC())
	q, args := ib.Build()
	q += " ON CONFLICT (user_id) DO UPDATE SET specialties = EXCLUDED.specialties," +
		" wallet_account_id = EXCLUDED.wallet_account_id, updated_at = EXCLUDED.updated_at"
	if _, err := p.q.ExecContext(ctx, q, args...); err != nil {
		return errors.Wrap(err, "upsert technician")
	}
	return nil
}

func (p *PostgresStore) GetTechnician(ctx context.Context, id string) (*models.Technician, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("user_id", "specialties", "wallet_account_id", "rating", "review_count", "updated_at").
		From("technicians").Where(sb.Equal("user_id", id))
	q, args := sb.Build()
	var row technicianRow
	if err := sqlx.GetContext(ctx, p.q, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get technician")
	}
	t := row.toModel()
	return &t, nil
}

func (p *PostgresStore) ListTechnicians(ctx context.Context) ([]models.Technician, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("user_id", "specialties", "wallet_account_id", "rating", "review_count", "updated_at").
		From("technicians").OrderBy("user_id")
	q, args := sb.Build()
	var rows []technicianRow
	if err := sqlx.SelectContext(ctx, p.q, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "list technicians")
	}
	out := make([]models.Technician, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// LockTechnician takes a row lock on the technician until the surrounding transaction ends.
// Outside Atomic it only checks that the row exists.
func (p *PostgresStore) LockTechnician(ctx context.Context, id string) error {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("user_id").From("technicians").Where(sb.Equal("user_id", id))
	q, args := sb.Build()
	q += " FOR UPDATE"
	var got string
	if err := sqlx.GetContext(ctx, p.q, &got, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return errors.Wrap(err, "lock technician")
	}
	return nil
}

func (p *PostgresStore) UpdateTechnicianRating(ctx context.Context, id string, rating float64, count int) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("technicians")
	ub.Set(ub.Assign("rating", rating), ub.Assign("review_count", count), ub.Assign("updated_at", time.Now().UTC()))
	ub.Where(ub.Equal("user_id", id))
	q, args := ub.Build()
	res, err := p.q.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "update technician rating")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Atomic runs fn inside one transaction. Nested calls reuse the open transaction.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx RequestStore) error) error {
	if _, inTx := p.q.(*sqlx.Tx); inTx {
		return fn(ctx, p)
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(ctx, &PostgresStore{db: p.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// textArray binds nil as an empty array; a nil pq.StringArray encodes as NULL.
func textArray(v []string) pq.StringArray {
	if v == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(v)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
