package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/lifecycle"
	"github.com/example/service-dispatch/internal/models"
)

// Profiles stores technician profiles; *directory.Service satisfies it.
type Profiles interface {
	Register(ctx context.Context, t models.Technician) error
}

type Server struct {
	Engine   *lifecycle.Engine
	Sessions *dispatch.WSRegistry
	Profiles Profiles
	// Ready reports backend health for /readyz; nil means always ready.
	Ready func(ctx context.Context) error

	logger *zap.Logger
	mux    *mux.Router
}

func NewServer(engine *lifecycle.Engine, sessions *dispatch.WSRegistry, profiles Profiles, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{Engine: engine, Sessions: sessions, Profiles: profiles, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(actorMiddleware)
	ws.HandleFunc("/{user_id}", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(actorMiddleware)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/requests/{id}/quote", s.handleSendQuote).Methods("POST")
	api.HandleFunc("/requests/{id}/quote/approve", s.handleApproveQuote).Methods("POST")
	api.HandleFunc("/requests/{id}/quote/reject", s.handleRejectQuote).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/rating", s.handleRate).Methods("POST")
	api.HandleFunc("/technicians/{id}/visible-requests", s.handleVisible).Methods("GET")
	api.HandleFunc("/technicians/{id}/active-job", s.handleActiveJob).Methods("GET")
	api.HandleFunc("/technicians/{id}/presence", s.handlePresence).Methods("PUT")
	api.HandleFunc("/technicians/{id}/profile", s.handleProfile).Methods("PUT")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// requestView exposes the completion code to the request's own client only; the client
// hands it to the technician on site.
type requestView struct {
	*models.ServiceRequest
	CompletionCode string `json:"completion_code,omitempty"`
}

func viewFor(actor models.Actor, r *models.ServiceRequest) requestView {
	v := requestView{ServiceRequest: r}
	if actor.Role == models.RoleClient && actor.ID == r.ClientID {
		v.CompletionCode = r.CompletionCode
	}
	return v
}

func viewsFor(actor models.Actor, rs []*models.ServiceRequest) []requestView {
	out := make([]requestView, 0, len(rs))
	for _, r := range rs {
		out = append(out, viewFor(actor, r))
	}
	return out
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor.Role != models.RoleClient {
		writeError(w, http.StatusForbidden, "forbidden", "only clients create requests")
		return
	}
	var in lifecycle.CreateInput
	if !decode(w, r, &in) {
		return
	}
	in.ClientID = actor.ID
	req, err := s.Engine.CreateRequest(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewFor(actor, req))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var (
		rs  []*models.ServiceRequest
		err error
	)
	if actor.Role == models.RoleClient {
		rs, err = s.Engine.ListClientRequests(r.Context(), actor.ID)
	} else {
		rs, err = s.Engine.ListTechnicianRequests(r.Context(), actor.ID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsFor(actor, rs))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	req, err := s.Engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	party := req.ClientID == actor.ID || req.AssignedTo(actor.ID)
	openToTechs := actor.Role == models.RoleTechnician && req.Broadcast() && req.Status == models.StatusPending
	if !party && !openToTechs {
		s.fail(w, r, lifecycle.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewFor(actor, req))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleTechnician)
	if !ok {
		return
	}
	req, err := s.Engine.Accept(r.Context(), actor.ID, mux.Vars(r)["id"])
	s.respond(w, r, actor, req, err)
}

func (s *Server) handleSendQuote(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleTechnician)
	if !ok {
		return
	}
	var in lifecycle.QuoteInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.Engine.SendQuote(r.Context(), actor.ID, mux.Vars(r)["id"], in)
	s.respond(w, r, actor, req, err)
}

func (s *Server) handleApproveQuote(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleClient)
	if !ok {
		return
	}
	req, err := s.Engine.ApproveQuote(r.Context(), actor.ID, mux.Vars(r)["id"])
	s.respond(w, r, actor, req, err)
}

func (s *Server) handleRejectQuote(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleClient)
	if !ok {
		return
	}
	req, err := s.Engine.RejectQuote(r.Context(), actor.ID, mux.Vars(r)["id"])
	s.respond(w, r, actor, req, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleTechnician)
	if !ok {
		return
	}
	req, err := s.Engine.Start(r.Context(), actor.ID, mux.Vars(r)["id"])
	s.respond(w, r, actor, req, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var in lifecycle.CompleteInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.Engine.Complete(r.Context(), actor, mux.Vars(r)["id"], in)
	s.respond(w, r, actor, req, err)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var in cancelBody
	if !decode(w, r, &in) {
		return
	}
	req, fee, err := s.Engine.Cancel(r.Context(), actor, mux.Vars(r)["id"], in.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":          viewFor(actor, req),
		"cancellation_fee": fee,
	})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleClient)
	if !ok {
		return
	}
	var in lifecycle.RateInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.Engine.Rate(r.Context(), actor.ID, mux.Vars(r)["id"], in)
	s.respond(w, r, actor, req, err)
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSelf(w, r)
	if !ok {
		return
	}
	rs, err := s.Engine.ListVisibleRequests(r.Context(), actor.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsFor(actor, rs))
}

func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSelf(w, r)
	if !ok {
		return
	}
	req, err := s.Engine.ActiveJob(r.Context(), actor.ID)
	s.respond(w, r, actor, req, err)
}

type presenceBody struct {
	Online bool          `json:"online"`
	Loc    *models.Coord `json:"loc,omitempty"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSelf(w, r)
	if !ok {
		return
	}
	var in presenceBody
	if !decode(w, r, &in) {
		return
	}
	err := s.Engine.SetPresence(r.Context(), models.PresenceUpdate{
		TechnicianID: actor.ID,
		Online:       in.Online,
		Loc:          in.Loc,
		Updated:      time.Now(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// profileBody carries only what a technician may edit. The wallet account is linked by
// operators and never taken from the technician.
type profileBody struct {
	Specialties []string `json:"specialties"`
}

// handleProfile lets a technician publish the specialties they are matched on. Rating
// aggregates and the wallet account are kept when the profile already exists.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSelf(w, r)
	if !ok {
		return
	}
	var in profileBody
	if !decode(w, r, &in) {
		return
	}
	t := models.Technician{UserID: actor.ID, Specialties: in.Specialties}
	if cur, err := s.Engine.Technician(r.Context(), actor.ID); err == nil {
		t.Rating, t.ReviewCount = cur.Rating, cur.ReviewCount
		t.WalletAccountID = cur.WalletAccountID
	} else if !errors.Is(err, lifecycle.ErrForbidden) {
		s.fail(w, r, err)
		return
	}
	if err := s.Profiles.Register(r.Context(), t); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS registers a session that receives notifications and request changes. The
// connection is kept until the peer goes away. Callers may only subscribe as themselves.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	id := mux.Vars(r)["user_id"]
	if id != actor.ID {
		writeError(w, http.StatusForbidden, "forbidden", "sessions may only subscribe to the caller's own channel")
		return
	}
	role := actor.Role
	if q := r.URL.Query().Get("role"); q != "" && models.Role(q) != role {
		writeError(w, http.StatusForbidden, "forbidden", "role does not match X-Actor-Role")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.String("user_id", id), zap.Error(err))
		return
	}
	session := s.Sessions.Add(id, role, conn)
	defer s.Sessions.Remove(session)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func requireRole(w http.ResponseWriter, r *http.Request, role models.Role) (models.Actor, bool) {
	actor := actorFromContext(r.Context())
	if actor.Role != role {
		writeError(w, http.StatusForbidden, "forbidden", "requires role "+string(role))
		return actor, false
	}
	return actor, true
}

// requireSelf allows a technician to address only their own /technicians/{id} resources.
func requireSelf(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := requireRole(w, r, models.RoleTechnician)
	if !ok {
		return actor, false
	}
	if mux.Vars(r)["id"] != actor.ID {
		writeError(w, http.StatusForbidden, "forbidden", "technicians may only access their own resources")
		return actor, false
	}
	return actor, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, actor models.Actor, req *models.ServiceRequest, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFor(actor, req))
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := lifecycle.KindOf(err)
	body := errorBody{Code: kind.String(), Message: err.Error()}
	var ve *lifecycle.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", routeTemplate(r)),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err))
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusFor(k lifecycle.Kind) int {
	switch k {
	case lifecycle.KindValidation:
		return http.StatusBadRequest
	case lifecycle.KindForbidden:
		return http.StatusForbidden
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindConflict:
		return http.StatusConflict
	case lifecycle.KindInvalidCode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
