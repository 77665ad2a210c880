package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/models"
)

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Envelope is the frame written to websocket sessions.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WSSession represents one connected user app.
type WSSession struct {
	ID     string
	UserID string
	Role   models.Role

	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sessions keyed by user id. A user may hold several sessions.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*WSSession
	log      *zap.Logger
}

func NewWSRegistry(log *zap.Logger) *WSRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSRegistry{sessions: make(map[string]map[string]*WSSession), log: log}
}

func (r *WSRegistry) Add(userID string, role models.Role, conn Conn) *WSSession {
	s := &WSSession{ID: uuid.NewString(), UserID: userID, Role: role, conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[string]*WSSession)
	}
	r.sessions[userID][s.ID] = s
	return s
}

func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byID, ok := r.sessions[s.UserID]; ok {
		delete(byID, s.ID)
		if len(byID) == 0 {
			delete(r.sessions, s.UserID)
		}
	}
	_ = s.conn.Close()
}

// SendTo writes v to every session of userID. ErrNoSession is returned when the user is not
// connected.
func (r *WSRegistry) SendTo(userID string, v interface{}) error {
	targets := r.snapshot(func(s *WSSession) bool { return s.UserID == userID })
	if len(targets) == 0 {
		return ErrNoSession
	}
	r.send(targets, v)
	return nil
}

// SendToRole writes v to every session connected with role.
func (r *WSRegistry) SendToRole(role models.Role, v interface{}) int {
	targets := r.snapshot(func(s *WSSession) bool { return s.Role == role })
	r.send(targets, v)
	return len(targets)
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

// Deliver makes the registry a notification Sink.
func (r *WSRegistry) Deliver(_ context.Context, n Notification) error {
	return r.SendTo(n.Recipient, Envelope{Type: "notification", Data: n})
}

func (r *WSRegistry) snapshot(keep func(*WSSession) bool) []*WSSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WSSession, 0)
	for _, byID := range r.sessions {
		for _, s := range byID {
			if keep(s) {
				out = append(out, s)
			}
		}
	}
	return out
}

func (r *WSRegistry) send(targets []*WSSession, v interface{}) {
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			r.log.Warn("ws send error", zap.String("user_id", s.UserID), zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
