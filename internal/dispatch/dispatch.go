// Package dispatch delivers user-facing notifications produced by lifecycle transitions.
// Delivery is best effort and happens after the transition has committed.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindNewRequest     Kind = "new_request"
	KindAccepted       Kind = "request_accepted"
	KindQuoteSent      Kind = "quote_sent"
	KindQuoteApproved  Kind = "quote_approved"
	KindQuoteRejected  Kind = "quote_rejected"
	KindStarted        Kind = "job_started"
	KindCompleted      Kind = "job_completed"
	KindCancelled      Kind = "request_cancelled"
	KindRatingReceived Kind = "rating_received"
)

type Notification struct {
	ID        string                 `json:"id"`
	Recipient string                 `json:"recipient"`
	Kind      Kind                   `json:"kind"`
	RequestID string                 `json:"request_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Sink is one delivery channel.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every sink. A sink that reports ErrNoSession is skipped;
// any other failures are joined.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, n); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the log. Used when no transport is configured.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) Deliver(_ context.Context, n Notification) error {
	l.Log.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("recipient", n.Recipient),
		zap.String("request_id", n.RequestID),
		zap.Any("data", n.Data))
	return nil
}
