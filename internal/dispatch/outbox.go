package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/observability"
)

const DefaultQueueSize = 1024

// Outbox decouples notification delivery from the command that produced it. Enqueue never
// blocks; a full queue drops the notification.
type Outbox struct {
	queue   chan Notification
	sink    Sink
	log     *zap.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewOutbox(sink Sink, size int, log *zap.Logger) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Outbox{
		queue:   make(chan Notification, size),
		sink:    sink,
		log:     log,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Enqueue reports whether n was accepted onto the queue.
func (o *Outbox) Enqueue(n Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	select {
	case <-o.done:
		observability.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	default:
	}
	select {
	case o.queue <- n:
		return true
	default:
		observability.NotificationsTotal.WithLabelValues("dropped").Inc()
		o.log.Warn("notification queue full",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.Recipient),
			zap.String("request_id", n.RequestID))
		return false
	}
}

// Run delivers queued notifications until ctx is cancelled or Close is called, then drains
// whatever is still queued.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case n := <-o.queue:
			o.deliver(ctx, n)
		case <-ctx.Done():
			o.drain(context.Background())
			return
		case <-o.done:
			o.drain(ctx)
			return
		}
	}
}

func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *Outbox) drain(ctx context.Context) {
	for {
		select {
		case n := <-o.queue:
			o.deliver(ctx, n)
		default:
			return
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, n Notification) {
	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := o.sink.Deliver(dctx, n); err != nil {
		observability.NotificationsTotal.WithLabelValues("failed").Inc()
		o.log.Warn("notification delivery failed",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.Recipient),
			zap.String("request_id", n.RequestID),
			zap.Error(err))
		return
	}
	observability.NotificationsTotal.WithLabelValues("delivered").Inc()
}
