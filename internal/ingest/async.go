package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
)

var (
	ErrQueueFull = errors.New("change queue full")
	ErrClosed    = errors.New("change queue closed")
)

// Async queues changes for a single background writer, so Publish returns without waiting
// on the broker. Changes leave in the order they were queued.
type Async struct {
	next    Publisher
	queue   chan models.RequestChange
	log     *zap.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsync(next Publisher, size int, log *zap.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{
		next:    next,
		queue:   make(chan models.RequestChange, size),
		log:     log,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

func (a *Async) Publish(_ context.Context, c models.RequestChange) error {
	select {
	case <-a.done:
		observability.ChangesTotal.WithLabelValues("dropped").Inc()
		return ErrClosed
	default:
	}
	select {
	case a.queue <- c:
		return nil
	default:
		observability.ChangesTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Run writes queued changes until ctx is cancelled or Close is called, then drains the queue.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case c := <-a.queue:
			a.write(ctx, c)
		case <-ctx.Done():
			a.drain(context.Background())
			return
		case <-a.done:
			a.drain(ctx)
			return
		}
	}
}

func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Async) drain(ctx context.Context) {
	for {
		select {
		case c := <-a.queue:
			a.write(ctx, c)
		default:
			return
		}
	}
}

func (a *Async) write(ctx context.Context, c models.RequestChange) {
	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.next.Publish(wctx, c); err != nil {
		observability.ChangesTotal.WithLabelValues("failed").Inc()
		a.log.Warn("change publish failed",
			zap.String("request_id", c.RequestID),
			zap.String("status", string(c.Status)),
			zap.Error(err))
		return
	}
	observability.ChangesTotal.WithLabelValues("published").Inc()
}
