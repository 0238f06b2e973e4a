package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mailfold/mailfold/internal/store"
)

// Dispatcher drains the store's outbox into NATS. Publication is
// at-least-once; the stream's msg-id window absorbs duplicates.
type Dispatcher struct {
	store     *store.Store
	publisher *Publisher
	batch     int
	interval  time.Duration
	logger    *zap.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st *store.Store, publisher *Publisher, batch int, interval time.Duration, logger *zap.Logger) *Dispatcher {
	if batch < 1 {
		batch = 100
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		batch:     batch,
		interval:  interval,
		logger:    logger,
	}
}

// Run dispatches until ctx is cancelled. Intended to run in its own
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	if err := d.publisher.EnsureStream(ctx); err != nil {
		d.logger.Error("failed to ensure stream", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, d.batch)
		if err != nil {
			d.logger.Error("failed to dequeue outbox", zap.Error(err))
			d.sleep(ctx, time.Second)
			continue
		}
		if len(messages) == 0 {
			d.sleep(ctx, d.interval)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.logger.Warn("failed to publish event, scheduling retry",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.logger.Error("failed to mark event published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
