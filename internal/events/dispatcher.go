package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/store"
)

const (
	dispatchBatch   = 100
	dispatchBackoff = 10 * time.Second
	idlePause       = 500 * time.Millisecond
)

// Dispatcher drains the transactional outbox into JetStream.
type Dispatcher struct {
	store *store.Store
	pub   *Publisher
	log   *zap.Logger
}

func NewDispatcher(s *store.Store, pub *Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: s, pub: pub, log: log}
}

// Run dispatches outbox rows until the context is cancelled. Publish
// failures are marked for retry with backoff; rows are only marked
// published after the broker accepted them.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, dispatchBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("failed to dequeue outbox", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleepCtx(ctx, idlePause)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Warn("failed to publish event, scheduling retry",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, dispatchBackoff)
				continue
			}

			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("failed to mark event published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
