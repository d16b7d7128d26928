package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Relay moves pending outbox rows to the broker.
type Relay struct {
	db        *gorm.DB
	publisher Publisher
	topic     string
	log       *zap.Logger
	now       func() time.Time
}

func NewRelay(db *gorm.DB, publisher Publisher, topic string, log *zap.Logger) *Relay {
	if publisher == nil {
		publisher = disabledPublisher{}
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		topic:     topic,
		log:       log.Named("events.relay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether a real broker is attached.
func (r *Relay) Enabled() bool {
	if r == nil {
		return false
	}
	_, disabled := r.publisher.(disabledPublisher)
	return !disabled
}

// RelayBatch publishes up to limit pending rows and returns how many were delivered.
// A row whose delivery fails keeps published=false and is retried on the next batch.
func (r *Relay) RelayBatch(ctx context.Context, limit int) (int, error) {
	if !r.Enabled() {
		return 0, ErrPublisherDisabled
	}

	delivered := 0
	var firstErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := ClaimPending(ctx, tx, limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			value, err := encodePayload(row.Payload)
			if err != nil {
				if markErr := MarkFailed(ctx, tx, row.ID, err); markErr != nil {
					return markErr
				}
				continue
			}
			pubErr := r.publisher.Publish(ctx, Message{
				Topic:         r.topic,
				Key:           row.AggregateID,
				Value:         value,
				CorrelationID: row.CorrelationID,
				EventType:     row.EventType,
			})
			if pubErr != nil {
				if firstErr == nil {
					firstErr = pubErr
				}
				r.log.Warn("outbox relay publish failed",
					zap.String("event_type", row.EventType),
					zap.String("outbox_id", row.ID.String()),
					zap.Int("attempts", row.Attempts+1),
					zap.Error(pubErr),
				)
				if markErr := MarkFailed(ctx, tx, row.ID, pubErr); markErr != nil {
					return markErr
				}
				if errors.Is(pubErr, context.Canceled) || errors.Is(pubErr, context.DeadlineExceeded) {
					return nil
				}
				continue
			}
			if err := MarkPublished(ctx, tx, row.ID, r.now()); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return delivered, err
	}
	return delivered, firstErr
}
