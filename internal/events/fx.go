package events

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/paysync/internal/config"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(newPublisher),
	fx.Provide(newRelay),
)

func newPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	p, err := NewKafkaPublisher(cfg.Kafka, log)
	if errors.Is(err, ErrPublisherDisabled) {
		log.Info("kafka brokers not configured; outbox relay disabled")
		return disabledPublisher{}, nil
	}
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			p.Close()
			return nil
		},
	})
	return p, nil
}

func newRelay(db *gorm.DB, publisher Publisher, cfg config.Config, log *zap.Logger) *Relay {
	return NewRelay(db, publisher, cfg.Kafka.Topic, log)
}
