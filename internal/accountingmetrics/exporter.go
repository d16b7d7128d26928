package accountingmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Exporter owns the private accounting registry and pushes it on demand.
type Exporter struct {
	registry *prometheus.Registry
	recorder Recorder
	pusher   Pusher
	db       *gorm.DB
	log      *zap.Logger
}

func NewExporter(db *gorm.DB, pusher Pusher, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	return &Exporter{
		registry: registry,
		recorder: NewRecorder(registry),
		pusher:   pusher,
		db:       db,
		log:      log.Named("accounting.metrics"),
	}
}

func (e *Exporter) Recorder() Recorder {
	if e == nil {
		return Noop{}
	}
	return e.recorder
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Enabled reports whether a pusher is configured.
func (e *Exporter) Enabled() bool {
	return e != nil && e.pusher != nil
}

// Refresh recomputes the gauges from the ledger store.
func (e *Exporter) Refresh(ctx context.Context) error {
	if e == nil || e.db == nil {
		return nil
	}
	var outstanding int64
	if err := e.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(balance), 0) FROM credit_accounts`,
	).Scan(&outstanding).Error; err != nil {
		return err
	}
	var active int64
	if err := e.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscription_records WHERE status IN ('active', 'trialing')`,
	).Scan(&active).Error; err != nil {
		return err
	}
	e.recorder.SetOutstandingCredits(outstanding)
	e.recorder.SetActiveSubscriptions(active)
	return nil
}

// PushOnce refreshes gauges and ships the registry.
func (e *Exporter) PushOnce(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	if err := e.Refresh(ctx); err != nil {
		e.log.Warn("accounting gauges refresh failed", zap.Error(err))
	}
	return e.pusher.Push(ctx, e.registry)
}

// Run pushes on every tick until ctx is done.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if !e.Enabled() {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := e.PushOnce(ctx); err != nil {
		e.log.Warn("initial accounting metrics push failed", zap.Error(err))
	}
	for {
		select {
		case <-ticker.C:
			if err := e.PushOnce(ctx); err != nil {
				e.log.Warn("accounting metrics push failed", zap.Error(err))
			}
		case <-ctx.Done():
			e.log.Info("stopping accounting metrics worker")
			return
		}
	}
}
