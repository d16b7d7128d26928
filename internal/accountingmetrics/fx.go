package accountingmetrics

import (
	"context"

	"github.com/smallbiznis/paysync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("accounting.metrics",
	fx.Provide(NewPusher),
	fx.Provide(NewExporter),
	fx.Provide(func(e *Exporter) Recorder { return e.Recorder() }),
	fx.Invoke(startWorker),
)

func startWorker(lc fx.Lifecycle, cfg config.Config, e *Exporter, log *zap.Logger) {
	if !e.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting accounting metrics worker", zap.Duration("interval", cfg.AccountingMetrics.Interval))
			go func() {
				defer close(done)
				e.Run(ctx, cfg.AccountingMetrics.Interval)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
