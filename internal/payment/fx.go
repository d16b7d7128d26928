package payment

import (
	"github.com/smallbiznis/paysync/internal/cache"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/adapters"
	"github.com/smallbiznis/paysync/internal/payment/adapters/stripe"
	"github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/payment/repository"
	paymentservice "github.com/smallbiznis/paysync/internal/payment/service"
	"github.com/smallbiznis/paysync/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewCustomerCache),
	fx.Provide(func(cfg config.Config, log *zap.Logger) *adapters.Registry {
		var providers []domain.Provider
		if adapter := stripe.New(cfg.Stripe, log); adapter != nil {
			providers = append(providers, adapter)
		} else {
			log.Warn("stripe is not configured; payment endpoints are unavailable")
		}
		return adapters.NewRegistry(providers...)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
