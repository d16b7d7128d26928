package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/paysync/internal/accountingmetrics"
	"github.com/smallbiznis/paysync/internal/authorization"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/events"
	"github.com/smallbiznis/paysync/internal/fees"
	feedomain "github.com/smallbiznis/paysync/internal/fees/domain"
	"github.com/smallbiznis/paysync/internal/idempotency"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	"github.com/smallbiznis/paysync/internal/ledger"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	"github.com/smallbiznis/paysync/internal/observability"
	obsmiddleware "github.com/smallbiznis/paysync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/paysync/internal/observability/tracing"
	"github.com/smallbiznis/paysync/internal/payment"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/smallbiznis/paysync/internal/ratelimit"
	"github.com/smallbiznis/paysync/internal/subscription"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	events.Module,
	accountingmetrics.Module,
	idempotency.Module,
	ledger.Module,
	subscription.Module,
	fees.Module,
	payment.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

var registerValidatorOnce sync.Once

// useJSONFieldNames makes binding errors report json field names.
func useJSONFieldNames() {
	registerValidatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
	})
}

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	useJSONFieldNames()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log, obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	authzSvc       authorization.Service
	paymentSvc     paymentdomain.Service
	webhookSvc     paymentdomain.WebhookService
	ledgerSvc      ledgerdomain.Service
	feeSvc         feedomain.Service
	idempotencySvc idempotencydomain.Service
	paymentLimiter ratelimit.Allower
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	AuthzSvc       authorization.Service
	PaymentSvc     paymentdomain.Service
	WebhookSvc     paymentdomain.WebhookService
	LedgerSvc      ledgerdomain.Service
	FeeSvc         feedomain.Service
	IdempotencySvc idempotencydomain.Service
	PaymentLimiter *ratelimit.PaymentLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		authzSvc:       p.AuthzSvc,
		paymentSvc:     p.PaymentSvc,
		webhookSvc:     p.WebhookSvc,
		ledgerSvc:      p.LedgerSvc,
		feeSvc:         p.FeeSvc,
		idempotencySvc: p.IdempotencySvc,
		obsMetrics:     p.ObsMetrics,
	}
	if p.PaymentLimiter != nil {
		svc.paymentLimiter = p.PaymentLimiter
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.Identity())

	// -------- Payments --------
	api.POST("/checkout-sessions", s.PaymentRateLimit(), s.CreateCheckoutSession)
	api.POST("/payment-intents", s.PaymentRateLimit(), s.CreatePaymentIntent)
	api.POST("/payments/confirm", s.PaymentRateLimit(), s.ConfirmPayment)

	// -------- Credits --------
	api.GET("/credits/balance", s.GetCreditBalance)

	// -------- Fees --------
	api.POST("/fees/contact", s.ChargeContactFee)
	api.POST("/fees/placement", s.ChargePlacementFee)

	// -------- Idempotency --------
	api.DELETE("/idempotency-records", s.CleanupIdempotencyRecords)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", s.Identity())

	admin.POST("/credits/adjust",
		s.RequireAction(authorization.ObjectCredits, authorization.ActionCreditsAdjust),
		s.AdjustCredits,
	)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}
