package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paysync/internal/clock"
	obsmetrics "github.com/smallbiznis/paysync/internal/observability/metrics"
	"github.com/smallbiznis/paysync/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Repo            paymentdomain.Repository
	Adapters        *adapters.Registry
	PaymentSvc      paymentdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Clock           clock.Clock         `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	repo            paymentdomain.Repository
	adapters        *adapters.Registry
	paymentSvc      paymentdomain.Service
	subscriptionSvc subscriptiondomain.Service
	clock           clock.Clock
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookService {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.webhook"),
		genID:           p.GenID,
		repo:            p.Repo,
		adapters:        p.Adapters,
		paymentSvc:      p.PaymentSvc,
		subscriptionSvc: p.SubscriptionSvc,
		clock:           clk,
		obsMetrics:      p.ObsMetrics,
	}
}

// IngestWebhook verifies and records a delivery, then dispatches it once.
// Once the signature verifies, dispatch and event store failures are
// acknowledged with a failed result so the provider redelivers on its own
// schedule.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.WebhookResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.WebhookResult{}, paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return paymentdomain.WebhookResult{}, err
	}
	if !json.Valid(payload) {
		return paymentdomain.WebhookResult{}, paymentdomain.ErrInvalidPayload
	}

	event, err := adapter.ParseWebhook(payload, headers)
	if err != nil {
		s.recordMetric(ctx, provider, "unknown", "rejected")
		return paymentdomain.WebhookResult{}, err
	}
	result := paymentdomain.WebhookResult{EventID: event.ID, Type: event.Type}

	stored := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, stored)
	if err != nil {
		return s.storeFailed(ctx, provider, event, "insert webhook event", err), nil
	}
	if !inserted {
		existing, err := s.repo.FindEvent(ctx, s.db, provider, event.ID)
		if err != nil {
			return s.storeFailed(ctx, provider, event, "load webhook event", err), nil
		}
		if existing == nil {
			return s.storeFailed(ctx, provider, event, "load webhook event", gorm.ErrRecordNotFound), nil
		}
		if existing.ProcessedAt != nil {
			s.recordMetric(ctx, provider, event.Type, paymentdomain.WebhookStatusDuplicate)
			s.log.Debug("webhook already processed",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
			)
			result.Status = paymentdomain.WebhookStatusDuplicate
			return result, nil
		}
		stored = existing
	}

	if err := s.dispatch(ctx, adapter, event); err != nil {
		s.log.Warn("webhook dispatch failed",
			zap.String("provider", provider),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		if markErr := s.repo.MarkEventFailed(ctx, s.db, stored.ID, err.Error()); markErr != nil {
			s.log.Warn("record webhook failure", zap.String("event_id", event.ID), zap.Error(markErr))
		}
		s.recordMetric(ctx, provider, event.Type, paymentdomain.WebhookStatusFailed)
		result.Status = paymentdomain.WebhookStatusFailed
		return result, nil
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		// effects are applied; a redelivery replays them idempotently
		return s.storeFailed(ctx, provider, event, "mark webhook event processed", err), nil
	}
	s.recordMetric(ctx, provider, event.Type, paymentdomain.WebhookStatusProcessed)
	result.Status = paymentdomain.WebhookStatusProcessed
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, provider paymentdomain.Provider, event *paymentdomain.WebhookEvent) error {
	switch event.Type {
	case paymentdomain.EventCheckoutSessionCompleted:
		session := event.CheckoutSession
		if session == nil || session.Mode != paymentdomain.CheckoutModeSubscription || session.SubscriptionID == "" {
			return nil
		}
		sub, err := provider.GetSubscription(ctx, session.SubscriptionID)
		if err != nil {
			return err
		}
		return s.reconcile(ctx, provider, sub, session.Metadata.UserID)

	case paymentdomain.EventSubscriptionCreated, paymentdomain.EventSubscriptionUpdated:
		if event.Subscription == nil {
			return paymentdomain.ErrInvalidPayload
		}
		return s.reconcile(ctx, provider, event.Subscription, "")

	case paymentdomain.EventSubscriptionDeleted:
		if event.Subscription == nil {
			return paymentdomain.ErrInvalidPayload
		}
		return s.cancel(ctx, provider, event.Subscription)

	case paymentdomain.EventInvoicePaid:
		invoice := event.Invoice
		if invoice == nil || invoice.SubscriptionID == "" {
			return nil
		}
		sub, err := provider.GetSubscription(ctx, invoice.SubscriptionID)
		if err != nil {
			return err
		}
		return s.reconcile(ctx, provider, sub, "")

	case paymentdomain.EventInvoicePaymentFailed:
		if invoice := event.Invoice; invoice != nil {
			s.log.Info("invoice payment failed",
				zap.String("invoice_id", invoice.ID),
				zap.String("subscription_id", invoice.SubscriptionID),
				zap.String("customer_id", invoice.CustomerID),
			)
		}
		return nil

	case paymentdomain.EventPaymentIntentSucceeded:
		intent := event.PaymentIntent
		if intent == nil {
			return paymentdomain.ErrInvalidPayload
		}
		userID, err := s.resolveUser(ctx, provider, intent.Metadata.UserID, intent.CustomerID)
		if err != nil {
			return err
		}
		if userID == "" {
			s.log.Info("payment intent without resolvable user dropped",
				zap.String("event_id", event.ID),
				zap.String("payment_intent_id", intent.ID),
			)
			return nil
		}
		settled, err := s.paymentSvc.SettlePaymentIntent(ctx, provider, userID, intent)
		if err != nil {
			return err
		}
		s.log.Info("payment intent succeeded",
			zap.String("payment_intent_id", intent.ID),
			zap.String("user_id", userID),
			zap.Bool("settled", settled.Success),
			zap.Bool("duplicate", settled.Duplicate),
			zap.String("reason", settled.Reason),
		)
		return nil

	default:
		s.log.Debug("webhook event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return nil
	}
}

func (s *Service) reconcile(ctx context.Context, provider paymentdomain.Provider, sub *paymentdomain.Subscription, hintUserID string) error {
	if sub == nil {
		return paymentdomain.ErrInvalidPayload
	}
	userID := sub.Metadata.UserID
	if userID == "" {
		userID = strings.TrimSpace(hintUserID)
	}
	userID, err := s.resolveUser(ctx, provider, userID, sub.CustomerID)
	if err != nil {
		return err
	}
	if userID == "" {
		s.log.Info("subscription without resolvable user dropped",
			zap.String("subscription_id", sub.ID),
			zap.String("customer_id", sub.CustomerID),
		)
		return nil
	}

	status, ok := subscriptiondomain.NormalizeStatus(sub.Status)
	if !ok {
		s.log.Info("subscription status not tracked",
			zap.String("subscription_id", sub.ID),
			zap.String("status", sub.Status),
		)
		return nil
	}

	_, err = s.subscriptionSvc.Reconcile(ctx, sub.ID, userID, subscriptiondomain.Fields{
		ExternalCustomerID: sub.CustomerID,
		Status:             status,
		PlanName:           sub.PlanName,
		PlanType:           sub.Metadata.PlanType,
		Amount:             sub.Amount,
		Currency:           sub.Currency,
		BillingPeriod:      sub.BillingPeriod,
		PeriodStart:        sub.PeriodStart,
		PeriodEnd:          sub.PeriodEnd,
	})
	return err
}

// cancel marks a known subscription canceled and falls back to a full
// reconcile when the row was never synced.
func (s *Service) cancel(ctx context.Context, provider paymentdomain.Provider, sub *paymentdomain.Subscription) error {
	err := s.subscriptionSvc.MarkCanceled(ctx, sub.ID)
	if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return err
	}
	canceled := *sub
	canceled.Status = string(subscriptiondomain.StatusCanceled)
	return s.reconcile(ctx, provider, &canceled, "")
}

func (s *Service) resolveUser(ctx context.Context, provider paymentdomain.Provider, metadataUserID, customerID string) (string, error) {
	if userID := strings.TrimSpace(metadataUserID); userID != "" {
		return userID, nil
	}
	return s.paymentSvc.ResolveUser(ctx, provider, customerID)
}

func (s *Service) storeFailed(ctx context.Context, provider string, event *paymentdomain.WebhookEvent, op string, err error) paymentdomain.WebhookResult {
	s.log.Error(op,
		zap.String("provider", provider),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Error(err),
	)
	s.recordMetric(ctx, provider, event.Type, paymentdomain.WebhookStatusFailed)
	return paymentdomain.WebhookResult{
		EventID: event.ID,
		Type:    event.Type,
		Status:  paymentdomain.WebhookStatusFailed,
	}
}

func (s *Service) recordMetric(ctx context.Context, provider, eventType, outcome string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordPaymentEvent(ctx, provider, eventType, outcome)
}
