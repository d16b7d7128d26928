// Package paymenttest wires the payment stack over an in-memory database with
// a mocked provider.
package paymenttest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/paysync/internal/clock"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/events"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	idempotencyrepo "github.com/smallbiznis/paysync/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/paysync/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/paysync/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/paysync/internal/ledger/service"
	"github.com/smallbiznis/paysync/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/paysync/internal/payment/repository"
	paymentservice "github.com/smallbiznis/paysync/internal/payment/service"
	"github.com/smallbiznis/paysync/internal/payment/webhook"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/paysync/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/paysync/internal/subscription/service"
	"github.com/smallbiznis/paysync/pkg/db/dbtest"
)

var BaseTime = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return adapters.DefaultProvider }

func (m *MockProvider) CreateCustomer(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) CustomerUserID(ctx context.Context, customerID string) (string, error) {
	args := m.Called(ctx, customerID)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params paymentdomain.CheckoutSessionParams) (*paymentdomain.CheckoutSession, error) {
	args := m.Called(ctx, params)
	session, _ := args.Get(0).(*paymentdomain.CheckoutSession)
	return session, args.Error(1)
}

func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params paymentdomain.PaymentIntentParams) (*paymentdomain.PaymentIntent, error) {
	args := m.Called(ctx, params)
	intent, _ := args.Get(0).(*paymentdomain.PaymentIntent)
	return intent, args.Error(1)
}

func (m *MockProvider) GetPaymentIntent(ctx context.Context, id string) (*paymentdomain.PaymentIntent, error) {
	args := m.Called(ctx, id)
	intent, _ := args.Get(0).(*paymentdomain.PaymentIntent)
	return intent, args.Error(1)
}

func (m *MockProvider) GetSubscription(ctx context.Context, id string) (*paymentdomain.Subscription, error) {
	args := m.Called(ctx, id)
	sub, _ := args.Get(0).(*paymentdomain.Subscription)
	return sub, args.Error(1)
}

func (m *MockProvider) ParseWebhook(payload []byte, headers http.Header) (*paymentdomain.WebhookEvent, error) {
	args := m.Called(payload, headers)
	event, _ := args.Get(0).(*paymentdomain.WebhookEvent)
	return event, args.Error(1)
}

// Stack is the payment core backed by real services and a mocked provider.
type Stack struct {
	DB            *gorm.DB
	Node          *snowflake.Node
	Clock         *clock.FakeClock
	Provider      *MockProvider
	Catalog       *config.CatalogHolder
	Ledger        ledgerdomain.Service
	Idempotency   idempotencydomain.Service
	Subscriptions subscriptiondomain.Service
	Payments      paymentdomain.Service
	Webhooks      paymentdomain.WebhookService
}

func NewStack(t testing.TB) *Stack {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)
	clk := clock.NewFakeClock(BaseTime)
	log := zap.NewNop()
	cfg := config.Config{
		Stripe: config.StripeConfig{
			SuccessURL: "https://app.test/billing/success",
			CancelURL:  "https://app.test/billing/cancel",
		},
	}

	idempotency, err := idempotencyservice.NewService(idempotencyservice.Params{
		DB:    db,
		Log:   log,
		Repo:  idempotencyrepo.Provide(),
		Clock: clk,
		Cfg:   cfg,
	})
	require.NoError(t, err)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Repo:   ledgerrepo.Provide(),
		Clock:  clk,
		Outbox: events.NewOutbox(db, node),
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  subscriptionrepo.Provide(),
		Clock: clk,
	})

	provider := &MockProvider{}
	registry := adapters.NewRegistry(provider)
	catalog := config.NewStaticCatalogHolder(config.DefaultCatalog())
	repo := paymentrepo.Provide()

	payments := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Cfg:         cfg,
		Repo:        repo,
		Registry:    registry,
		LedgerSvc:   ledger,
		Idempotency: idempotency,
		Catalog:     catalog,
		Clock:       clk,
	})
	webhooks := webhook.NewService(webhook.Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Repo:            repo,
		Adapters:        registry,
		PaymentSvc:      payments,
		SubscriptionSvc: subscriptions,
		Clock:           clk,
	})

	return &Stack{
		DB:            db,
		Node:          node,
		Clock:         clk,
		Provider:      provider,
		Catalog:       catalog,
		Ledger:        ledger,
		Idempotency:   idempotency,
		Subscriptions: subscriptions,
		Payments:      payments,
		Webhooks:      webhooks,
	}
}
