package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Provider is the payment processor client. Implementations parse provider
// objects into the closed domain types at this boundary.
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, userID string) (string, error)
	CustomerUserID(ctx context.Context, customerID string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error)
}

type Service interface {
	CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (CheckoutSessionResult, error)
	CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (PaymentIntentResult, error)
	ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (ConfirmPaymentResult, error)
	// SettlePaymentIntent records a succeeded intent delivered out of band and
	// settles its purchase key when one is still open.
	SettlePaymentIntent(ctx context.Context, provider Provider, userID string, intent *PaymentIntent) (ConfirmPaymentResult, error)
	ResolveUser(ctx context.Context, provider Provider, customerID string) (string, error)
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (WebhookResult, error)
}

type Repository interface {
	FindCustomer(ctx context.Context, db *gorm.DB, provider, userID string) (string, error)
	SaveCustomer(ctx context.Context, db *gorm.DB, mapping *CustomerMapping) (string, error)
	FindUserByCustomer(ctx context.Context, db *gorm.DB, provider, customerID string) (string, error)
	InsertPaymentRecord(ctx context.Context, db *gorm.DB, record *PaymentRecord) (bool, error)
	FindPaymentRecord(ctx context.Context, db *gorm.DB, ref string) (*PaymentRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	MarkEventFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) error
}
