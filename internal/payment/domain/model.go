package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReasonPaymentNotPaid is reported when the provider object has not settled.
const ReasonPaymentNotPaid = "payment_not_paid"

type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

const (
	PaymentIntentSucceeded = "succeeded"
	PaymentIntentCanceled  = "canceled"
)

// Webhook event types the dispatcher acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
)

type PaymentRecord struct {
	ID                 snowflake.ID `gorm:"column:id;primaryKey"`
	UserID             string       `gorm:"column:user_id"`
	ExternalPaymentRef string       `gorm:"column:external_payment_ref"`
	Amount             int64        `gorm:"column:amount"`
	Currency           string       `gorm:"column:currency"`
	Status             string       `gorm:"column:status"`
	PaymentMethod      string       `gorm:"column:payment_method"`
	CreatedAt          time.Time    `gorm:"column:created_at"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

type CustomerMapping struct {
	Provider           string    `gorm:"column:provider;primaryKey"`
	UserID             string    `gorm:"column:user_id;primaryKey"`
	ExternalCustomerID string    `gorm:"column:external_customer_id"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (CustomerMapping) TableName() string { return "payment_customers" }

// EventRecord is one webhook delivery, unique per provider event id.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"column:id;primaryKey"`
	Provider        string         `gorm:"column:provider"`
	ProviderEventID string         `gorm:"column:provider_event_id"`
	EventType       string         `gorm:"column:event_type"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	Attempts        int            `gorm:"column:attempts"`
	LastError       *string        `gorm:"column:last_error"`
	ReceivedAt      time.Time      `gorm:"column:received_at"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// CheckoutSession is the provider session as seen by the orchestrator.
type CheckoutSession struct {
	ID              string
	URL             string
	Mode            CheckoutMode
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	Metadata        SessionMetadata
}

type PaymentIntent struct {
	ID             string
	Status         string
	Amount         int64
	AmountReceived int64
	Currency       string
	CustomerID     string
	ClientSecret   string
	PaymentMethod  string
	Metadata       SessionMetadata
}

type Subscription struct {
	ID            string
	CustomerID    string
	Status        string
	PlanName      string
	Amount        int64
	Currency      string
	BillingPeriod string
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
	Metadata      SubscriptionMetadata
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	Currency       string
}

// WebhookEvent is a verified provider event with its object decoded.
// At most one of the object pointers is set.
type WebhookEvent struct {
	ID              string
	Type            string
	Payload         []byte
	CheckoutSession *CheckoutSession
	Subscription    *Subscription
	Invoice         *Invoice
	PaymentIntent   *PaymentIntent
}

// CheckoutSessionParams is what the orchestrator asks the provider to create.
// PriceRef names a provider price; Package describes an inline one-off price.
type CheckoutSessionParams struct {
	CustomerID     string
	Mode           CheckoutMode
	PriceRef       string
	Package        *PackageLine
	Metadata       SessionMetadata
	Extra          map[string]string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type PackageLine struct {
	Name     string
	Amount   int64
	Currency string
}

type PaymentIntentParams struct {
	CustomerID     string
	Amount         int64
	Currency       string
	Metadata       SessionMetadata
	IdempotencyKey string
}

type CreateCheckoutSessionRequest struct {
	UserID         string
	PriceRef       string
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSessionResult struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Duplicate bool   `json:"duplicate"`
}

type CreatePaymentIntentRequest struct {
	UserID         string
	Amount         int64
	Currency       string
	IdempotencyKey string
	PackageID      string
}

type PaymentIntentResult struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	IdempotencyKey  string `json:"idempotency_key"`
	Credits         int64  `json:"credits"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Duplicate       bool   `json:"duplicate"`
}

type ConfirmPaymentRequest struct {
	UserID             string
	IdempotencyKey     string
	ExternalPaymentRef string
}

type ConfirmPaymentResult struct {
	Success            bool   `json:"success"`
	NewBalance         *int64 `json:"new_balance,omitempty"`
	Credits            int64  `json:"credits,omitempty"`
	ExternalPaymentRef string `json:"external_payment_ref,omitempty"`
	Duplicate          bool   `json:"duplicate"`
	Reason             string `json:"reason,omitempty"`
	PaymentStatus      string `json:"payment_status,omitempty"`
}

// SettledPurchase is the cached result of a completed purchase key.
type SettledPurchase struct {
	NewBalance         int64  `json:"new_balance"`
	Credits            int64  `json:"credits"`
	ExternalPaymentRef string `json:"external_payment_ref"`
}

const (
	WebhookStatusProcessed = "processed"
	WebhookStatusDuplicate = "duplicate"
	WebhookStatusFailed    = "failed"
)

type WebhookResult struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}
