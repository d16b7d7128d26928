package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

const providerName = "stripe"

// Adapter talks to Stripe through one client built at startup.
type Adapter struct {
	client        *stripe.Client
	webhookSecret string
	log           *zap.Logger
}

// New returns nil when no secret key is configured so the registry skips it.
func New(cfg config.StripeConfig, log *zap.Logger) *Adapter {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil
	}
	return newAdapter(cfg, log, nil)
}

func newAdapter(cfg config.StripeConfig, log *zap.Logger, apiURL *string) *Adapter {
	httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: cfg.Timeout}, providerName)
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		LeveledLogger:     log.Named("stripe.client").Sugar(),
		URL:               apiURL,
	})
	return &Adapter{
		client:        stripe.NewClient(strings.TrimSpace(cfg.SecretKey), stripe.WithBackends(backends)),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		log:           log.Named("stripe.adapter"),
	}
}

func (a *Adapter) Name() string {
	return providerName
}

func (a *Adapter) CreateCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{paymentdomain.MetaUserID: userID},
	}
	params.SetIdempotencyKey("customer_" + userID)

	customer, err := a.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", wrapError("create customer", err)
	}
	return customer.ID, nil
}

func (a *Adapter) CustomerUserID(ctx context.Context, customerID string) (string, error) {
	customer, err := a.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return "", wrapError("retrieve customer", err)
	}
	if customer.Deleted {
		return "", nil
	}
	return strings.TrimSpace(customer.Metadata[paymentdomain.MetaUserID]), nil
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, in paymentdomain.CheckoutSessionParams) (*paymentdomain.CheckoutSession, error) {
	metadata := lo.Assign(in.Extra, in.Metadata.ToMap())

	params := &stripe.CheckoutSessionCreateParams{
		Customer:          stripe.String(in.CustomerID),
		ClientReferenceID: stripe.String(in.Metadata.UserID),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		Metadata:          metadata,
	}

	switch in.Mode {
	case paymentdomain.CheckoutModePayment:
		if in.Package == nil {
			return nil, paymentdomain.ErrUnknownPackage
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(in.Package.Currency),
					UnitAmount: stripe.Int64(in.Package.Amount),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(in.Package.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		}
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		}
	default:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(in.PriceRef),
				Quantity: stripe.Int64(1),
			},
		}
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: metadata,
		}
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	session, err := a.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, wrapError("create checkout session", err)
	}
	return &paymentdomain.CheckoutSession{
		ID:         session.ID,
		URL:        session.URL,
		Mode:       in.Mode,
		CustomerID: in.CustomerID,
		Metadata:   paymentdomain.ParseSessionMetadata(session.Metadata),
	}, nil
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, in paymentdomain.PaymentIntentParams) (*paymentdomain.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		Customer: stripe.String(in.CustomerID),
		Metadata: in.Metadata.ToMap(),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	intent, err := a.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, wrapError("create payment intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (a *Adapter) GetPaymentIntent(ctx context.Context, id string) (*paymentdomain.PaymentIntent, error) {
	intent, err := a.client.V1PaymentIntents.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, wrapError("retrieve payment intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (a *Adapter) GetSubscription(ctx context.Context, id string) (*paymentdomain.Subscription, error) {
	sub, err := a.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, wrapError("retrieve subscription", err)
	}

	// Period bounds moved between the subscription and its items across API
	// versions; the wire decoder reads both.
	var raw []byte
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		raw = sub.LastResponse.RawJSON
	} else if raw, err = json.Marshal(sub); err != nil {
		return nil, fmt.Errorf("encode subscription: %w", err)
	}

	var wire wireSubscription
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return wire.toDomain(), nil
}

func toPaymentIntent(intent *stripe.PaymentIntent) *paymentdomain.PaymentIntent {
	if intent == nil {
		return nil
	}
	out := &paymentdomain.PaymentIntent{
		ID:             intent.ID,
		Status:         string(intent.Status),
		Amount:         intent.Amount,
		AmountReceived: intent.AmountReceived,
		Currency:       strings.ToLower(string(intent.Currency)),
		ClientSecret:   intent.ClientSecret,
		Metadata:       paymentdomain.ParseSessionMetadata(intent.Metadata),
	}
	if intent.Customer != nil {
		out.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil {
		out.PaymentMethod = string(intent.PaymentMethod.Type)
		if out.PaymentMethod == "" {
			out.PaymentMethod = intent.PaymentMethod.ID
		}
	}
	return out
}

// wrapError marks transport failures and Stripe 5xx/429 responses as
// provider unavailability.
func wrapError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("stripe %s: %w: %w", op, paymentdomain.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("stripe %s: %w", op, err)
	}
	return fmt.Errorf("stripe %s: %w: %w", op, paymentdomain.ErrProviderUnavailable, err)
}
