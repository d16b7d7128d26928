package stripe

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const signatureHeader = "Stripe-Signature"

// ParseWebhook verifies the signature and decodes the event object the
// dispatcher acts on. Unhandled event types carry no object.
func (a *Adapter) ParseWebhook(payload []byte, headers http.Header) (*paymentdomain.WebhookEvent, error) {
	sigHeader := strings.TrimSpace(headers.Get(signatureHeader))
	if sigHeader == "" || a.webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		a.log.Debug("stripe signature rejected", zap.Error(err))
		return nil, paymentdomain.ErrInvalidSignature
	}

	out := &paymentdomain.WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}
	raw := event.Data.Raw

	switch out.Type {
	case paymentdomain.EventCheckoutSessionCompleted:
		var session wireCheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.CheckoutSession = session.toDomain()
	case paymentdomain.EventSubscriptionCreated,
		paymentdomain.EventSubscriptionUpdated,
		paymentdomain.EventSubscriptionDeleted:
		var sub wireSubscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Subscription = sub.toDomain()
	case paymentdomain.EventInvoicePaid, paymentdomain.EventInvoicePaymentFailed:
		var invoice wireInvoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Invoice = invoice.toDomain()
	case paymentdomain.EventPaymentIntentSucceeded:
		var intent wirePaymentIntent
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.PaymentIntent = intent.toDomain()
	}
	return out, nil
}

// expandableID accepts either an object id or the expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type wireCheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Mode          string            `json:"mode"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	PaymentIntent expandableID      `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func (w wireCheckoutSession) toDomain() *paymentdomain.CheckoutSession {
	return &paymentdomain.CheckoutSession{
		ID:              w.ID,
		URL:             w.URL,
		Mode:            paymentdomain.CheckoutMode(w.Mode),
		CustomerID:      string(w.Customer),
		SubscriptionID:  string(w.Subscription),
		PaymentIntentID: string(w.PaymentIntent),
		Metadata:        paymentdomain.ParseSessionMetadata(w.Metadata),
	}
}

type wirePrice struct {
	ID         string            `json:"id"`
	Nickname   string            `json:"nickname"`
	UnitAmount int64             `json:"unit_amount"`
	Currency   string            `json:"currency"`
	Product    expandableID      `json:"product"`
	Metadata   map[string]string `json:"metadata"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type wireSubscriptionItem struct {
	Quantity           int64     `json:"quantity"`
	CurrentPeriodStart int64     `json:"current_period_start"`
	CurrentPeriodEnd   int64     `json:"current_period_end"`
	Price              wirePrice `json:"price"`
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []wireSubscriptionItem `json:"data"`
	} `json:"items"`
}

func (w wireSubscription) toDomain() *paymentdomain.Subscription {
	out := &paymentdomain.Subscription{
		ID:         w.ID,
		CustomerID: string(w.Customer),
		Status:     w.Status,
		Metadata:   paymentdomain.ParseSubscriptionMetadata(w.Metadata),
	}
	start, end := w.CurrentPeriodStart, w.CurrentPeriodEnd

	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		out.Amount = item.Price.UnitAmount * quantity
		out.Currency = strings.ToLower(item.Price.Currency)
		if item.Price.Recurring != nil {
			out.BillingPeriod = item.Price.Recurring.Interval
		}
		out.PlanName = lo.CoalesceOrEmpty(
			out.Metadata.PlanName,
			item.Price.Nickname,
			item.Price.Metadata[paymentdomain.MetaPlanName],
			item.Price.ID,
		)
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	} else {
		out.PlanName = out.Metadata.PlanName
	}

	out.PeriodStart = unixTime(start)
	out.PeriodEnd = unixTime(end)
	return out
}

type wireInvoice struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	AmountPaid   int64        `json:"amount_paid"`
	Currency     string       `json:"currency"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (w wireInvoice) toDomain() *paymentdomain.Invoice {
	subscriptionID := string(w.Subscription)
	if subscriptionID == "" && w.Parent != nil && w.Parent.SubscriptionDetails != nil {
		subscriptionID = string(w.Parent.SubscriptionDetails.Subscription)
	}
	return &paymentdomain.Invoice{
		ID:             w.ID,
		CustomerID:     string(w.Customer),
		SubscriptionID: subscriptionID,
		AmountPaid:     w.AmountPaid,
		Currency:       strings.ToLower(w.Currency),
	}
}

type wirePaymentIntent struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Customer       expandableID      `json:"customer"`
	PaymentMethod  expandableID      `json:"payment_method"`
	Metadata       map[string]string `json:"metadata"`
	PaymentTypes   []string          `json:"payment_method_types"`
}

func (w wirePaymentIntent) toDomain() *paymentdomain.PaymentIntent {
	method := string(w.PaymentMethod)
	if len(w.PaymentTypes) > 0 {
		method = w.PaymentTypes[0]
	}
	return &paymentdomain.PaymentIntent{
		ID:             w.ID,
		Status:         w.Status,
		Amount:         w.Amount,
		AmountReceived: w.AmountReceived,
		Currency:       strings.ToLower(w.Currency),
		CustomerID:     string(w.Customer),
		PaymentMethod:  method,
		Metadata:       paymentdomain.ParseSessionMetadata(w.Metadata),
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
