package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/paysync/internal/config"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
)

const testWebhookSecret = "whsec_test"

func newTestAdapter(t *testing.T, apiURL string) *Adapter {
	t.Helper()
	cfg := config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		Timeout:       5 * time.Second,
	}
	var url *string
	if apiURL != "" {
		url = &apiURL
	}
	return newAdapter(cfg, zap.NewNop(), url)
}

func signedHeaders(t *testing.T, secret string, payload []byte) http.Header {
	t.Helper()
	header := http.Header{}
	header.Set(signatureHeader, buildStripeSignatureHeader(secret, payload, time.Now().Unix()))
	return header
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return payload
}

func TestNewWithoutSecretKeyIsDisabled(t *testing.T) {
	assert.Nil(t, New(config.StripeConfig{}, zap.NewNop()))
}

func TestParseWebhookVerifiesSignature(t *testing.T) {
	adapter := newTestAdapter(t, "")
	payload := mustJSON(t, map[string]any{
		"id":     "evt_pi",
		"object": "event",
		"type":   "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":                   "pi_1",
				"object":               "payment_intent",
				"status":               "succeeded",
				"amount":               2000,
				"amount_received":      2000,
				"currency":             "USD",
				"customer":             "cus_1",
				"payment_method_types": []string{"card"},
				"metadata": map[string]string{
					"user_id":         "user-1",
					"credits":         "1000",
					"idempotency_key": "purchase_credits_abc",
				},
			},
		},
	})

	event, err := adapter.ParseWebhook(payload, signedHeaders(t, testWebhookSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_pi", event.ID)
	assert.Equal(t, paymentdomain.EventPaymentIntentSucceeded, event.Type)
	require.NotNil(t, event.PaymentIntent)
	assert.Equal(t, "pi_1", event.PaymentIntent.ID)
	assert.Equal(t, int64(2000), event.PaymentIntent.AmountReceived)
	assert.Equal(t, "usd", event.PaymentIntent.Currency)
	assert.Equal(t, "cus_1", event.PaymentIntent.CustomerID)
	assert.Equal(t, "card", event.PaymentIntent.PaymentMethod)
	assert.Equal(t, paymentdomain.SessionMetadata{
		UserID:         "user-1",
		Credits:        1000,
		IdempotencyKey: "purchase_credits_abc",
	}, event.PaymentIntent.Metadata)

	_, err = adapter.ParseWebhook(payload, signedHeaders(t, "whsec_wrong", payload))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = adapter.ParseWebhook(payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = adapter.ParseWebhook(tampered, signedHeaders(t, testWebhookSecret, payload))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestParseSubscriptionEvent(t *testing.T) {
	adapter := newTestAdapter(t, "")
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	tests := []struct {
		name string
		sub  map[string]any
	}{
		{
			name: "period on items",
			sub: map[string]any{
				"id":       "sub_1",
				"object":   "subscription",
				"customer": "cus_1",
				"status":   "active",
				"metadata": map[string]string{"user_id": "user-1"},
				"items": map[string]any{"data": []any{map[string]any{
					"quantity":             1,
					"current_period_start": start.Unix(),
					"current_period_end":   end.Unix(),
					"price": map[string]any{
						"id":          "price_1",
						"nickname":    "Premium Yearly",
						"unit_amount": 9900,
						"currency":    "EUR",
						"recurring":   map[string]any{"interval": "year"},
					},
				}}},
			},
		},
		{
			name: "period on subscription with expanded customer",
			sub: map[string]any{
				"id":                   "sub_1",
				"object":               "subscription",
				"customer":             map[string]any{"id": "cus_1", "object": "customer"},
				"status":               "active",
				"current_period_start": start.Unix(),
				"current_period_end":   end.Unix(),
				"metadata":             map[string]string{"user_id": "user-1", "plan_name": "Premium Yearly"},
				"items": map[string]any{"data": []any{map[string]any{
					"price": map[string]any{
						"id":          "price_1",
						"unit_amount": 9900,
						"currency":    "eur",
						"recurring":   map[string]any{"interval": "year"},
					},
				}}},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := mustJSON(t, map[string]any{
				"id":     "evt_sub",
				"object": "event",
				"type":   "customer.subscription.updated",
				"data":   map[string]any{"object": tc.sub},
			})
			event, err := adapter.ParseWebhook(payload, signedHeaders(t, testWebhookSecret, payload))
			require.NoError(t, err)
			require.NotNil(t, event.Subscription)

			sub := event.Subscription
			assert.Equal(t, "sub_1", sub.ID)
			assert.Equal(t, "cus_1", sub.CustomerID)
			assert.Equal(t, "user-1", sub.Metadata.UserID)
			assert.Equal(t, "Premium Yearly", sub.PlanName)
			assert.Equal(t, int64(9900), sub.Amount)
			assert.Equal(t, "eur", sub.Currency)
			assert.Equal(t, "year", sub.BillingPeriod)
			require.NotNil(t, sub.PeriodStart)
			require.NotNil(t, sub.PeriodEnd)
			assert.True(t, sub.PeriodStart.Equal(start))
			assert.True(t, sub.PeriodEnd.Equal(end))
		})
	}
}

func TestParseInvoiceReadsParentSubscription(t *testing.T) {
	adapter := newTestAdapter(t, "")
	payload := mustJSON(t, map[string]any{
		"id":     "evt_inv",
		"object": "event",
		"type":   "invoice.paid",
		"data": map[string]any{"object": map[string]any{
			"id":          "in_1",
			"object":      "invoice",
			"customer":    "cus_1",
			"amount_paid": 9900,
			"currency":    "eur",
			"parent": map[string]any{
				"subscription_details": map[string]any{"subscription": "sub_1"},
			},
		}},
	})

	event, err := adapter.ParseWebhook(payload, signedHeaders(t, testWebhookSecret, payload))
	require.NoError(t, err)
	require.NotNil(t, event.Invoice)
	assert.Equal(t, "sub_1", event.Invoice.SubscriptionID)
	assert.Equal(t, "cus_1", event.Invoice.CustomerID)
}

func TestParseUnhandledEventCarriesNoObject(t *testing.T) {
	adapter := newTestAdapter(t, "")
	payload := []byte(`{"id":"evt_x","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)

	event, err := adapter.ParseWebhook(payload, signedHeaders(t, testWebhookSecret, payload))
	require.NoError(t, err)
	assert.Equal(t, "charge.refunded", event.Type)
	assert.Nil(t, event.PaymentIntent)
	assert.Nil(t, event.Subscription)
	assert.Nil(t, event.Invoice)
	assert.Nil(t, event.CheckoutSession)
}

func TestCreatePaymentIntentForwardsIdempotencyKey(t *testing.T) {
	var (
		gotKey  string
		gotForm map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotForm = map[string]string{
			"amount":                    r.PostForm.Get("amount"),
			"currency":                  r.PostForm.Get("currency"),
			"customer":                  r.PostForm.Get("customer"),
			"metadata[user_id]":         r.PostForm.Get("metadata[user_id]"),
			"metadata[credits]":         r.PostForm.Get("metadata[credits]"),
			"metadata[idempotency_key]": r.PostForm.Get("metadata[idempotency_key]"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"id": "pi_1",
			"object": "payment_intent",
			"status": "requires_payment_method",
			"amount": 2000,
			"currency": "usd",
			"customer": "cus_1",
			"client_secret": "pi_1_secret_abc",
			"metadata": {"user_id": "user-1", "credits": "1000", "idempotency_key": "purchase_credits_abc"}
		}`)
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL)
	intent, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.PaymentIntentParams{
		CustomerID: "cus_1",
		Amount:     2000,
		Currency:   "USD",
		Metadata: paymentdomain.SessionMetadata{
			UserID:         "user-1",
			Credits:        1000,
			IdempotencyKey: "purchase_credits_abc",
		},
		IdempotencyKey: "purchase_credits_abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "purchase_credits_abc", gotKey)
	assert.Equal(t, map[string]string{
		"amount":                    "2000",
		"currency":                  "usd",
		"customer":                  "cus_1",
		"metadata[user_id]":         "user-1",
		"metadata[credits]":         "1000",
		"metadata[idempotency_key]": "purchase_credits_abc",
	}, gotForm)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1_secret_abc", intent.ClientSecret)
	assert.Equal(t, "cus_1", intent.CustomerID)
	assert.Equal(t, int64(1000), intent.Metadata.Credits)
}

func TestProviderErrorsAreClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, `{"error":{"type":"api_error","message":"down"}}`)
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, srv.URL)
	_, err := adapter.GetPaymentIntent(context.Background(), "pi_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, paymentdomain.ErrProviderUnavailable)
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
