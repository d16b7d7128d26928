package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbox event types.
const (
	EventCreditsPurchased = "credits.purchased"
)

// CreditsPurchasedPayload is relayed to the successful_payments topic.
type CreditsPurchasedPayload struct {
	TransactionID      string    `json:"transaction_id"`
	UserID             string    `json:"user_id"`
	CoinsPurchased     int64     `json:"coins_purchased"`
	Provider           string    `json:"provider,omitempty"`
	ProductID          string    `json:"product_id,omitempty"`
	ExternalPaymentRef string    `json:"external_payment_ref"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p CreditsPurchasedPayload) ToMap() map[string]any {
	payload := map[string]any{
		"transaction_id":       p.TransactionID,
		"user_id":              p.UserID,
		"coins_purchased":      p.CoinsPurchased,
		"external_payment_ref": p.ExternalPaymentRef,
		"occurred_at":          p.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if p.Provider != "" {
		payload["provider"] = p.Provider
	}
	if p.ProductID != "" {
		payload["product_id"] = p.ProductID
	}
	return payload
}

// CreditsPurchasedDedupeKey scopes outbox dedup to one external payment per user.
func CreditsPurchasedDedupeKey(userID, externalRef string) string {
	return fmt.Sprintf("%s:%s:%s", EventCreditsPurchased, userID, externalRef)
}

// Message is the broker-facing form of an outbox row.
type Message struct {
	Topic         string
	Key           string
	Value         []byte
	CorrelationID string
	EventType     string
}

func encodePayload(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}
