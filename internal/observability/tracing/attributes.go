package tracing

import (
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// MoneyPathKey marks spans for requests that move credits or settle payments.
const MoneyPathKey = attribute.Key("paysync.money_path")

var sensitiveAttributeKeys = []string{
	"secret",
	"token",
	"authorization",
	"signature",
	"client_secret",
	"card",
	"payment_method",
	"email",
	"password",
}

// moneyPathPrefixes lists the POST routes that grant, debit or settle credits.
var moneyPathPrefixes = []string{
	"/v1/payments/confirm",
	"/v1/payment-intents",
	"/v1/checkout-sessions",
	"/v1/fees/",
	"/v1/admin/credits/",
	"/webhooks/",
}

// MoneyPath reports whether a request can change a balance or a subscription.
func MoneyPath(method, path string) bool {
	if method != http.MethodPost {
		return false
	}
	for _, prefix := range moneyPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// SafeAttributes drops attributes whose keys look like credentials or payment secrets.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveKey(string(attr.Key)) {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// SafeError keeps only the error type.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%T", err)
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveAttributeKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
