package domain

import "errors"

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidPriceRef     = errors.New("invalid_price_ref")
	ErrInvalidPaymentRef   = errors.New("invalid_payment_ref")
	ErrUnknownPackage      = errors.New("unknown_package")
	ErrPaymentRefMismatch  = errors.New("payment_ref_mismatch")
	ErrPaymentUserMismatch = errors.New("payment_user_mismatch")
	ErrPurchaseCompleted   = errors.New("purchase_already_completed")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrProviderNotFound    = errors.New("provider_not_found")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrUnresolvedUser      = errors.New("unresolved_user")
)
