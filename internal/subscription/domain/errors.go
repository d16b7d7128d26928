package domain

import "errors"

var (
	ErrInvalidSubscriptionID = errors.New("invalid_subscription_id")
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
)
