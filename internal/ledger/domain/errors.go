package domain

import "errors"

var (
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrMissingTransaction     = errors.New("missing_transaction")
)
