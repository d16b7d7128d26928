package domain

import "errors"

var (
	ErrInvalidPayer     = errors.New("invalid_payer")
	ErrInvalidSubject   = errors.New("invalid_subject")
	ErrInvalidFeeType   = errors.New("invalid_fee_type")
	ErrFeeNotConfigured = errors.New("fee_not_configured")
)
