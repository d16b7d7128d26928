package domain

import "errors"

var (
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidOperation       = errors.New("invalid_operation")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidKey             = errors.New("invalid_idempotency_key")
	ErrInvalidMaxAge          = errors.New("invalid_max_age")
	ErrIdempotencyKeyConflict = errors.New("idempotency_key_conflict")
	ErrRecordNotFound         = errors.New("idempotency_record_not_found")
	ErrRecordCompleted        = errors.New("idempotency_record_completed")
	ErrForbidden              = errors.New("forbidden")
	ErrNoCachedResult         = errors.New("no_cached_result")
)
