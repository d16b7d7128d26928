package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	Ensure(ctx context.Context, req EnsureRequest) (EnsureResult, error)
	AttachExternalRef(ctx context.Context, key, ref string) error
	Complete(ctx context.Context, key string, result any) (bool, error)
	Fail(ctx context.Context, key, reason string) (bool, error)
	Get(ctx context.Context, key string) (*Record, error)
	Cleanup(ctx context.Context, req CleanupRequest) (CleanupResult, error)
	DeriveKey(userID string, operation Operation, amount int64, context string) string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*Record, error)
	Rearm(ctx context.Context, db *gorm.DB, key string, now time.Time) (bool, error)
	AttachRef(ctx context.Context, db *gorm.DB, key, ref string, now time.Time) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, key string, result []byte, now time.Time) (bool, error)
	Fail(ctx context.Context, db *gorm.DB, key, reason string, now time.Time) (bool, error)
	DeleteOlderThan(ctx context.Context, db *gorm.DB, userID string, cutoff time.Time) (int64, error)
}
